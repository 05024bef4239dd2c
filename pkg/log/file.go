// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PathPattern holds the values substituted into a log path. The pattern may
// contain:
//
//	%PID%        the loader's process ID
//	%TIMESTAMP%  the start time, in nanoseconds since the epoch
//	%COMMAND%    the subcommand being run
//
// A pattern ending in a slash names a directory, and the file within it is
// named after all three.
type PathPattern struct {
	PID     int
	Start   time.Time
	Command string
}

// dirLogName is used when the pattern names a directory.
const dirLogName = "elfload.%TIMESTAMP%.%PID%.%COMMAND%.log"

// Expand returns the path named by pattern.
func (p PathPattern) Expand(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		pattern += dirLogName
	}
	command := p.Command
	if command == "" {
		command = "none"
	}
	return strings.NewReplacer(
		"%PID%", strconv.Itoa(p.PID),
		"%TIMESTAMP%", strconv.FormatInt(p.Start.UnixNano(), 10),
		"%COMMAND%", command,
	).Replace(pattern)
}

// OpenFile opens the log file named by pattern for appending, creating it and
// its parent directory as needed. An empty pattern returns a nil file.
func OpenFile(pattern string, p PathPattern) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := p.Expand(pattern)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}
