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
	"runtime"
	"strconv"
	"strings"
	"time"
)

// TextEmitter prefixes each message with a glog-compatible header:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// and passes the result to the underlying Emitter.
type TextEmitter struct {
	Emitter
}

// textTimeLayout is the mmdd hh:mm:ss.uuuuuu part of the header.
const textTimeLayout = "0102 15:04:05.000000"

var (
	pid = os.Getpid()

	// pidField is right-aligned to seven columns, as glog does.
	pidField = fmt.Sprintf("%7d", pid)
)

// letter is the single character that starts a text line.
func (l Level) letter() byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// caller returns "file:line" for the frame skip levels above its caller, with
// the directory trimmed.
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit implements Emitter.Emit.
func (t TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 48+len(pidField)+len(format))
	b = append(b, level.letter())
	b = timestamp.AppendFormat(b, textTimeLayout)
	b = append(b, ' ')
	b = append(b, pidField...)
	b = append(b, ' ')
	// Escape the caller so that it is not interpreted as a verb below.
	b = append(b, strings.ReplaceAll(caller(depth+1), "%", "%%")...)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')
	t.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
