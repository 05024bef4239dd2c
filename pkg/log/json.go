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
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// jsonRecord is one line written by JSONEmitter. The caller is kept apart from
// the message so that records can be filtered by source file.
type jsonRecord struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	PID    int       `json:"pid"`
	Msg    string    `json:"msg"`
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning:
		return []byte("warning"), nil
	case Info:
		return []byte("info"), nil
	case Debug:
		return []byte("debug"), nil
	}
	return nil, fmt.Errorf("unknown level %d", uint32(l))
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts level names,
// the short form "warn", and the numeric levels.
func (l *Level) UnmarshalText(b []byte) error {
	switch s := string(b); s {
	case "warning", "warn":
		*l = Warning
	case "info":
		*l = Info
	case "debug":
		*l = Debug
	default:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || Level(n) > Debug {
			return fmt.Errorf("unknown level %q", s)
		}
		*l = Level(n)
	}
	return nil
}

// JSONEmitter writes one JSON object per message.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:   timestamp,
		Level:  level,
		Caller: caller(depth + 1),
		PID:    pid,
		Msg:    fmt.Sprintf(format, v...),
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Only an invalid level can fail; keep the message.
		b = []byte(strconv.Quote(r.Msg))
	}
	e.Writer.Write(b)
}
