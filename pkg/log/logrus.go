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
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter emits log lines through a logrus.Logger.
//
// Level gating is done by BasicLogger, so the underlying logger is configured
// to accept everything.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns a LogrusEmitter writing text records to w.
func NewLogrusEmitter(w io.Writer) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
		DisableColors:   true,
	})
	return LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	entry = entry.WithField("caller", caller(depth+1))
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
