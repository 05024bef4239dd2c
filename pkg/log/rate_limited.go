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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited is a Logger that passes at most one message per interval to the
// wrapped Logger. Messages over the limit are counted, and the next message
// that passes carries the count.
type RateLimited struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Int64
}

// NewRateLimited returns a RateLimited logging to logger at most once every
// interval.
func NewRateLimited(logger Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// admit reports whether a message may be logged now, and if so returns the
// message amended with the number suppressed since the last one.
func (r *RateLimited) admit(format string, v []any) (string, []any, bool) {
	if !r.limit.Allow() {
		r.dropped.Add(1)
		return "", nil, false
	}
	if n := r.dropped.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	return format, v, true
}

// Debugf implements Logger.Debugf.
func (r *RateLimited) Debugf(format string, v ...any) {
	if format, v, ok := r.admit(format, v); ok {
		r.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (r *RateLimited) Infof(format string, v ...any) {
	if format, v, ok := r.admit(format, v); ok {
		r.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (r *RateLimited) Warningf(format string, v ...any) {
	if format, v, ok := r.admit(format, v); ok {
		r.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (r *RateLimited) IsLogging(level Level) bool {
	return r.logger.IsLogging(level)
}

// globalLogger forwards to whatever Log() returns at the time of the call, so
// that loggers created during package initialization follow SetTarget.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().DebugfAtDepth(2, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().InfofAtDepth(2, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().WarningfAtDepth(2, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Global returns a Logger backed by the global logger.
func Global() Logger {
	return globalLogger{}
}
