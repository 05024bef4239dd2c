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

package hostsyscall

import (
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/log"
)

// MaxInterruptRetries bounds the number of times a single call is retried
// after EINTR.
const MaxInterruptRetries = 64

// interruptLog reports EINTR storms without flooding the log.
var interruptLog = log.NewRateLimited(log.Global(), time.Second)

// RetryInterrupted runs fn until it returns something other than EINTR, or
// until MaxInterruptRetries retries have been made. op names the call in log
// messages.
func RetryInterrupted[T any](op string, fn func() (T, error)) (T, error) {
	var v T
	attempt := 0
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, MaxInterruptRetries)
	err := backoff.Retry(func() error {
		var err error
		v, err = fn()
		if err == nil {
			return nil
		}
		if linuxerr.Equals(linuxerr.EINTR, err) {
			attempt++
			interruptLog.Warningf("%s interrupted (attempt %d), retrying", op, attempt)
			return err
		}
		return backoff.Permanent(err)
	}, b)
	return v, err
}
