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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "warn", want: Warning},
		{in: "info", want: Info},
		{in: "debug", want: Debug},
		{in: "0", want: Warning},
		{in: "2", want: Debug},
		{in: "3", wantErr: true},
		{in: "trace", wantErr: true},
		{in: "", wantErr: true},
	} {
		var l Level
		err := l.UnmarshalText([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Errorf("UnmarshalText(%q) = %v, want error", tc.in, l)
			}
			continue
		}
		if err != nil {
			t.Errorf("UnmarshalText(%q): %v", tc.in, err)
			continue
		}
		if l != tc.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tc.in, l, tc.want)
		}
	}
	if _, err := Level(7).MarshalText(); err == nil {
		t.Errorf("MarshalText(7) succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.Warningf("segment %d overlaps %s", 2, "the stack")
	l.Debugf("entry at %#x", 0x401000)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	var got []jsonRecord
	for _, line := range lines {
		var r jsonRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("Unmarshal(%q): %v", line, err)
		}
		if r.Time.IsZero() || time.Since(r.Time) > time.Hour {
			t.Errorf("record %q has time %v", line, r.Time)
		}
		if !strings.HasPrefix(r.Caller, "json_test.go:") {
			t.Errorf("record %q has caller %q", line, r.Caller)
		}
		r.Time, r.Caller = time.Time{}, ""
		got = append(got, r)
	}
	want := []jsonRecord{
		{Level: Warning, PID: pid, Msg: "segment 2 overlaps the stack"},
		{Level: Debug, PID: pid, Msg: "entry at 0x401000"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(lines[0], `"level":"warning"`) {
		t.Errorf("level is not written by name: %s", lines[0])
	}
}
