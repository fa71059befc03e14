// Copyright 2015 Matthew Holt and The Caddy Authors
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

package cblt

import (
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that prints in Go duration syntax.
// Cbltfile duration literals are parsed by ParseDuration, not by this
// type.
type Duration time.Duration

// ParseDuration parses a Cbltfile duration literal such as "30s",
// "500ms", or "2m". A bare integer counts seconds; any other string
// is handed to time.ParseDuration, so its other units (such as "h")
// are accepted too.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	if len(s) > 64 {
		return 0, fmt.Errorf("duration string too long")
	}
	// Accept a bare integer as a count of seconds, for Cbltfile
	// ergonomics, in addition to the unit-suffixed form.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
