/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ejgate

import (
	"fmt"
	"net"
	"regexp"

	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    true,
		Message: msg,
	})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    false,
		Message: msg,
	})
}

//------------------------------------------------------------------------------

var rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)

func (c *ServerConfig) validate() (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Canonical("v"+c.Version) != "v1.0.0" {
		r = addError(r, fmt.Sprintf("incompatible schema version %q", c.Version))
	}

	// Bind
	if len(c.Bind) > 0 && net.ParseIP(c.Bind) == nil {
		r = addError(r, fmt.Sprintf("invalid bind address %q", c.Bind))
	}

	// Port
	if c.Port != 0 && (int(c.Port) <= 0 || int(c.Port) >= 65535) {
		r = addError(r, fmt.Sprintf("invalid port %d", c.Port))
	}

	// CommonPrefix
	if len(c.CommonPrefix) > 0 {
		if !rxPrefix.MatchString(c.CommonPrefix) {
			r = addError(r, fmt.Sprintf("invalid common prefix %q", c.CommonPrefix))
		}
	}

	// AccessToken, when supplied through a header rather than config, is
	// a plain string; check for NUL/CR/LF which can never occur in a
	// valid header value but would make a configured token unreachable.
	if len(c.AccessToken) > 0 {
		for _, b := range []byte(c.AccessToken) {
			if b == 0 || b == '\r' || b == '\n' {
				r = addError(r, "access token contains an unusable control byte")
				break
			}
		}
	}
	if c.ReadAnon && len(c.AccessToken) == 0 {
		r = addWarn(r, "readAnon has no effect without an accessToken")
	}

	// MaxBodySize
	if c.MaxBodySize < 0 {
		r = addError(r, fmt.Sprintf("maxBodySize %d must be >= 0", c.MaxBodySize))
	}

	// CollectionNameMax
	if c.CollectionNameMax < 0 {
		r = addError(r, fmt.Sprintf("collectionNameMax %d must be >= 0", c.CollectionNameMax))
	}

	return
}
