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
	"crypto/subtle"
	"net/http"
)

// accessTokenHeader is the header the Token Gate inspects. net/http
// canonicalizes header keys on both read and write, so the
// case-insensitive match required by spec.md §4.1 falls out of
// Header.Values for free.
const accessTokenHeader = "X-Access-Token"

// tokenGate implements spec.md §4.1. It runs before the Request Parser
// would even matter for auth purposes, but needs rc.op/rc.collection to
// decide anonymous-read eligibility, so it is called after parseRequest
// with the resulting requestCtx. Returns 0 to mean "proceed"; any other
// value is the status code the caller must reply with immediately.
func (g *Gateway) tokenGate(req *http.Request, rc *requestCtx) int {
	return g.tokenGateValues(req.Header.Values(accessTokenHeader), rc)
}

// tokenGateValues is tokenGate's transport-agnostic core: it is also
// used by the WebSocket session, which has no per-message headers and
// so extracts its one token value (if any) from the upgrade request
// instead of from req.Header.
func (g *Gateway) tokenGateValues(vals []string, rc *requestCtx) int {
	if len(g.cfg.AccessToken) == 0 {
		return 0
	}

	switch len(vals) {
	case 0:
		if g.cfg.ReadAnon && anonEligible(rc) {
			rc.readAnon = true
			return 0
		}
		return http.StatusUnauthorized

	case 1:
		if subtle.ConstantTimeCompare([]byte(vals[0]), []byte(g.cfg.AccessToken)) == 1 {
			return 0
		}
		return http.StatusForbidden

	default:
		// header specified more than once
		return http.StatusBadRequest
	}
}

// anonEligible is the "anonymous-eligible class" of spec.md §4.1: GET,
// HEAD, or POST-to-root-query.
func anonEligible(rc *requestCtx) bool {
	switch rc.op {
	case opGet, opHead, opQuery:
		return true
	default:
		return false
	}
}
