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
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func gatewayWithToken(token string, readAnon bool) *Gateway {
	return &Gateway{cfg: &ServerConfig{AccessToken: token, ReadAnon: readAnon}}
}

func TestTokenGateNoTokenConfigured(t *testing.T) {
	r := require.New(t)
	g := gatewayWithToken("", false)
	rc := requestCtx{op: opDelete}
	r.Equal(0, g.tokenGateValues(nil, &rc))
}

func TestTokenGateMissingHeader(t *testing.T) {
	r := require.New(t)

	g := gatewayWithToken("tok", false)
	rc := requestCtx{op: opGet}
	r.Equal(http.StatusUnauthorized, g.tokenGateValues(nil, &rc))

	g = gatewayWithToken("tok", true)
	rc = requestCtx{op: opGet}
	r.Equal(0, g.tokenGateValues(nil, &rc))
	r.True(rc.readAnon)

	g = gatewayWithToken("tok", true)
	rc = requestCtx{op: opPut}
	r.Equal(http.StatusUnauthorized, g.tokenGateValues(nil, &rc))
	r.False(rc.readAnon)
}

func TestTokenGateSingleValue(t *testing.T) {
	r := require.New(t)
	g := gatewayWithToken("correct-token", false)

	rc := requestCtx{op: opGet}
	r.Equal(0, g.tokenGateValues([]string{"correct-token"}, &rc))

	rc = requestCtx{op: opGet}
	r.Equal(http.StatusForbidden, g.tokenGateValues([]string{"wrong-token"}, &rc))
}

func TestTokenGateRepeatedHeaderIsBadRequest(t *testing.T) {
	r := require.New(t)
	g := gatewayWithToken("tok", false)
	rc := requestCtx{op: opGet}
	r.Equal(http.StatusBadRequest, g.tokenGateValues([]string{"tok", "tok"}, &rc))
}

func TestAnonEligible(t *testing.T) {
	r := require.New(t)
	r.True(anonEligible(&requestCtx{op: opGet}))
	r.True(anonEligible(&requestCtx{op: opHead}))
	r.True(anonEligible(&requestCtx{op: opQuery}))
	r.False(anonEligible(&requestCtx{op: opPut}))
	r.False(anonEligible(&requestCtx{op: opPatch}))
	r.False(anonEligible(&requestCtx{op: opDelete}))
	r.False(anonEligible(&requestCtx{op: opInsert}))
}
