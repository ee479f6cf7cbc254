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

import "errors"

// Gateway-internal error sentinels, the Go equivalent of the
// JBR_ERROR_* registry in original_source/jbr.c (there registered with
// iwlog_register_ecodefn; here plain wrapped errors are sufficient
// since Go has no separate localized-error-message subsystem).
var (
	// ErrListenFailed is returned by Start when the TCP listener could
	// not be bound.
	ErrListenFailed = errors.New("failed to start HTTP network listener")

	// errSendResponse marks a failure writing to the client socket,
	// distinguishing it (via errors.Is) from errors that originate in
	// the Database facade.
	errSendResponse = errors.New("error sending response")

	// errWSUpgrade marks a failure upgrading an HTTP connection to a
	// WebSocket.
	errWSUpgrade = errors.New("failed upgrading to websocket connection")
)
