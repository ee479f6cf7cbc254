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

// The package ejgate is the network-facing gateway for an embeddable JSON
// document database. It exposes the database's document and query
// operations over HTTP/1.1 (the [Gateway] REST surface) and a
// text-framed WebSocket channel, bridging the database's in-process
// [Database] facade to remote clients.
//
// Runtime dependencies (logging, metrics) are supplied through
// [Runtime]. The [ServerConfig] structure configures everything else:
// bind address, access token, body-size limits and blocking mode. See
// the `cmd/ejgate` tool for an example of loading a config file and
// running a [Gateway] to completion.
package ejgate
