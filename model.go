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
	"strings"

	"github.com/rs/zerolog"
)

// SchemaVersion is the semver version of the schema of the ejgate
// configuration file. Currently this is v1.0.0.
const SchemaVersion = "1.0.0"

// DefaultCollectionNameMax is the maximum number of bytes allowed in a
// collection name, unless overridden in ServerConfig.
const DefaultCollectionNameMax = 128

// DefaultMaxBodySize is the default maximum accepted size, in bytes, of
// a request body or WebSocket message, unless overridden in ServerConfig.
const DefaultMaxBodySize = 64 * 1024 * 1024

// DefaultPort is the port the gateway listens on if ServerConfig.Port
// is zero.
const DefaultPort = 9292

//------------------------------------------------------------------------------
// core

// ServerConfig is the entirety of the configuration supplied to the
// Gateway. It is typically deserialized from a .json or .yaml file. It
// is read-only once Gateway.Start returns.
type ServerConfig struct {
	// Version indicates the version of the schema according to which the
	// other fields in this structure should be interpreted. Required.
	Version string `json:"version"`

	// Enabled turns the HTTP endpoint on or off. If false, Start is a
	// no-op that returns a nil error.
	Enabled bool `json:"enabled"`

	// Bind is the IP to listen on. Defaults to `0.0.0.0` (all interfaces)
	// if empty. Hostnames are not allowed.
	Bind string `json:"bind,omitempty"`

	// Port is the TCP port to listen on. Defaults to DefaultPort if zero.
	Port uint16 `json:"port,omitempty"`

	// CommonPrefix will be prefixed to the REST and WebSocket paths. If
	// specified, must begin with a slash and must not end with one.
	// Path components can contain only A-Z, a-z, 0-9, _, . or -.
	CommonPrefix string `json:"commonPrefix,omitempty"`

	// AccessToken, if non-empty, is the shared bearer-style token
	// required in the `X-Access-Token` header. If empty, every request
	// is admitted by the Token Gate.
	AccessToken string `json:"accessToken,omitempty"`

	// ReadAnon, when AccessToken is set, allows header-less GET, HEAD
	// and POST-to-root-query requests to proceed as anonymous reads
	// instead of being rejected with 401.
	ReadAnon bool `json:"readAnon,omitempty"`

	// MaxBodySize caps the size, in bytes, of a request body or
	// WebSocket message. Defaults to DefaultMaxBodySize if zero.
	MaxBodySize int64 `json:"maxBodySize,omitempty"`

	// CollectionNameMax caps the length, in bytes, of a collection name
	// component of the URL path. Defaults to DefaultCollectionNameMax
	// if zero.
	CollectionNameMax int `json:"collectionNameMax,omitempty"`

	// Blocking, if true, makes Start run the listener loop on the
	// calling goroutine; Start then returns only when the listener
	// exits. If false (the default), Start spawns a background
	// goroutine and returns once the listener is bound or has failed.
	Blocking bool `json:"blocking,omitempty"`

	// Compression enables transparent gzip/deflate response encoding
	// for the REST surface, via chi's compression middleware. This is
	// an ambient transport concern, unrelated to WebSocket per-message
	// compression negotiation (never enabled: serveWS accepts every
	// WebSocket with compression disabled).
	Compression bool `json:"compression,omitempty"`
}

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *ServerConfig) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation (calls Validate() internally) and returns an
// error if the validation finds at least one error. All errors are
// formatted into a single error message; warnings are not included.
func (c *ServerConfig) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation. The
// Validate method of ServerConfig returns a slice of these.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or warning.
	Message string
}

func (c *ServerConfig) collectionNameMax() int {
	if c.CollectionNameMax > 0 {
		return c.CollectionNameMax
	}
	return DefaultCollectionNameMax
}

func (c *ServerConfig) maxBodySize() int64 {
	if c.MaxBodySize > 0 {
		return c.MaxBodySize
	}
	return DefaultMaxBodySize
}

//------------------------------------------------------------------------------
// runtime interface

// Runtime provides the necessary support functions for logging and
// metrics reporting. All functions here may be called from different
// goroutines simultaneously, so they must be goroutine-safe, and
// efficient: the performance of the Gateway can be impacted if these
// functions are slow.
type Runtime struct {
	// Logger specifies where to send the logs to. If nil, no logs will
	// be emitted.
	Logger *zerolog.Logger

	// ReportMetric will be called for reporting the value of metrics,
	// like time taken to serve a request. This function should finish
	// as quickly as possible (e.g. push the values into a channel and
	// return).
	ReportMetric func(name string, labels []string, value float64)
}
