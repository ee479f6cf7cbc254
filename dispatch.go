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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// Response Writer primitives (spec.md §4.4)

func sendEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

func sendText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func sendJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// sendDBError reports a Database error as the §7 taxonomy prescribes:
// the body is the error's message (diagnostic string for 4xx, the
// internal explanation prefixed with a symbolic name for 5xx), and a
// 500 is also logged.
func sendDBError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := errStatus(err)
	if status >= 500 {
		logger.Error().Err(err).Msg("database operation failed")
		sendText(w, status, errSymbol(err)+": "+err.Error())
		return
	}
	sendText(w, status, err.Error())
}

//------------------------------------------------------------------------------
// Operation Dispatcher (spec.md §4.3.1-4.3.5; query is in query.go)

// serveREST is the single entry point for the whole REST surface,
// mirroring _jbr_on_http_request's role of being the one on_request
// callback the underlying framework ever calls in
// original_source/jbr.c. It is mounted on a wildcard route so that the
// Request Parser -- not the router -- owns path resolution.
func (g *Gateway) serveREST(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, g.cfg.CommonPrefix)
	if path == "" {
		path = "/"
	}
	rc, ok := parseRequest(r.Method, path, g.cfg.collectionNameMax())
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if status := g.tokenGate(r, &rc); status != 0 {
		w.WriteHeader(status)
		return
	}

	logger := g.logger.With().Str("op", opName(rc.op)).Str("collection", rc.collection).Logger()

	if rc.op == opQuery {
		g.serveQuery(w, r, &rc, logger)
		return
	}

	if rc.readAnon && rc.op.mutating() {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch rc.op {
	case opGet, opHead:
		g.serveGet(w, r, &rc, logger)
	case opPut:
		g.servePut(w, r, &rc, logger)
	case opInsert:
		g.serveInsert(w, r, &rc, logger)
	case opPatch:
		g.servePatch(w, r, &rc, logger)
	case opDelete:
		g.serveDelete(w, r, &rc, logger)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func opName(o op) string {
	switch o {
	case opGet:
		return "get"
	case opHead:
		return "head"
	case opPut:
		return "put"
	case opPatch:
		return "patch"
	case opDelete:
		return "delete"
	case opInsert:
		return "insert"
	case opQuery:
		return "query"
	default:
		return "?"
	}
}

// serveGet implements spec.md §4.3.1. Both verbs pretty-print the stored
// document before measuring it, so HEAD's Content-Length always equals
// the byte count GET would actually send for the same document.
func (g *Gateway) serveGet(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	doc, err := g.db.Get(r.Context(), rc.collection, rc.id)
	if err != nil {
		sendDBError(w, logger, err)
		return
	}
	pretty, err := prettyJSON(doc)
	if err != nil {
		sendDBError(w, logger, err)
		return
	}
	if rc.op == opHead {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(pretty)))
		w.WriteHeader(http.StatusOK)
		return
	}
	sendJSONBody(w, http.StatusOK, pretty)
}

// prettyJSON re-indents a stored document for GET's wire representation.
func prettyJSON(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serveInsert implements spec.md §4.3.2.
func (g *Gateway) serveInsert(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	body, err := readBody(r, g.cfg.maxBodySize())
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := g.db.PutNew(r.Context(), rc.collection, body)
	if err != nil {
		sendDBError(w, logger, err)
		return
	}
	sendText(w, http.StatusOK, strconv.FormatInt(id, 10))
}

// servePut implements spec.md §4.3.3.
func (g *Gateway) servePut(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	body, err := readBody(r, g.cfg.maxBodySize())
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.db.Put(r.Context(), rc.collection, rc.id, body); err != nil {
		sendDBError(w, logger, err)
		return
	}
	sendEmpty(w, http.StatusOK)
}

// servePatch implements spec.md §4.3.4.
func (g *Gateway) servePatch(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	body, err := readBody(r, g.cfg.maxBodySize())
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.db.Patch(r.Context(), rc.collection, rc.id, body); err != nil {
		sendDBError(w, logger, err)
		return
	}
	sendEmpty(w, http.StatusOK)
}

// serveDelete implements spec.md §4.3.5.
func (g *Gateway) serveDelete(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	if err := g.db.Remove(r.Context(), rc.collection, rc.id); err != nil {
		sendDBError(w, logger, err)
		return
	}
	sendEmpty(w, http.StatusOK)
}

// readBody reads the full request body, capped at max bytes, rejecting
// an empty body as spec.md §4.3 requires for every body-bearing op.
func readBody(r *http.Request, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errors.New("request body exceeds maximum size")
	}
	if len(body) < 1 {
		return nil, errors.New("empty request body")
	}
	return body, nil
}
