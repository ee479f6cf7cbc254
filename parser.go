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
	"strconv"
	"strings"
)

// method is the small, closed set of HTTP methods the Request Parser
// recognizes (spec.md §4.2). Anything else is rejected before path
// parsing even starts.
type method int

const (
	methodGet method = iota + 1
	methodHead
	methodPut
	methodPost
	methodPatch
	methodDelete
)

func parseMethod(s string) (method, bool) {
	switch s {
	case http.MethodGet:
		return methodGet, true
	case http.MethodHead:
		return methodHead, true
	case http.MethodPut:
		return methodPut, true
	case http.MethodPost:
		return methodPost, true
	case http.MethodPatch:
		return methodPatch, true
	case http.MethodDelete:
		return methodDelete, true
	default:
		return 0, false
	}
}

// op is the resolved operation the dispatcher must invoke, after the
// method/path grammar of spec.md §4.2 has been applied.
type op int

const (
	opGet op = iota + 1
	opHead
	opPut
	opPatch
	opDelete
	opInsert // POST /{collection}
	opQuery  // POST /
)

// requestCtx is the per-request scratch state described in spec.md §3.
// id == 0 means "not specified in the URL". A non-zero collection is
// present for every op except opQuery, where the collection is embedded
// in the query body instead.
type requestCtx struct {
	op         op
	collection string
	id         int64
	readAnon   bool
	dataSent   bool

	wbuf    []byte // assembly buffer; unused: the query path buffers in its chunkWriter
	explain []byte // explain buffer; unused: the query path keeps its own local explain buffer
}

// mutating reports whether op modifies data, per spec.md §4.1's
// read_anon consequence (PUT, POST-to-collection, PATCH, DELETE, or a
// query with an apply clause — the last is checked separately once the
// query body has been compiled).
func (o op) mutating() bool {
	switch o {
	case opPut, opPatch, opDelete, opInsert:
		return true
	default:
		return false
	}
}

// parseRequest implements the Request Parser (spec.md §4.2): method
// string + path string + collectionMax -> requestCtx, or a parse
// failure (ok == false, meaning the caller must reply 400).
func parseRequest(methodStr, path string, collectionMax int) (rc requestCtx, ok bool) {
	m, ok := parseMethod(methodStr)
	if !ok {
		return requestCtx{}, false
	}
	if !strings.HasPrefix(path, "/") {
		return requestCtx{}, false
	}
	rest := path[1:]

	if rest == "" {
		// path == "/"
		if m == methodPost {
			return requestCtx{op: opQuery}, true
		}
		return requestCtx{}, false
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		// "/" collection, no id
		coll := rest
		if len(coll) == 0 || len(coll) > collectionMax {
			return requestCtx{}, false
		}
		if m != methodPost {
			return requestCtx{}, false
		}
		return requestCtx{op: opInsert, collection: coll}, true
	}

	coll := rest[:slash]
	idPart := rest[slash+1:]
	if len(coll) == 0 || len(coll) > collectionMax {
		return requestCtx{}, false
	}
	if idPart == "" || strings.IndexByte(idPart, '/') >= 0 {
		return requestCtx{}, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 1 {
		return requestCtx{}, false
	}

	var o op
	switch m {
	case methodGet:
		o = opGet
	case methodHead:
		o = opHead
	case methodPut:
		o = opPut
	case methodPatch:
		o = opPatch
	case methodDelete:
		o = opDelete
	case methodPost:
		return requestCtx{}, false // POST with an id is 400
	}
	return requestCtx{op: o, collection: coll, id: id}, true
}

// parseHints reads the X-Hints header (comma-separated tokens) and
// reports whether the "explain" hint is present.
func parseHints(h http.Header) (explain bool) {
	for _, v := range h.Values("X-Hints") {
		for _, tok := range strings.Split(v, ",") {
			if strings.TrimSpace(tok) == "explain" {
				return true
			}
		}
	}
	return false
}
