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
	"context"
	"errors"
	"io"
)

// Visitor is invoked once per result document, in result order, while a
// query executes. It is the only path by which Execute streams data
// back to the gateway: there is no separate iterator type, mirroring
// the push-driven EJDB_EXEC.visitor callback this interface replaces.
// Returning a non-nil error aborts the scan and is propagated to
// Execute's return value.
type Visitor func(id int64, doc []byte) error

// Query is a compiled, ready-to-execute query, produced by
// Database.CompileQuery.
type Query interface {
	// Collection returns the name of the collection the query targets,
	// as embedded in the query text itself.
	Collection() string

	// HasApply reports whether the query carries a mutation/apply
	// clause. A read_anon request must be rejected with 403 before
	// Execute is ever called when this is true.
	HasApply() bool
}

// Database is the facade the gateway consumes. It abstracts the
// embedded JSON document store: storage engine, indexes, and query
// language internals are all out of scope for this module (see
// SPEC_FULL.md §3.1) — only this interface and the error taxonomy below
// are. Implementations must be safe for concurrent use; the gateway
// calls these methods directly from request-handling goroutines with
// no additional locking.
type Database interface {
	// Get fetches a document by collection and id. Returns ErrNotFound
	// if no such document exists.
	Get(ctx context.Context, coll string, id int64) (doc []byte, err error)

	// Put creates or replaces the document at id within coll.
	Put(ctx context.Context, coll string, id int64, doc []byte) error

	// PutNew inserts doc as a new document in coll, allocating a fresh id.
	PutNew(ctx context.Context, coll string, doc []byte) (id int64, err error)

	// Patch applies patch (RFC 7396 merge patch or RFC 6902 JSON patch,
	// the implementation decides which by examining the shape of patch)
	// to the document at id within coll.
	Patch(ctx context.Context, coll string, id int64, patch []byte) error

	// Remove deletes the document at id within coll. Returns
	// ErrNotFound if no such document exists.
	Remove(ctx context.Context, coll string, id int64) error

	// CompileQuery parses query text in the database's query language.
	// The collection name is embedded in the text; there is no separate
	// collection argument. Returns ErrQueryParse (wrapped) on failure,
	// or ErrNoCollection if the text names no collection.
	CompileQuery(text string) (Query, error)

	// Execute runs q, invoking visit once per result document in result
	// order. If explain is non-nil, a human-readable description of the
	// query plan is written to it before the first call to visit.
	Execute(ctx context.Context, q Query, visit Visitor, explain io.Writer) error
}

//------------------------------------------------------------------------------
// error taxonomy (§7)
//
// These sentinels correspond to the base taxonomy the gateway maps onto
// HTTP status codes. They replace the symbolic JBR_ERROR_*/iwrc codes of
// original_source/jbr.c with plain Go errors, wrapped with
// fmt.Errorf("%w", ...) by implementations so that errors.Is still
// matches after a diagnostic message is attached.

var (
	// ErrNotFound is returned by Get/Remove when the document or
	// collection does not exist. Maps to HTTP 404.
	ErrNotFound = errors.New("document not found")

	// ErrQueryParse is returned by CompileQuery on a syntactically
	// invalid query. Maps to HTTP 400; the wrapped error's message is
	// sent to the client verbatim as the diagnostic body.
	ErrQueryParse = errors.New("query parse error")

	// ErrNoCollection is returned by CompileQuery when the query names
	// no collection. Maps to HTTP 400.
	ErrNoCollection = errors.New("query names no collection")

	// ErrBodyParse is returned by Put/PutNew when the request body is
	// not valid JSON. Maps to HTTP 400.
	ErrBodyParse = errors.New("body is not valid JSON")

	// ErrPatchInvalid is returned by Patch for any of the RFC 6902/7396
	// structural failures enumerated in spec.md §4.3.4 (invalid target,
	// missing value, invalid op, failed test, invalid array index,
	// malformed pointer, or the JSON itself failing to parse/decode).
	// Maps to HTTP 400.
	ErrPatchInvalid = errors.New("patch is invalid")
)

// errStatus maps a Database error to the HTTP status the gateway must
// reply with, following spec.md §7's taxonomy. Ordering matters: more
// specific sentinels are checked before the generic 500 fallback.
func errStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrQueryParse), errors.Is(err, ErrNoCollection),
		errors.Is(err, ErrBodyParse), errors.Is(err, ErrPatchInvalid):
		return 400
	default:
		return 500
	}
}

// errSymbol names an error the way original_source/jbr.c's
// iwlog_ecode_explained prefixes a registered error code, for the
// diagnostic text of a 5xx response. Unrecognized errors fall back to a
// generic symbol; the error's own message still follows it.
func errSymbol(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "EJG_NOT_FOUND"
	case errors.Is(err, ErrQueryParse):
		return "EJG_QUERY_PARSE"
	case errors.Is(err, ErrNoCollection):
		return "EJG_NO_COLLECTION"
	case errors.Is(err, ErrBodyParse):
		return "EJG_BODY_PARSE"
	case errors.Is(err, ErrPatchInvalid):
		return "EJG_PATCH_INVALID"
	default:
		return "EJG_INTERNAL"
	}
}
