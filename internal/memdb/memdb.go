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

// Package memdb is a minimal, in-process, mutex-guarded implementation
// of ejgate.Database. It exists to exercise the Gateway end to end
// (the cmd/ejgate tool embeds it directly) and as a runnable reference
// for anyone wiring a real storage engine behind the same facade; it is
// not meant to be a production document store; it keeps every
// collection fully resident in memory with no persistence, indexing or
// compaction.
package memdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rapidloop/ejgate"
)

// DB is a set of collections, each created on its first write and each an
// independent id -> document map. The zero value is not usable; call New.
type DB struct {
	mu    sync.RWMutex
	colls map[string]*collection
}

type collection struct {
	mu     sync.RWMutex
	docs   map[int64][]byte
	nextID int64
}

// New returns an empty DB, ready to use as an ejgate.Database.
func New() *DB {
	return &DB{colls: make(map[string]*collection)}
}

func (d *DB) collection(name string, create bool) *collection {
	d.mu.RLock()
	c, ok := d.colls[name]
	d.mu.RUnlock()
	if ok || !create {
		return c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok = d.colls[name]; ok {
		return c
	}
	c = &collection{docs: make(map[int64][]byte), nextID: 1}
	d.colls[name] = c
	return c
}

// Get implements ejgate.Database.
func (d *DB) Get(_ context.Context, coll string, id int64) ([]byte, error) {
	c := d.collection(coll, false)
	if c == nil {
		return nil, fmt.Errorf("%w: collection %q", ejgate.ErrNotFound, coll)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ejgate.ErrNotFound, coll, id)
	}
	return doc, nil
}

// Put implements ejgate.Database.
func (d *DB) Put(_ context.Context, coll string, id int64, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("%w", ejgate.ErrBodyParse)
	}
	c := d.collection(coll, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[id] = append([]byte(nil), doc...)
	if id >= c.nextID {
		c.nextID = id + 1
	}
	return nil
}

// PutNew implements ejgate.Database.
func (d *DB) PutNew(_ context.Context, coll string, doc []byte) (int64, error) {
	if !json.Valid(doc) {
		return 0, fmt.Errorf("%w", ejgate.ErrBodyParse)
	}
	c := d.collection(coll, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.docs[id] = append([]byte(nil), doc...)
	return id, nil
}

// Patch implements ejgate.Database, dispatching between RFC 7396 merge
// patch and RFC 6902 JSON patch by the shape of the patch document: a
// top-level JSON array is a JSON patch, anything else is a merge patch.
func (d *DB) Patch(_ context.Context, coll string, id int64, patch []byte) error {
	c := d.collection(coll, false)
	if c == nil {
		return fmt.Errorf("%w: collection %q", ejgate.ErrNotFound, coll)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	orig, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s/%d", ejgate.ErrNotFound, coll, id)
	}

	trimmed := strings.TrimSpace(string(patch))
	var result []byte
	var err error
	if strings.HasPrefix(trimmed, "[") {
		var p jsonpatch.Patch
		p, err = jsonpatch.DecodePatch(patch)
		if err != nil {
			return fmt.Errorf("%w: %v", ejgate.ErrPatchInvalid, err)
		}
		result, err = p.Apply(orig)
	} else {
		result, err = jsonpatch.MergePatch(orig, patch)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ejgate.ErrPatchInvalid, err)
	}
	c.docs[id] = result
	return nil
}

// Remove implements ejgate.Database.
func (d *DB) Remove(_ context.Context, coll string, id int64) error {
	c := d.collection(coll, false)
	if c == nil {
		return fmt.Errorf("%w: collection %q", ejgate.ErrNotFound, coll)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return fmt.Errorf("%w: %s/%d", ejgate.ErrNotFound, coll, id)
	}
	delete(c.docs, id)
	return nil
}

// CompileQuery implements ejgate.Database, parsing the minimal query
// language described in SPEC_FULL.md §3.1: "@collection[/filter] [|
// apply]", where filter is a comma-separated list of
// "field<op>value" clauses (op is one of =, !=, >, <, >=, <=) matched
// against the document's top-level fields, and apply, when present, is
// a JSON document applied as a merge patch to every matching document
// -- the query's mutating form.
func (d *DB) CompileQuery(text string) (ejgate.Query, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "@") {
		return nil, fmt.Errorf("%w: query must start with '@collection'", ejgate.ErrNoCollection)
	}
	text = text[1:]

	var applyPart string
	if i := strings.IndexByte(text, '|'); i >= 0 {
		applyPart = strings.TrimSpace(text[i+1:])
		text = text[:i]
	}
	text = strings.TrimSpace(text)

	var filterPart string
	coll := text
	if i := strings.IndexByte(text, '/'); i >= 0 {
		coll = text[:i]
		filterPart = text[i+1:]
	}
	coll = strings.TrimSpace(coll)
	if coll == "" {
		return nil, fmt.Errorf("%w: no collection name in query", ejgate.ErrNoCollection)
	}

	var filters []filterClause
	filterPart = strings.TrimSpace(filterPart)
	filterPart = strings.TrimPrefix(filterPart, "[")
	filterPart = strings.TrimSuffix(filterPart, "]")
	if filterPart != "" {
		for _, clause := range strings.Split(filterPart, ",") {
			fc, err := parseFilterClause(clause)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ejgate.ErrQueryParse, err)
			}
			filters = append(filters, fc)
		}
	}

	var apply []byte
	if applyPart != "" {
		if !json.Valid([]byte(applyPart)) {
			return nil, fmt.Errorf("%w: apply clause is not valid JSON", ejgate.ErrQueryParse)
		}
		apply = []byte(applyPart)
	}

	return &query{collection: coll, filters: filters, apply: apply}, nil
}

// Execute implements ejgate.Database, scanning the collection in id
// order, applying q's filters, invoking visit for every match, and --
// if q carries an apply clause -- merge-patching every matched
// document in place.
func (d *DB) Execute(ctx context.Context, q ejgate.Query, visit ejgate.Visitor, explain io.Writer) error {
	qq, ok := q.(*query)
	if !ok {
		return fmt.Errorf("%w: query not produced by this Database", ejgate.ErrQueryParse)
	}

	c := d.collection(qq.collection, false)
	if explain != nil {
		fmt.Fprintf(explain, "SCAN %s FILTERS %d APPLY %v\r\n", qq.collection, len(qq.filters), qq.apply != nil)
	}
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		doc := c.docs[id]
		if !qq.matches(doc) {
			continue
		}
		if qq.apply != nil {
			patched, err := jsonpatch.MergePatch(doc, qq.apply)
			if err != nil {
				return fmt.Errorf("%w: %v", ejgate.ErrPatchInvalid, err)
			}
			c.docs[id] = patched
			doc = patched
		}
		if err := visit(id, doc); err != nil {
			return err
		}
	}
	return nil
}

//------------------------------------------------------------------------------

type query struct {
	collection string
	filters    []filterClause
	apply      []byte
}

func (q *query) Collection() string { return q.collection }
func (q *query) HasApply() bool     { return q.apply != nil }

func (q *query) matches(doc []byte) bool {
	if len(q.filters) == 0 {
		return true
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	for _, fc := range q.filters {
		if !fc.matches(fields) {
			return false
		}
	}
	return true
}

type filterClause struct {
	field string
	op    string
	value string
}

var filterOps = []string{">=", "<=", "!=", "=", ">", "<"}

func parseFilterClause(s string) (filterClause, error) {
	s = strings.TrimSpace(s)
	for _, op := range filterOps {
		if i := strings.Index(s, op); i > 0 {
			return filterClause{
				field: strings.TrimSpace(s[:i]),
				op:    op,
				value: strings.TrimSpace(s[i+len(op):]),
			}, nil
		}
	}
	return filterClause{}, fmt.Errorf("invalid filter clause %q", s)
}

func (fc filterClause) matches(fields map[string]interface{}) bool {
	v, ok := fields[fc.field]
	if !ok {
		return fc.op == "!="
	}
	vs := toString(v)
	switch fc.op {
	case "=":
		return vs == fc.value
	case "!=":
		return vs != fc.value
	case ">", "<", ">=", "<=":
		vf, vErr := strconv.ParseFloat(vs, 64)
		cf, cErr := strconv.ParseFloat(fc.value, 64)
		if vErr != nil || cErr != nil {
			return false
		}
		switch fc.op {
		case ">":
			return vf > cf
		case "<":
			return vf < cf
		case ">=":
			return vf >= cf
		default:
			return vf <= cf
		}
	default:
		return false
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
