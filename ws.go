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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// wsCommand is the set of verbs the line-oriented WebSocket command
// grammar dispatches on (spec.md §4.6). Only the four mutation verbs
// are literal keywords recognized in the frame's command position;
// wsCmdQuery is not a keyword at all -- it is the classification
// parseWSFrame assigns whenever the command position holds anything
// else, per the grammar's "if command is not one of the four keywords,
// the frame is treated as a query" rule. There is no WS "get" verb;
// reads are only reachable through a query.
type wsCommand string

const (
	wsCmdSet   wsCommand = "set"
	wsCmdAdd   wsCommand = "add"
	wsCmdDel   wsCommand = "del"
	wsCmdPatch wsCommand = "patch"
	wsCmdQuery wsCommand = "query" // synthetic: never matched against frame text
)

// serveWS upgrades the connection and runs the session loop. The
// "requested protocol" spec.md §4.6 requires is the standard
// Upgrade: websocket header itself (the literal 9-byte token whose
// second byte is 'e'), already checked by isWebSocketUpgrade before
// serveHTTP ever routes here -- there is no app-defined
// Sec-WebSocket-Protocol requirement on top of it. Upgrade is refused
// (REST-style status written, no switching-protocols handshake) unless
// the stripped path is exactly "/", mirroring the narrow upgrade
// acceptance of _jbr_ws_on_connect in original_source/jbr.c.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, g.cfg.CommonPrefix)
	if path != "/" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionDisabled,
		OriginPatterns:     []string{"*"},
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Warn().Err(fmt.Errorf("%w: %v", errWSUpgrade, err)).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sess := &wsSession{
		g:        g,
		conn:     conn,
		logger:   g.logger.With().Str("component", "ws").Logger(),
		authVals: r.Header.Values(accessTokenHeader),
	}
	sess.run(r.Context())
}

type wsSession struct {
	g      *Gateway
	conn   *websocket.Conn
	logger zerolog.Logger

	// authVals is the X-Access-Token header value(s) presented at
	// upgrade time; WS frames carry no headers of their own, so the
	// Token Gate is evaluated once per frame against this captured
	// slice instead of a live request.
	authVals []string
}

// run loops reading text frames until the connection closes or a
// binary frame arrives, per spec.md §4.6's "binary frame closes the
// connection" policy.
func (s *wsSession) run(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			s.conn.Close(websocket.StatusUnsupportedData, "binary frames are not supported")
			return
		}
		s.handleFrame(ctx, string(data))
	}
}

// wsFrame is one parsed command line: "<key> <command> <coll> [<id>] [<body>]".
// Malformed frames are silently dropped, matching _jbr_ws_on_message's
// bare `return` on any parse failure.
type wsFrame struct {
	key     string
	command wsCommand
	coll    string
	id      int64
	body    []byte
}

func (s *wsSession) handleFrame(ctx context.Context, line string) {
	f, ok := parseWSFrame(line, s.g.cfg.collectionNameMax())
	if !ok {
		return
	}

	rc := requestCtx{collection: f.coll, id: f.id}
	switch f.command {
	case wsCmdSet:
		rc.op = opPut
	case wsCmdAdd:
		rc.op = opInsert
	case wsCmdDel:
		rc.op = opDelete
	case wsCmdPatch:
		rc.op = opPatch
	case wsCmdQuery:
		rc.op = opQuery
	default:
		return
	}

	if status := s.g.tokenGateValues(s.authVals, &rc); status != 0 {
		s.reply(ctx, f.key, status, nil)
		return
	}

	switch f.command {
	case wsCmdSet:
		s.handleSet(ctx, f)
	case wsCmdAdd:
		s.handleAdd(ctx, f)
	case wsCmdDel:
		s.handleDel(ctx, f)
	case wsCmdPatch:
		s.handlePatch(ctx, f)
	case wsCmdQuery:
		s.handleQuery(ctx, f, rc.readAnon)
	}
}

func (s *wsSession) handleSet(ctx context.Context, f wsFrame) {
	if len(f.body) == 0 {
		s.reply(ctx, f.key, 400, []byte("empty body"))
		return
	}
	if err := s.g.db.Put(ctx, f.coll, f.id, f.body); err != nil {
		s.reply(ctx, f.key, errStatus(err), []byte(err.Error()))
		return
	}
	s.reply(ctx, f.key, 200, nil)
}

func (s *wsSession) handleAdd(ctx context.Context, f wsFrame) {
	if len(f.body) == 0 {
		s.reply(ctx, f.key, 400, []byte("empty body"))
		return
	}
	id, err := s.g.db.PutNew(ctx, f.coll, f.body)
	if err != nil {
		s.reply(ctx, f.key, errStatus(err), []byte(err.Error()))
		return
	}
	s.reply(ctx, f.key, 200, []byte(strconv.FormatInt(id, 10)))
}

func (s *wsSession) handleDel(ctx context.Context, f wsFrame) {
	if err := s.g.db.Remove(ctx, f.coll, f.id); err != nil {
		s.reply(ctx, f.key, errStatus(err), []byte(err.Error()))
		return
	}
	s.reply(ctx, f.key, 200, nil)
}

func (s *wsSession) handlePatch(ctx context.Context, f wsFrame) {
	if len(f.body) == 0 {
		s.reply(ctx, f.key, 400, []byte("empty body"))
		return
	}
	if err := s.g.db.Patch(ctx, f.coll, f.id, f.body); err != nil {
		s.reply(ctx, f.key, errStatus(err), []byte(err.Error()))
		return
	}
	s.reply(ctx, f.key, 200, nil)
}

// handleQuery streams result rows as "<key>\t200\t<id>\t<doc>" frames,
// terminated by a bare "<key>\t200\t" frame, via the same bounded
// channel inversion query.go uses for the REST query path. A query with
// an apply clause from an anonymous-read session is refused with 403.
func (s *wsSession) handleQuery(ctx context.Context, f wsFrame, readAnon bool) {
	q, err := s.g.db.CompileQuery(string(f.body))
	if err != nil {
		s.reply(ctx, f.key, errStatus(err), []byte(err.Error()))
		return
	}
	if readAnon && q.HasApply() {
		s.reply(ctx, f.key, http.StatusForbidden, nil)
		return
	}

	rows := make(chan queryRow, queryResultBacklog)
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(rows)
		err := s.g.db.Execute(qctx, q, func(id int64, doc []byte) error {
			select {
			case rows <- queryRow{id: id, doc: doc}:
				return nil
			case <-qctx.Done():
				return qctx.Err()
			}
		}, nil)
		if err != nil {
			select {
			case rows <- queryRow{err: err}:
			case <-qctx.Done():
			}
		}
	}()

	for row := range rows {
		if row.err != nil {
			s.reply(ctx, f.key, errStatus(row.err), []byte(row.err.Error()))
			return
		}
		payload := strconv.FormatInt(row.id, 10) + "\t" + string(row.doc)
		s.reply(ctx, f.key, 200, []byte(payload))
	}
	s.reply(ctx, f.key, 200, []byte{})
}

// reply writes a single text frame "<key>\t<status>[\t<payload>]", the
// ack-on-completion framing resolved for the Open Question in
// SPEC_FULL.md §4.6/§9.
func (s *wsSession) reply(ctx context.Context, key string, status int, payload []byte) {
	line := key + "\t" + strconv.Itoa(status)
	if payload != nil {
		line += "\t" + string(payload)
	}
	s.conn.Write(ctx, websocket.MessageText, []byte(line))
}

// maxWSKeyLen is the §4.6 bound on the correlation key: "≤ 36 bytes, no
// embedded whitespace" (the latter is already guaranteed by cutToken).
const maxWSKeyLen = 36

// parseWSFrame implements the grammar of spec.md §4.6:
//
//	frame := key WS command WS coll WS (id WS)? body?
//	command := "set" | "add" | "del" | "patch"
//
// command is tried against exactly those four keywords. If the token in
// the command position is not one of them, the frame is a query: key
// followed by the untouched remainder (which is NOT re-split -- the
// rejected "command" token is itself the start of the query string).
func parseWSFrame(line string, collMax int) (f wsFrame, ok bool) {
	key, rest, ok := cutToken(line)
	if !ok || key == "" || len(key) > maxWSKeyLen {
		return wsFrame{}, false
	}

	cmdTok, afterCmd, hasCmdTok := cutToken(rest)
	if hasCmdTok {
		if cmd := wsCommand(cmdTok); isWSMutation(cmd) {
			return parseWSMutation(key, cmd, afterCmd, collMax)
		}
	}

	query := strings.TrimSpace(rest)
	if query == "" {
		return wsFrame{}, false
	}
	return wsFrame{key: key, command: wsCmdQuery, body: []byte(query)}, true
}

func isWSMutation(cmd wsCommand) bool {
	switch cmd {
	case wsCmdSet, wsCmdAdd, wsCmdDel, wsCmdPatch:
		return true
	default:
		return false
	}
}

// parseWSMutation parses "coll (WS id)? body?" for one of the four
// recognized command keywords, once key and command have already been
// split off by parseWSFrame.
func parseWSMutation(key string, cmd wsCommand, rest string, collMax int) (f wsFrame, ok bool) {
	coll, rest, hasMore := cutToken(rest)
	if coll == "" || len(coll) > collMax {
		return wsFrame{}, false
	}

	f = wsFrame{key: key, command: cmd, coll: coll}
	if cmd == wsCmdAdd {
		// "key add coll <body>" -- no id, body required.
		body := strings.TrimLeftFunc(rest, unicode.IsSpace)
		if body == "" {
			return wsFrame{}, false
		}
		f.body = []byte(body)
		return f, true
	}

	if !hasMore {
		return wsFrame{}, false
	}
	idTok, rest, hasBody := cutToken(rest)
	id, err := strconv.ParseInt(idTok, 10, 64)
	if err != nil || id < 1 {
		return wsFrame{}, false
	}
	f.id = id

	switch cmd {
	case wsCmdSet, wsCmdPatch:
		if !hasBody {
			return wsFrame{}, false
		}
		body := strings.TrimLeftFunc(rest, unicode.IsSpace)
		if body == "" {
			return wsFrame{}, false
		}
		f.body = []byte(body)
	case wsCmdDel:
		// no body expected; trailing garbage is tolerated the same way
		// _jbr_ws_on_message ignores bytes after the fields it needs.
	}
	return f, true
}

// cutToken splits off the next whitespace-delimited token from s,
// returning the token, the remainder after the single whitespace
// character that ended the token (any further leading whitespace is left
// in place), and whether a token was found at all.
func cutToken(s string) (token, rest string, ok bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", false
	}
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, "", true
	}
	return s[:i], s[i+1:], true
}
