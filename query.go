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
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// queryResultBacklog bounds the producer/consumer channel between the
// Database's push-driven Execute and the HTTP chunk writer, the same
// inversion notifDispatcher/notifWriter perform for LISTEN/NOTIFY
// payloads in the teacher repo this gateway is descended from.
const queryResultBacklog = 16

// chunkFlushThreshold is the assembly-buffer size, in bytes, at which a
// chunk is flushed to the wire, mirroring _jbr_flush_chunk's 4096-byte
// threshold in original_source/jbr.c.
const chunkFlushThreshold = 4096

// queryRow is one result document handed from the Database goroutine to
// the HTTP response goroutine.
type queryRow struct {
	id  int64
	doc []byte
	err error
}

// serveQuery implements the query path of spec.md §4.3.6: parse the
// body as the gateway's query language, optionally attach an explain
// buffer, then stream results as HTTP chunked transfer-encoding frames
// of the form "\r\n<id>\t<json>", with one final trailing "\r\n"
// appended once the visitor loop completes (spec.md §6.1).
func (g *Gateway) serveQuery(w http.ResponseWriter, r *http.Request, rc *requestCtx, logger zerolog.Logger) {
	body, err := readBody(r, g.cfg.maxBodySize())
	if err != nil {
		sendText(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := g.db.CompileQuery(string(body))
	if err != nil {
		sendDBError(w, logger, err)
		return
	}

	if rc.readAnon && q.HasApply() {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	explain := parseHints(r.Header)
	var explainBuf *bytes.Buffer
	if explain {
		explainBuf = &bytes.Buffer{}
	}

	rows := make(chan queryRow, queryResultBacklog)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer close(rows)
		err := g.db.Execute(ctx, q, func(id int64, doc []byte) error {
			select {
			case rows <- queryRow{id: id, doc: doc}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, explainBuf)
		if err != nil {
			select {
			case rows <- queryRow{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	cw := &chunkWriter{w: w}
	headersSent := false
	commitHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		rc.dataSent = true
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)
		if explainBuf != nil && explainBuf.Len() > 0 {
			cw.write(explainBuf.Bytes())
			cw.write([]byte("--------------------"))
		}
	}

	for row := range rows {
		if row.err != nil {
			if !headersSent {
				sendDBError(w, logger, row.err)
				return
			}
			// dataSent: per spec.md §4.3.6, the status is already 200
			// and headers are already flushed. Abandon the stream; the
			// client sees a short, truncated chunked body.
			logger.Error().Err(row.err).Msg("query execution failed mid-stream")
			cw.close()
			return
		}
		commitHeaders()
		cw.write([]byte("\r\n"))
		cw.write([]byte(strconv.FormatInt(row.id, 10)))
		cw.write([]byte("\t"))
		cw.write(row.doc)
	}

	// A zero-row result with no mid-stream error still commits to the
	// chunked response spec.md §8's Boundaries section requires: headers
	// plus a trailing "\r\n" payload chunk, not a status-only reply.
	commitHeaders()
	cw.write([]byte("\r\n"))
	cw.close()
	if cw.err != nil {
		logger.Warn().Err(cw.err).Msg("client disconnected mid-stream")
	}
}

// chunkWriter accumulates response bytes and flushes them as an HTTP
// chunk once chunkFlushThreshold is reached, matching the buffering
// policy of _jbr_flush_chunk. net/http's own chunked-encoding writer is
// relied on for wire framing; this type only decides *when* to call
// Flush.
type chunkWriter struct {
	w   http.ResponseWriter
	buf bytes.Buffer
	err error
}

func (c *chunkWriter) write(b []byte) {
	c.buf.Write(b)
	if c.buf.Len() >= chunkFlushThreshold {
		c.flush()
	}
}

func (c *chunkWriter) flush() {
	if c.buf.Len() == 0 {
		return
	}
	if _, err := c.w.Write(c.buf.Bytes()); err != nil && c.err == nil {
		c.err = fmt.Errorf("%w: %v", errSendResponse, err)
	}
	c.buf.Reset()
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *chunkWriter) close() {
	c.flush()
}
