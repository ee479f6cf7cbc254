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

package ejgate_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rapidloop/ejgate"
	"github.com/rapidloop/ejgate/internal/memdb"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func freePort(r *require.Assertions) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	r.Nil(err)
	port := ln.Addr().(*net.TCPAddr).Port
	r.Nil(ln.Close())
	return port
}

func startGateway(r *require.Assertions, cfg *ejgate.ServerConfig, db ejgate.Database) *ejgate.Gateway {
	gw, err := ejgate.NewGateway(cfg, db, nil)
	r.NotNil(gw, "error was %v", err)
	r.Nil(err)
	r.Nil(gw.Start(context.Background()))
	return gw
}

func TestNewGatewayRejectsInvalidInput(t *testing.T) {
	r := require.New(t)

	gw, err := ejgate.NewGateway(nil, memdb.New(), nil)
	r.Nil(gw)
	r.NotNil(err)

	gw, err = ejgate.NewGateway(&ejgate.ServerConfig{}, memdb.New(), nil)
	r.Nil(gw)
	r.NotNil(err)

	gw, err = ejgate.NewGateway(&ejgate.ServerConfig{Version: ejgate.SchemaVersion}, nil, nil)
	r.Nil(gw)
	r.NotNil(err)
}

func TestGatewayRESTBasicFlow(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	gw := startGateway(r, cfg, memdb.New())
	defer gw.Stop(context.Background())

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	// insert
	resp, err := http.Post(base+"/widgets", "application/json", strings.NewReader(`{"name":"sprocket"}`))
	r.Nil(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	id := strings.TrimSpace(string(body))
	r.NotEmpty(id)

	// get it back
	resp, err = http.Get(base + "/widgets/" + id)
	r.Nil(err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	r.JSONEq(`{"name":"sprocket"}`, string(body))

	// put replaces it
	req, _ := http.NewRequest(http.MethodPut, base+"/widgets/"+id, strings.NewReader(`{"name":"gear"}`))
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)

	resp, err = http.Get(base + "/widgets/" + id)
	r.Nil(err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	r.JSONEq(`{"name":"gear"}`, string(body))

	// patch (merge)
	req, _ = http.NewRequest(http.MethodPatch, base+"/widgets/"+id, strings.NewReader(`{"qty":3}`))
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)

	resp, err = http.Get(base + "/widgets/" + id)
	r.Nil(err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	r.JSONEq(`{"name":"gear","qty":3}`, string(body))

	// head: Content-Length must equal the size GET would actually send
	getResp, err := http.Get(base + "/widgets/" + id)
	r.Nil(err)
	getBody, _ := io.ReadAll(getResp.Body)
	getResp.Body.Close()

	req, _ = http.NewRequest(http.MethodHead, base+"/widgets/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	headBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	r.Empty(headBody)
	r.Equal(strconv.Itoa(len(getBody)), resp.Header.Get("Content-Length"))

	// delete
	req, _ = http.NewRequest(http.MethodDelete, base+"/widgets/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)

	resp, err = http.Get(base + "/widgets/" + id)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(404, resp.StatusCode)
}

func TestGatewayQueryStreams(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	db := memdb.New()
	gw := startGateway(r, cfg, db)
	defer gw.Stop(context.Background())

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	for _, doc := range []string{`{"qty":1}`, `{"qty":2}`, `{"qty":3}`} {
		resp, err := http.Post(base+"/widgets", "application/json", strings.NewReader(doc))
		r.Nil(err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	resp, err := http.Post(base+"/", "application/json", strings.NewReader("@widgets/[qty>1]"))
	r.Nil(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	// one leading "\r\n" per matched document plus one trailing "\r\n"
	// once the stream ends (spec.md §6.1's query response body grammar).
	r.Equal(3, strings.Count(string(body), "\r\n"))
	r.True(strings.HasPrefix(string(body), "\r\n"))
	r.True(strings.HasSuffix(string(body), "\r\n"))
}

func TestGatewayTokenGate(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version:     ejgate.SchemaVersion,
		Enabled:     true,
		Bind:        "127.0.0.1",
		Port:        uint16(port),
		AccessToken: "s3cret",
		ReadAnon:    true,
	}
	gw := startGateway(r, cfg, memdb.New())
	defer gw.Stop(context.Background())

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	// anonymous read is allowed
	resp, err := http.Get(base + "/widgets/1")
	r.Nil(err)
	resp.Body.Close()
	r.Equal(404, resp.StatusCode) // gets past the gate, fails on lookup

	// anonymous write is rejected
	resp, err = http.Post(base+"/widgets", "application/json", strings.NewReader(`{}`))
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusUnauthorized, resp.StatusCode)

	// wrong token
	req, _ := http.NewRequest(http.MethodPost, base+"/widgets", strings.NewReader(`{}`))
	req.Header.Set("X-Access-Token", "wrong")
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusForbidden, resp.StatusCode)

	// correct token
	req, _ = http.NewRequest(http.MethodPost, base+"/widgets", strings.NewReader(`{}`))
	req.Header.Set("X-Access-Token", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
}

func TestGatewayBadRequests(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	gw := startGateway(r, cfg, memdb.New())
	defer gw.Stop(context.Background())

	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	// empty body on insert
	resp, err := http.Post(base+"/widgets", "application/json", bytes.NewReader(nil))
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusBadRequest, resp.StatusCode)

	// POST with an id is rejected
	resp, err = http.Post(base+"/widgets/1", "application/json", strings.NewReader(`{}`))
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusBadRequest, resp.StatusCode)

	// id of zero is rejected
	resp, err = http.Get(base + "/widgets/0")
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayWebSocketAddSetQueryDel(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	gw := startGateway(r, cfg, memdb.New())
	defer gw.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// an ordinary client dials with no app-defined subprotocol; the only
	// protocol requirement is the standard Upgrade: websocket header.
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	r.Nil(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := func(line string) {
		r.Nil(conn.Write(ctx, websocket.MessageText, []byte(line)))
	}
	recv := func() string {
		typ, data, err := conn.Read(ctx)
		r.Nil(err)
		r.Equal(websocket.MessageText, typ)
		return string(data)
	}

	// add a document
	send("k1 add widgets {\"qty\":5}")
	reply := recv()
	parts := strings.SplitN(reply, "\t", 3)
	r.Equal("k1", parts[0])
	r.Equal("200", parts[1])
	id := parts[2]

	// set replaces it
	send(fmt.Sprintf("k2 set widgets %s {\"qty\":9}", id))
	r.Equal("k2\t200", recv())

	// an unrecognized command token means the rest of the line after the
	// key is a query
	send("k3 @widgets/[qty=9]")
	row := recv()
	rowParts := strings.SplitN(row, "\t", 3)
	r.Equal("k3", rowParts[0])
	r.Equal("200", rowParts[1])
	r.Equal(id+"\t{\"qty\":9}", rowParts[2])
	r.Equal("k3\t200\t", recv())

	// del removes it
	send(fmt.Sprintf("k4 del widgets %s", id))
	r.Equal("k4\t200", recv())
}

func TestGatewayWebSocketUpgradeRejectsNonRootPath(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	gw := startGateway(r, cfg, memdb.New())
	defer gw.Stop(context.Background())

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/bogus", port), nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp, err := http.DefaultClient.Do(req)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestGatewayDisabledIsNoop(t *testing.T) {
	r := require.New(t)
	cfg := &ejgate.ServerConfig{Version: ejgate.SchemaVersion, Enabled: false}
	gw, err := ejgate.NewGateway(cfg, memdb.New(), nil)
	r.Nil(err)
	r.Nil(gw.Start(context.Background()))
	r.Equal("", gw.Addr())
	r.Nil(gw.Stop(context.Background()))
}

func TestGatewayStopIsIdempotent(t *testing.T) {
	r := require.New(t)
	port := freePort(r)
	cfg := &ejgate.ServerConfig{
		Version: ejgate.SchemaVersion,
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    uint16(port),
	}
	gw := startGateway(r, cfg, memdb.New())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Nil(gw.Stop(ctx))
	r.Nil(gw.Stop(ctx))
}
