// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// WebSocketTransport is an mcp.Transport that frames JSON-RPC messages as
// websocket text messages, one message per frame.
type WebSocketTransport struct {
	URL    string
	Header http.Header

	// Dialer overrides the default dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Connect dials the endpoint and returns a live connection.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (HTTP %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", t.URL, err)
	}
	return &wsConnection{conn: conn, sessionID: uuid.NewString()}, nil
}

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string

	// gorilla/websocket permits one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConnection) SessionID() string { return c.sessionID }

func (c *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := c.conn.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the pending read; the connection is unusable afterward.
		_ = c.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return jsonrpc.DecodeMessage(r.data)
	}
}

func (c *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
