// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn wraps a WebSocket connection with a broker-wide unique id and a
// write lock. Gorilla permits one concurrent writer; the lock lets the
// read loop and the response goroutines share the connection.
type conn struct {
	id string
	ws *websocket.Conn

	wmu    sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id: uuid.NewString(),
		ws: ws,
	}
}

func (c *conn) writeText(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *conn) close() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
}

func remoteAddr(r *http.Request) net.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip}
}
