// Copyright 2025 MatchTalk, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/matchtalk/callkit/pkg/errors"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 30 * time.Second
	wsPingInterval = 10 * time.Second
)

// WSChannel is a Channel over a single websocket connection to the app's push
// gateway. It does not reconnect; a dropped connection surfaces through
// Closed and the owner decides whether to redial.
type WSChannel struct {
	log  logger.Logger
	url  string
	hdr  http.Header
	conn *websocket.Conn

	handler atomic.Pointer[Handler]

	wmu    sync.Mutex // serializes writes; gorilla allows one concurrent writer
	closed core.Fuse
}

func NewWSChannel(log logger.Logger, url string, hdr http.Header) *WSChannel {
	if log == nil {
		log = logger.GetLogger()
	}
	return &WSChannel{log: log, url: url, hdr: hdr}
}

// Connect dials the gateway and starts the read loop. SetHandler should be
// called first, otherwise messages arriving before it is set are dropped.
func (c *WSChannel) Connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.hdr)
	if err != nil {
		if resp != nil {
			c.log.Errorw("signal channel dial failed", err, "status", resp.StatusCode)
		}
		return err
	}
	c.conn = conn
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go c.readLoop()
	go c.pingLoop()
	c.log.Debugw("signal channel connected", "url", c.url)
	return nil
}

func (c *WSChannel) SetHandler(h Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&h)
}

func (c *WSChannel) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if c.closed.IsBroken() {
		return errors.ErrSignalSend(websocket.ErrCloseSent)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return errors.ErrSignalNotConnected
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.ErrSignalSend(err)
	}
	return nil
}

// Closed fires when the connection is gone, locally or remotely.
func (c *WSChannel) Closed() <-chan struct{} {
	return c.closed.Watch()
}

func (c *WSChannel) Close() error {
	c.closed.Once(func() {
		if c.conn != nil {
			c.wmu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteTimeout))
			c.wmu.Unlock()
			_ = c.conn.Close()
		}
	})
	return nil
}

func (c *WSChannel) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Infow("signal channel read failed", "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnw("dropping malformed signal", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.log.Warnw("dropping invalid signal", err, "type", msg.Type, "callID", msg.CallID)
			continue
		}
		if h := c.handler.Load(); h != nil {
			(*h)(msg)
		} else {
			c.log.Debugw("no signal handler set, dropping message", "type", msg.Type, "callID", msg.CallID)
		}
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			c.wmu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
