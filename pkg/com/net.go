// Package com is a request/response layer over websocket packets.
package com

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/api"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/giongto35/cloud-room/pkg/network/websocket"
	"github.com/goccy/go-json"
)

type (
	Client struct {
		conn     *websocket.WS
		queue    Map[string, *call]
		onPacket func(packet api.In)
		timeout  time.Duration
		mu       sync.Mutex
		log      *logger.Logger
	}
	call struct {
		done     chan struct{}
		once     sync.Once
		err      error
		Response api.In
	}
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrTimeout    = errors.New("call timeout")
)

var outPool = sync.Pool{New: func() any { o := api.Out{}; return &o }}

const DefaultCallTimeout = 5 * time.Second

// Connect dials a server and starts listening.
func Connect(ctx context.Context, address string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	ws, err := websocket.Dial(ctx, address, log)
	if err != nil {
		return nil, err
	}
	return newClient(ws, timeout, log), nil
}

// Accept upgrades an HTTP request into a server side client.
// It's the room service end of the packet layer, the client side only dials.
// Stand-in room services (see the pkg/transport/ws tests) answer with Reply or ReplyError.
func Accept(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Client, error) {
	ws, err := websocket.NewServer(w, r, log)
	if err != nil {
		return nil, err
	}
	return newClient(ws, DefaultCallTimeout, log), nil
}

func newClient(ws *websocket.WS, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &Client{
		conn:    ws,
		queue:   NewMap[string, *call](),
		timeout: timeout,
		log:     log,
	}
	ws.SetMessageHandler(c.handleMessage)
	return c
}

func (c *Client) OnPacket(fn func(packet api.In)) { c.mu.Lock(); c.onPacket = fn; c.mu.Unlock() }

func (c *Client) Listen() { c.conn.Listen() }

// Wait returns a channel closed after the connection is gone.
func (c *Client) Wait() <-chan struct{} { return c.conn.Done() }

func (c *Client) Close() {
	c.conn.Close()
	c.drain(ErrConnClosed)
}

// Call sends a request and waits for the response with the same id.
// A response of the ErrorResponse type is returned as *api.Error.
func (c *Client) Call(ctx context.Context, t api.PT, payload any) ([]byte, error) {
	id := network.NewUid().String()
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = id, t, payload
	r, err := json.Marshal(rq)
	outPool.Put(rq)
	if err != nil {
		return nil, err
	}

	task := &call{done: make(chan struct{})}
	c.queue.Put(id, task)
	if err = c.conn.Write(r); err != nil {
		c.queue.RemoveByKey(id)
		return nil, ErrConnClosed
	}
	c.log.Debug().Str("dir", "→").Msgf("%v", t)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-task.done:
	case <-timer.C:
		c.queue.RemoveByKey(id)
		return nil, fmt.Errorf("%w: %v", ErrTimeout, t)
	case <-ctx.Done():
		c.queue.RemoveByKey(id)
		return nil, ctx.Err()
	case <-c.conn.Done():
		c.queue.RemoveByKey(id)
		return nil, ErrConnClosed
	}
	if task.err != nil {
		return nil, task.err
	}
	if task.Response.T == api.ErrorResponse {
		e := api.Unwrap[api.Error](task.Response.Payload)
		if e == nil {
			e = &api.Error{Code: api.CodeUnknown, Message: string(task.Response.Payload)}
		}
		return nil, e
	}
	return task.Response.Payload, nil
}

// Send just sends a packet without waiting for anything.
func (c *Client) Send(t api.PT, payload any) error {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = "", t, payload
	defer outPool.Put(rq)
	return c.SendPacket(rq)
}

// Reply answers the request packet.
func (c *Client) Reply(in api.In, payload any) error {
	return c.SendPacket(&api.Out{Id: in.Id, T: in.T, Payload: payload})
}

// ReplyError answers the request packet with an error.
func (c *Client) ReplyError(in api.In, code int, msg string) error {
	return c.SendPacket(&api.Out{Id: in.Id, T: api.ErrorResponse, Payload: api.Error{Code: code, Message: msg}})
}

func (c *Client) SendPacket(packet *api.Out) error {
	r, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	if err = c.conn.Write(r); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}

	var res api.In
	if err = json.Unmarshal(message, &res); err != nil {
		c.log.Warn().Err(err).Msg("Malformed packet")
		return
	}

	// empty id implies that we won't track (wait) the response
	if res.Id != "" {
		if task, ok := c.queue.Pop(res.Id); ok {
			task.Response = res
			task.close(nil)
			return
		}
	}
	c.log.Debug().Str("dir", "←").Msgf("%v", res.T)
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// drain cancels all what's left in the task queue.
func (c *Client) drain(err error) { c.queue.Drain(func(task *call) { task.close(err) }) }

func (t *call) close(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
