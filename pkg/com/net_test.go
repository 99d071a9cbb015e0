package com

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giongto35/cloud-room/pkg/api"
	"github.com/giongto35/cloud-room/pkg/logger"
)

const (
	echo  api.PT = 50
	fail  api.PT = 51
	mute  api.PT = 52
	shout api.PT = 53
)

func newServer(t *testing.T) (string, <-chan api.In) {
	pushed := make(chan api.In, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, logger.Nop())
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		c.OnPacket(func(in api.In) {
			switch in.T {
			case echo:
				_ = c.Reply(in, in.Payload)
			case fail:
				_ = c.ReplyError(in, api.CodeForbidden, "nope")
			case mute:
			case shout:
				pushed <- in
				_ = c.Send(shout, "hey")
			}
		})
		c.Listen()
		<-c.Wait()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), pushed
}

func TestCall(t *testing.T) {
	addr, _ := newServer(t)
	c, err := Connect(context.Background(), addr, 200*time.Millisecond, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.Listen()
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Call(context.Background(), echo, map[string]int{"n": 1})
			if err != nil {
				t.Errorf("call: %v", err)
				return
			}
			if got := api.Unwrap[map[string]int](data); got == nil || (*got)["n"] != 1 {
				t.Errorf("unexpected response %s", data)
			}
		}()
	}
	wg.Wait()

	_, err = c.Call(context.Background(), fail, nil)
	var e *api.Error
	if !errors.As(err, &e) || e.Code != api.CodeForbidden || e.Message != "nope" {
		t.Errorf("got %v, want forbidden error", err)
	}

	if _, err = c.Call(context.Background(), mute, nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = c.Call(ctx, mute, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want canceled", err)
	}
}

func TestPush(t *testing.T) {
	addr, pushed := newServer(t)
	c, err := Connect(context.Background(), addr, time.Second, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan api.In, 1)
	c.OnPacket(func(in api.In) { got <- in })
	c.Listen()
	defer c.Close()

	if err = c.Send(shout, "hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case in := <-pushed:
		if in.Id != "" {
			t.Errorf("notification has an id %v", in.Id)
		}
	case <-time.After(time.Second):
		t.Fatalf("server got nothing")
	}
	select {
	case in := <-got:
		if in.T != shout || string(in.Payload) != `"hey"` {
			t.Errorf("unexpected push %+v", in)
		}
	case <-time.After(time.Second):
		t.Fatalf("no push")
	}
}

func TestClosed(t *testing.T) {
	addr, _ := newServer(t)
	c, err := Connect(context.Background(), addr, time.Second, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.Listen()
	c.Close()
	select {
	case <-c.Wait():
	case <-time.After(time.Second):
		t.Fatalf("not closed")
	}
	if _, err = c.Call(context.Background(), echo, nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("got %v", err)
	}
	if err = c.Send(echo, nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("got %v", err)
	}
}
