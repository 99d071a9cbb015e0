package network

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		url  string
		want string
		err  error
	}{
		{url: "http://localhost:8080/token", want: "localhost:8080"},
		{url: "http://example.com", want: "example.com:80"},
		{url: "https://example.com/x", want: "example.com:443"},
		{url: "wss://example.com/rtc", want: "example.com:443"},
		{url: "ws://[::1]/rtc", want: "[::1]:80"},
		{url: "/token", err: ErrNoAddress},
	}
	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			got, err := HostPort(test.url)
			if !errors.Is(err, test.err) {
				t.Fatalf("err %v, want %v", err, test.err)
			}
			if got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}
}

func TestReachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()

	if err := Reachable(context.Background(), "http://"+addr); err != nil {
		t.Errorf("should be reachable: %v", err)
	}
	_ = l.Close()
	if err := Reachable(context.Background(), "http://"+addr); err == nil {
		t.Errorf("should not be reachable")
	}
}
