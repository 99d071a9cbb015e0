package network

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

const reachTimeout = 3 * time.Second

var ErrNoAddress = errors.New("no address")

// HostPort extracts host:port from an URL adding the default scheme port.
func HostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrNoAddress
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	switch u.Scheme {
	case "https", "wss":
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Reachable checks that a TCP connection to the URL host can be established.
func Reachable(ctx context.Context, rawURL string) error {
	addr, err := HostPort(rawURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
