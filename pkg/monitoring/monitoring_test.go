package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/logger"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestRouter(t *testing.T) {
	status := func() any { return map[string]string{"room": "R1", "state": "connected"} }

	tests := []struct {
		name string
		conf config.Monitoring
		path string
		code int
		body string
	}{
		{name: "metrics", conf: config.Monitoring{URLPrefix: "/room", MetricEnabled: true}, path: "/room/metrics", code: 200, body: "go_goroutines"},
		{name: "metrics off", conf: config.Monitoring{URLPrefix: "/room"}, path: "/room/metrics", code: 404},
		{name: "status", conf: config.Monitoring{URLPrefix: "/room", StatusEnabled: true}, path: "/room/session", code: 200, body: `"room":"R1"`},
		{name: "no prefix", conf: config.Monitoring{StatusEnabled: true}, path: "/session", code: 200, body: `"state":"connected"`},
		{name: "pprof", conf: config.Monitoring{URLPrefix: "/room/", ProfilingEnabled: true}, path: "/room/debug/pprof/", code: 200, body: "goroutine"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, body := get(t, Router(test.conf, status, "localhost", logger.Nop()), test.path)
			if code != test.code {
				t.Errorf("got %v, want %v", code, test.code)
			}
			if test.body != "" && !strings.Contains(body, test.body) {
				t.Errorf("body %q has no %q", body, test.body)
			}
		})
	}
}

func TestMonitoringServer(t *testing.T) {
	m, err := New(config.Monitoring{Port: 0, MetricEnabled: true}, nil, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	m.Run()
	defer func() { _ = m.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + m.server.Addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %v", resp.StatusCode)
	}
}
