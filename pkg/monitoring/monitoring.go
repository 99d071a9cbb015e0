// Package monitoring serves metrics, profiling and the session status.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/network/httpx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc returns a JSON-serializable view of the current session.
type StatusFunc func() any

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// New creates a new monitoring service.
func New(conf config.Monitoring, status StatusFunc, log *logger.Logger) (*Monitoring, error) {
	log = log.Module("monitoring")
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) http.Handler { return Router(conf, status, serv.Addr, log) },
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
		// profiles take a while
		httpx.WithWriteTimeout(0),
	)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, server: serv, log: log}, nil
}

// Router routes the enabled endpoints under the configured prefix.
func Router(conf config.Monitoring, status StatusFunc, addr string, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	prefix := strings.TrimSuffix(conf.URLPrefix, "/")
	r.Route(prefix+"/", func(r chi.Router) {
		if conf.ProfilingEnabled {
			log.Info().Msgf("Profiling is enabled at %v", addr+prefix+"/debug/pprof")
			r.Mount("/debug", middleware.Profiler())
		}
		if conf.MetricEnabled {
			log.Info().Msgf("Prometheus metric is enabled at %v", addr+prefix+"/metrics")
			r.Handle("/metrics", promhttp.Handler())
		}
		if conf.StatusEnabled && status != nil {
			log.Info().Msgf("Session status is enabled at %v", addr+prefix+"/session")
			r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if err := json.NewEncoder(w).Encode(status()); err != nil {
					log.Error().Err(err).Msg("Session status")
				}
			})
		}
	})
	return r
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
