// Package httpx is a small HTTP server wrapper with port rolling.
package httpx

import (
	"errors"
	"net/http"
	"time"

	"github.com/giongto35/cloud-room/pkg/logger"
)

type Server struct {
	http.Server

	opts     Options
	listener *Listener
	log      *logger.Logger
}

// NewServer makes a server listening on the address.
// The handler constructor gets the server with its final address.
func NewServer(address string, handler func(*Server) http.Handler, options ...Option) (*Server, error) {
	opts := &Options{
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	opts.override(options...)
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}

	server := &Server{
		Server: http.Server{
			Addr:         address,
			IdleTimeout:  opts.IdleTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		opts: *opts,
		log:  opts.Logger,
	}

	addr := server.Addr
	if addr == "" {
		addr = ":http"
		opts.Logger.Warn().Msgf("Empty server address has been changed to %v", addr)
	}
	listener, err := NewListener(addr, opts.PortRoll)
	if err != nil {
		return nil, err
	}
	server.listener = listener
	server.Addr = buildAddress(server.Addr, *listener)
	server.Handler = handler(server)
	opts.Logger.Debug().Msgf("httpx %v (%v)", server.Addr, address)
	return server, nil
}

func (s *Server) Run() { go s.run() }

func (s *Server) run() {
	s.log.Debug().Msgf("Starting http server on %s", s.Addr)
	err := s.Serve(*s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		s.log.Debug().Msg("http server was closed")
		return
	}
	s.log.Error().Err(err).Msg("http server")
}

func (s *Server) Port() int { return s.listener.GetPort() }

func (s *Server) Stop() error { return s.Server.Close() }
