// Package service runs the side services of a client process.
package service

import (
	"context"
	"errors"
	"fmt"
)

// RunnableService is a service that runs in the background until shut down.
type RunnableService interface {
	Run()
	Shutdown(ctx context.Context) error
}

// Group is a container for managing a bunch of services.
type Group struct {
	list []RunnableService
}

func (g *Group) Add(services ...RunnableService) {
	for _, s := range services {
		if s != nil {
			g.list = append(g.list, s)
		}
	}
}

func (g *Group) Len() int { return len(g.list) }

// Start starts each service in the group.
func (g *Group) Start() {
	for _, s := range g.list {
		s.Run()
	}
}

// Shutdown terminates the services in the reverse order.
func (g *Group) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(g.list) - 1; i >= 0; i-- {
		s := g.list[i]
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("failed to stop [%v]: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
