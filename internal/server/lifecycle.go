// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start begins the service. It should block until the service is stopped
	// or an error occurs.
	Start() error
	// Stop gracefully stops the service and makes Start return.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle starts services in registration order and stops them in reverse.
type Lifecycle struct {
	logger   *zap.Logger
	signals  []os.Signal
	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty and unique; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ns := range l.services {
		if ns.name == name {
			return fmt.Errorf("service %q already registered", name)
		}
	}
	l.services = append(l.services, namedService{name: name, service: svc})
	return nil
}

// Run starts all services and blocks until a termination signal arrives, ctx
// is cancelled, or a service fails. Every service is stopped before Run returns.
//
// Postcondition: Returns the first service error, or nil for a signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, l.signals...)
	defer stop()

	errCh := make(chan error, len(services))
	var wg sync.WaitGroup
	for _, ns := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	}

	l.shutdown(services)
	wg.Wait()

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
