// Package orchestratorsvc wires the orchestrator's background loops, the
// issue poller, the stale-assignment sweep, and the HTTP control surface
// under a single errgroup, so every loop cancels together on shutdown or
// on the first loop's error.
package orchestratorsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relayforge/pipeline/internal/issuepoller"
	"github.com/relayforge/pipeline/internal/queue"
)

// Service supervises the orchestrator's concurrent background work: a
// single process serving HTTP, running the poller on a timer, and
// advancing the queue, with network I/O happening outside the queue's
// critical section.
type Service struct {
	Queue                   *queue.Queue
	Poller                  *issuepoller.Poller
	HTTPServer              *http.Server
	PollInterval            time.Duration
	StaleAssignmentInterval time.Duration
	StaleAssignmentTimeout  time.Duration
	Logger                  *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run starts all background loops and the HTTP server, blocking until
// ctx is canceled or one loop returns an error, then stops everything
// else and returns that error (nil on clean shutdown).
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.Poller != nil {
		if err := s.Poller.Start(gctx, s.PollInterval); err != nil {
			return fmt.Errorf("starting issue poller: %w", err)
		}
	}

	g.Go(func() error {
		return s.runStaleAssignmentSweep(gctx)
	})

	g.Go(func() error {
		return s.runHTTPServer(gctx)
	})

	err := g.Wait()

	if s.Poller != nil {
		s.Poller.Stop()
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// runStaleAssignmentSweep periodically reclaims in_progress work items
// whose assigned worker has gone quiet. Runs continuously rather than
// being invoked lazily from NextFor, so stuck items recover even when no
// worker is polling.
func (s *Service) runStaleAssignmentSweep(ctx context.Context) error {
	interval := s.StaleAssignmentInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := s.Queue.ExpireStaleAssignments(time.Now(), s.StaleAssignmentTimeout)
			if err != nil {
				s.logger().Error("stale-assignment sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger().Info("reclaimed stale assignments", "count", expired)
			}
		}
	}
}

// runHTTPServer runs the HTTP control surface, shutting down gracefully
// when ctx is canceled.
func (s *Service) runHTTPServer(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger().Info("http control surface listening", "addr", s.HTTPServer.Addr)
		if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.HTTPServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
