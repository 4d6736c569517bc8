// Package reconcile implements the store-and-forward relay loop: splitting
// submitted documents into fragments, dispatching them, absorbing
// confirmations and retransmission requests, rebuilding inbound documents,
// and cleaning up what has been delivered everywhere.
//
// All network effects are driven from one periodic cycle. Every step is
// idempotent and tolerant of duplicates, so a crash at any point is
// recovered by simply running the next cycle.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/protocol/store"
)

// Service runs the reconciliation cycle on a fixed interval:
// dispatch pending fragments, absorb control messages, ingest inbound data
// messages, delete deprecated documents, then report stale transfers.
type Service struct {
	sender   *Sender
	receiver *Receiver
	store    store.Store
	metrics  *metric.Metrics
	logger   *slog.Logger
	clock    clockwork.Clock

	local      []string
	interval   time.Duration
	staleAfter time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// NewService wires a Service, its Sender and its Receiver from shared
// options.
func NewService(opts Options) (*Service, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.normalize()
	sender, err := NewSender(opts)
	if err != nil {
		return nil, err
	}
	receiver, err := NewReceiver(opts)
	if err != nil {
		return nil, err
	}
	return &Service{
		sender:     sender,
		receiver:   receiver,
		store:      opts.Store,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "reconcile"),
		clock:      opts.Clock,
		local:      opts.LocalDomains,
		interval:   opts.CycleInterval,
		staleAfter: opts.StaleAfter,
	}, nil
}

// Sender returns the outbound half for direct submission and inspection.
func (s *Service) Sender() *Sender { return s.sender }

// Receiver returns the inbound half for inbox access.
func (s *Service) Receiver() *Receiver { return s.receiver }

// Start launches the cycle loop. Returns errors.ErrAlreadyStarted if the
// service is already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "ReconcileService", "Start", "start rejected")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = group
	s.started = true

	group.Go(func() error {
		return s.run(runCtx)
	})
	s.logger.Info("reconciliation started",
		"interval", s.interval, "local_domains", s.local)
	return nil
}

// Stop halts the cycle loop and waits for the in-flight cycle to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "ReconcileService", "Stop", "stop rejected")
	}
	s.cancel()
	err := s.group.Wait()
	s.started = false
	s.logger.Info("reconciliation stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

// Cycle runs one reconciliation pass. Step failures are logged and do not
// abort the remaining steps; only context cancellation stops a cycle early.
func (s *Service) Cycle(ctx context.Context) error {
	sent := 0
	for _, err := range s.sender.SendAll(ctx, false) {
		if err != nil {
			s.logger.Warn("dispatch failed", "error", err)
			continue
		}
		sent++
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := s.sender.CheckSent(ctx); err != nil {
		return err
	}
	if err := s.receiver.ReceiveAll(ctx); err != nil {
		return err
	}

	deleted, err := s.sender.DeleteDeprecated(ctx)
	if err != nil {
		s.logger.Warn("deprecated cleanup failed", "error", err)
	}

	if err := s.reportStale(ctx); err != nil {
		s.logger.Warn("stale transfer report failed", "error", err)
	}
	if _, err := s.sender.SizeInTransit(ctx); err != nil {
		s.logger.Warn("size in transit accounting failed", "error", err)
	}

	if sent > 0 || deleted > 0 {
		s.logger.Debug("cycle complete", "fragments_sent", sent, "documents_deleted", deleted)
	}
	return ctx.Err()
}

// reportStale gauges inbound transfers that have sat unbuilt past the
// stale threshold. Stale documents are reported, not deleted; their own
// deprecation deadline handles removal.
func (s *Service) reportStale(ctx context.Context) error {
	docs, err := s.store.DocumentsUnbuilt(ctx)
	if err != nil {
		return err
	}
	cutoff := s.clock.Now().Add(-s.staleAfter)
	stale := 0
	for _, doc := range docs {
		if !doc.CreatedAt.Before(cutoff) {
			continue
		}
		if len(doc.LocalRecipients(s.local)) == 0 {
			continue
		}
		stale++
		s.logger.Warn("stale incomplete document",
			"document_id", doc.ID, "fingerprint", doc.Fingerprint,
			"sender", doc.Sender.Name, "age", s.clock.Now().Sub(doc.CreatedAt))
	}
	s.metrics.RecordStaleIncomplete(stale)
	return nil
}
