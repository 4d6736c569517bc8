package reconcile

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/c360/docrelay/blobstore"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/protocol/store"
	"github.com/c360/docrelay/transport"
)

const (
	defaultFragmentSize     = 1 << 20
	defaultDeprecationDelay = 60 * time.Minute
	defaultStaleAfter       = 30 * time.Minute
	defaultCycleInterval    = 5 * time.Second
)

// Options carries the shared wiring for the sender, receiver and service.
// Store, Blobs, Transport and at least one local domain are required;
// everything else has working defaults.
type Options struct {
	Store     store.Store
	Blobs     blobstore.Store
	Transport transport.Transport

	// Routes restricts which recipient domains each local sender may
	// address. A nil table places no restrictions.
	Routes *config.RoutingTable

	// LocalDomains are the domains this node speaks for.
	LocalDomains []string

	Metrics *metric.Metrics
	Logger  *slog.Logger
	Clock   clockwork.Clock

	// FragmentSize is the maximum payload bytes per fragment.
	FragmentSize int

	// DeprecationDelay is how long a deprecated document lingers before
	// the cleanup pass may delete it.
	DeprecationDelay time.Duration

	// StaleAfter is the age past which an unbuilt inbound document is
	// reported as stale.
	StaleAfter time.Duration

	// CycleInterval is the reconciliation tick period.
	CycleInterval time.Duration
}

func (o *Options) validate() error {
	if o.Store == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Reconcile", "Options", "store is required")
	}
	if o.Blobs == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Reconcile", "Options", "blob store is required")
	}
	if o.Transport == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Reconcile", "Options", "transport is required")
	}
	if len(o.LocalDomains) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Reconcile", "Options", "at least one local domain is required")
	}
	return nil
}

func (o *Options) normalize() {
	local := make([]string, 0, len(o.LocalDomains))
	for _, d := range o.LocalDomains {
		local = append(local, protocol.NormalizeDomainName(d))
	}
	o.LocalDomains = local

	if o.Metrics == nil {
		o.Metrics = metric.NewMetrics()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.FragmentSize <= 0 {
		o.FragmentSize = defaultFragmentSize
	}
	if o.DeprecationDelay <= 0 {
		o.DeprecationDelay = defaultDeprecationDelay
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.CycleInterval <= 0 {
		o.CycleInterval = defaultCycleInterval
	}
}
