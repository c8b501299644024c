// Package supervisor owns the background-service tree. Every long-lived
// goroutine in the process — the realtime bus and hub, the scheduler
// tick, the gate lifecycle driver, the snapshot timer, the expiry
// sweeper, the HTTP server — runs as a supervised service, restarted
// with backoff on panic without taking the process down, and isolated by
// layer so a messaging failure cannot starve the API.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds the failure/backoff parameters shared by every layer.
type TreeConfig struct {
	// FailureThreshold is the failure count before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds graceful shutdown of each service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig mirrors suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the three-layer supervisor: drivers (scheduler, gate,
// snapshot, sweeper), messaging (bus, hub), and api (HTTP server).
type Tree struct {
	root      *suture.Supervisor
	drivers   *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
}

// NewTree builds the tree. logger receives suture's lifecycle events.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("theatreos", rootSpec),
		drivers:   suture.New("drivers", childSpec),
		messaging: suture.New("messaging", childSpec),
		api:       suture.New("api", childSpec),
	}
	// Messaging starts before the drivers that publish into it.
	t.root.Add(t.messaging)
	t.root.Add(t.drivers)
	t.root.Add(t.api)
	return t
}

// AddDriver attaches a background driver service.
func (t *Tree) AddDriver(s suture.Service) { t.drivers.Add(s) }

// AddMessaging attaches a realtime/bus service.
func (t *Tree) AddMessaging(s suture.Service) { t.messaging.Add(s) }

// AddAPI attaches the transport service.
func (t *Tree) AddAPI(s suture.Service) { t.api.Add(s) }

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
