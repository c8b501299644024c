// Package services adapts the engines' periodic work to the supervisor's
// Serve-until-cancelled service shape: the gate lifecycle driver, the
// snapshot timer, and the expiry sweeper. Each tick only performs
// idempotent operations, so a restart mid-tick leaves state consistent.
package services

import (
	"context"
	"time"

	"github.com/theatreos/engine/internal/logging"
)

// GateTicker is the gate engine slice the driver calls.
type GateTicker interface {
	Tick(ctx context.Context, now time.Time) error
}

// GateDriver walks every due gate transition once per tick.
type GateDriver struct {
	engine   GateTicker
	interval time.Duration
}

// NewGateDriver constructs the driver. interval defaults to 5s — fine
// enough that vote-at-close boundaries are driven by timestamps, not by
// tick cadence.
func NewGateDriver(engine GateTicker, interval time.Duration) *GateDriver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &GateDriver{engine: engine, interval: interval}
}

// Serve implements suture.Service.
func (d *GateDriver) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := d.engine.Tick(ctx, now.UTC()); err != nil {
				logging.Error().Err(err).Msg("gate driver tick failed")
			}
		}
	}
}

func (d *GateDriver) String() string { return "gate-driver" }
