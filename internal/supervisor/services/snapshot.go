package services

import (
	"context"
	"time"

	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
)

// Snapshotter is the kernel slice the snapshot timer calls.
type Snapshotter interface {
	Snapshot(ctx context.Context, theatreID string) (models.Snapshot, error)
}

// TheatreLister enumerates the worlds to snapshot.
type TheatreLister interface {
	ListTheatres(ctx context.Context) ([]models.Theatre, error)
}

// SnapshotTimer captures every theatre's state on a fixed cadence so
// replay always has a recent starting point.
type SnapshotTimer struct {
	kernel   Snapshotter
	theatres TheatreLister
	interval time.Duration
}

// NewSnapshotTimer constructs the timer; interval defaults to hourly.
func NewSnapshotTimer(kernel Snapshotter, theatres TheatreLister, interval time.Duration) *SnapshotTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SnapshotTimer{kernel: kernel, theatres: theatres, interval: interval}
}

// Serve implements suture.Service.
func (s *SnapshotTimer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SnapshotTimer) String() string { return "snapshot-timer" }

func (s *SnapshotTimer) tick(ctx context.Context) {
	theatres, err := s.theatres.ListTheatres(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("snapshot timer: list theatres failed")
		return
	}
	for _, t := range theatres {
		if ctx.Err() != nil {
			return
		}
		snap, err := s.kernel.Snapshot(ctx, t.TheatreID)
		if err != nil {
			logging.Error().Err(err).Str("theatre_id", t.TheatreID).Msg("snapshot failed")
			continue
		}
		metrics.SnapshotsTaken.Inc()
		logging.Debug().Str("theatre_id", t.TheatreID).Str("state_hash", snap.StateHash).Msg("snapshot taken")
	}
}
