package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
)

// SweeperStore is the storage slice the expiry sweeper needs.
type SweeperStore interface {
	ExpireRumors(ctx context.Context, now time.Time) ([]string, error)
	ExpireCrewActions(ctx context.Context, now time.Time) ([]string, error)
	ListEvidenceExpiringBefore(ctx context.Context, now, deadline time.Time) ([]models.Evidence, error)
}

// evidenceExpiryWarning is how far ahead the sweeper warns owners of an
// item about to lapse.
const evidenceExpiryWarning = time.Hour

// Sweeper drives the time-based status transitions nothing else owns:
// overdue rumors and crew actions move to their expired state, and
// owners of evidence inside the warning window get a notification.
// Evidence and traces otherwise expire implicitly by deadline — rows are
// never deleted, they just become archive-only.
type Sweeper struct {
	store    SweeperStore
	rec      *events.Recorder
	interval time.Duration

	warned map[string]bool // evidence ids already notified
}

// NewSweeper constructs the sweeper; interval defaults to one minute.
func NewSweeper(store SweeperStore, rec *events.Recorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, rec: rec, interval: interval, warned: make(map[string]bool)}
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Sweeper) String() string { return "expiry-sweeper" }

func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	if ids, err := s.store.ExpireRumors(ctx, now); err != nil {
		logging.Error().Err(err).Msg("sweeper: expire rumors failed")
	} else if len(ids) > 0 {
		metrics.SweeperExpired.WithLabelValues("rumor").Add(float64(len(ids)))
	}

	if ids, err := s.store.ExpireCrewActions(ctx, now); err != nil {
		logging.Error().Err(err).Msg("sweeper: expire crew actions failed")
	} else if len(ids) > 0 {
		metrics.SweeperExpired.WithLabelValues("crew_action").Add(float64(len(ids)))
	}

	expiring, err := s.store.ListEvidenceExpiringBefore(ctx, now, now.Add(evidenceExpiryWarning))
	if err != nil {
		logging.Error().Err(err).Msg("sweeper: list expiring evidence failed")
		return
	}
	for _, item := range expiring {
		if s.warned[item.EvidenceID] {
			continue
		}
		s.warned[item.EvidenceID] = true
		s.rec.Record(ctx, models.Event{
			EventID:   uuid.NewString(),
			TheatreID: item.TheatreID,
			At:        now,
			Kind:      models.EventEvidenceExpiring,
			Payload:   map[string]any{"evidence_id": item.EvidenceID, "expires_at": item.ExpiresAt},
			Target:    models.EventTarget{UserIDs: []string{item.OwnerID}},
		})
	}
}
