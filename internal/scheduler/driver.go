package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/models"
)

// TheatreLister enumerates the worlds a tick must plan for.
type TheatreLister interface {
	ListTheatres(ctx context.Context) ([]models.Theatre, error)
}

// Driver fires the planner on every slot boundary, planning each theatre
// forward through the lookahead window. It is a suture-supervised
// service; Serve blocks until the context is cancelled.
type Driver struct {
	planner  *Planner
	theatres TheatreLister
	schedule cron.Schedule
	slotDur  time.Duration
	lookahead time.Duration
}

// NewDriver builds the slot-boundary driver. Slot durations that divide
// the hour map onto a cron expression so ticks land exactly on
// boundaries, and durations of an hour or more tick hourly on the hour;
// anything else uses a constant N-minute delay between ticks that is not
// aligned to the hour.
func NewDriver(planner *Planner, theatres TheatreLister, slotDur, lookahead time.Duration) (*Driver, error) {
	minutes := int(slotDur.Minutes())
	var expr string
	switch {
	case minutes >= 60:
		expr = "0 * * * *"
	case 60%minutes == 0:
		expr = fmt.Sprintf("*/%d * * * *", minutes)
	default:
		expr = fmt.Sprintf("@every %dm", minutes)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse slot schedule %q: %w", expr, err)
	}
	return &Driver{
		planner:   planner,
		theatres:  theatres,
		schedule:  schedule,
		slotDur:   slotDur,
		lookahead: lookahead,
	}, nil
}

// Serve plans the current window immediately (a restart must not leave a
// hole), then sleeps to each slot boundary.
func (d *Driver) Serve(ctx context.Context) error {
	d.tick(ctx)
	for {
		next := d.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			d.tick(ctx)
		}
	}
}

func (d *Driver) String() string { return "scheduler-driver" }

// tick plans every theatre's slots from the current boundary through the
// lookahead window. Already-planned slots are skipped; one theatre's
// failure never blocks the others.
func (d *Driver) tick(ctx context.Context) {
	theatres, err := d.theatres.ListTheatres(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("scheduler tick: list theatres failed")
		return
	}
	now := time.Now().UTC()
	slotStart := now.Truncate(d.slotDur)
	slots := int(d.lookahead / d.slotDur)
	if slots < 1 {
		slots = 1
	}
	for _, t := range theatres {
		for i := 0; i < slots; i++ {
			if ctx.Err() != nil {
				return
			}
			slot := slotStart.Add(time.Duration(i) * d.slotDur)
			_, err := d.planner.PlanSlot(ctx, t.TheatreID, slot, nil)
			if err != nil {
				if apperr.KindOf(err) == apperr.Conflict {
					continue // slot already planned
				}
				logging.Error().Err(err).Str("theatre_id", t.TheatreID).
					Time("slot_start", slot).Msg("plan slot failed")
			}
		}
	}
}
