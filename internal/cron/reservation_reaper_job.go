package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

const reservationReaperInterval = 60 * time.Second

type expiredReservationReleaser interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

type ReservationReaperJobParams struct {
	Logger    *logger.Logger
	Inventory expiredReservationReleaser
	Interval  time.Duration
}

// NewReservationReaperJob builds the job that unlocks units whose reservation
// lease elapsed without being consumed.
func NewReservationReaperJob(params ReservationReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory releaser required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = reservationReaperInterval
	}
	return &reservationReaperJob{
		logg:      params.Logger,
		inventory: params.Inventory,
		interval:  interval,
		now:       utcNow,
	}, nil
}

type reservationReaperJob struct {
	logg      *logger.Logger
	inventory expiredReservationReleaser
	interval  time.Duration
	now       func() time.Time
}

func (j *reservationReaperJob) Name() string            { return "reservation-reaper" }
func (j *reservationReaperJob) Interval() time.Duration { return j.interval }

func (j *reservationReaperJob) Run(ctx context.Context) error {
	released, err := j.inventory.ReleaseExpired(ctx, j.now())
	if released > 0 {
		j.logg.Info(j.logg.WithField(ctx, "units_released", released), "expired reservations released")
	}
	if err != nil {
		return fmt.Errorf("reservation reaper: %w", err)
	}
	return nil
}
