// Package jobs runs background tasks on a cron schedule.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/Arnaldocloud/bingo-admin/internal/service"
)

// Sweeper periodically releases reservations whose TTL has passed. The
// reservation engine already ignores expired holds on every read and
// write; the cron pass only keeps the table tidy and the gallery counts
// honest between requests.
type Sweeper struct {
	cron    *cron.Cron
	service *service.ReservationService
	every   int
}

// NewSweeper creates a sweeper that runs every intervalSec seconds.
func NewSweeper(svc *service.ReservationService, intervalSec int) *Sweeper {
	return &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		service: svc,
		every:   intervalSec,
	}
}

// Start schedules the sweep and launches the cron runner.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", s.every)
	_, err := s.cron.AddFunc(spec, func() {
		freed, err := s.service.Sweep(ctx)
		if err != nil {
			log.WithError(err).Error("[CRON] reservation sweep failed")
			return
		}
		if freed > 0 {
			log.WithField("freed", freed).Info("[CRON] released expired reservations")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	log.WithField("interval_sec", s.every).Info("reservation sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Info("reservation sweeper stopped")
}
