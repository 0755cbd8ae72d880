package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// scheduledBy marks tasks created by the scheduler in the audit log.
const scheduledBy = "system:scheduler"

// Scheduler enqueues the audit report on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	queue      Enqueuer
	recipients []string
	logger     *zap.Logger
}

// NewScheduler parses a standard five-field cron spec.
func NewScheduler(spec string, queue Enqueuer, recipients []string, logger *zap.Logger) (*Scheduler, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("report schedule needs at least one recipient")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		queue:      queue,
		recipients: recipients,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(spec, s.enqueueReport); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) enqueueReport() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.queue.Enqueue(ctx, Task{
		Type:        TypeGenerateReport,
		Emails:      s.recipients,
		RequestedBy: scheduledBy,
	})
	if err != nil {
		s.logger.Error("failed to enqueue scheduled report", zap.Error(err))
		return
	}
	s.logger.Info("scheduled report enqueued", zap.String("task_id", id))
}
