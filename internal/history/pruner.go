package history

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pruner trims a Log to a fixed number of entries on a schedule.
type Pruner struct {
	log       Log
	keep      int
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

func NewPruner(log Log, keep int, interval time.Duration, logger *zap.Logger) (*Pruner, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("error creating scheduler: %w", err)
	}

	p := &Pruner{log: log, keep: keep, scheduler: scheduler, logger: logger}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.Prune),
		gocron.WithName("history-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithError(func(jobID uuid.UUID, jobName string, err error) {
				logger.Warn("prune job failed", zap.String("job", jobName), zap.Error(err))
			}),
		),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("error creating job: %w", err)
	}

	return p, nil
}

// Start begins the schedule. The first run happens one interval from now.
func (p *Pruner) Start() {
	p.scheduler.Start()
	p.logger.Info("history pruner started", zap.Int("keep", p.keep))
}

// Prune runs a single retention pass.
func (p *Pruner) Prune() error {
	dropped, err := p.log.Prune(p.keep)
	if err != nil {
		return err
	}
	if dropped > 0 {
		oldest, _ := p.log.OldestID()
		p.logger.Debug("history pruned",
			zap.Int("dropped", dropped),
			zap.Uint64("oldestID", oldest),
		)
	}
	return nil
}

func (p *Pruner) Shutdown() error {
	return p.scheduler.Shutdown()
}
