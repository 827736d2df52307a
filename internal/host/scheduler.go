package host

import (
	"fmt"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

// DefaultReconcileSchedule 是未配置 ReconcileSchedule 时的周期。
const DefaultReconcileSchedule = "@every 5m"

// Scheduler 按 cron 表达式周期性执行对账。
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
	spec   string
}

// NewScheduler 校验 spec 并注册任务，Start 之前不会执行。
func NewScheduler(spec string, job func(), logger *logrus.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}
	c := cron.New()
	if err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, logger: logger, spec: spec}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"action": "schedule", "spec": s.spec}).Info("reconcile_scheduled")
	}
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
