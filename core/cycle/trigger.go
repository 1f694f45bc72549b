package cycle

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"riskengine/internal/errors"
	"riskengine/internal/logging"
)

// Requester accepts cycle requests
type Requester interface {
	RequestCycle()
}

// CronTrigger requests cycles on a cron schedule
type CronTrigger struct {
	cron   *cron.Cron
	spec   string
	logger *zap.Logger
}

// NewCronTrigger parses a standard five-field cron expression (descriptors
// such as "@every 30s" are accepted) and schedules cycle requests on target
func NewCronTrigger(spec string, target Requester, logger *zap.Logger) (*CronTrigger, error) {
	logger = logging.OrNamed(logger, "cycle.trigger").With(zap.String("schedule", spec))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		logger.Debug("scheduled cycle requested")
		target.RequestCycle()
	}); err != nil {
		return nil, errors.Wrapf(errors.TypeConfig, err, "invalid cycle schedule %q", spec)
	}
	return &CronTrigger{cron: c, spec: spec, logger: logger}, nil
}

// Spec returns the schedule expression
func (t *CronTrigger) Spec() string { return t.spec }

// Start begins scheduling
func (t *CronTrigger) Start() {
	t.logger.Info("cycle schedule started")
	t.cron.Start()
}

// Stop halts scheduling and waits for a running request to return
func (t *CronTrigger) Stop() {
	<-t.cron.Stop().Done()
}
