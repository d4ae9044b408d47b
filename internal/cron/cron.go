package cron

import (
	"context"
	"sync"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/mailtide/mailtide/config"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/tracing"
)

const (
	// GroupSync serializes the jobs that touch the local cache.
	GroupSync = "sync"
)

var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupSync: new(sync.Mutex),
	},
}

// Syncer is the background refresh entry point, satisfied by the email
// service.
type Syncer interface {
	SyncAll(ctx context.Context)
}

type CronManager struct {
	cfg    *config.Config
	log    logger.Logger
	cron   *cronv3.Cron
	stopCh chan struct{}
	jobIDs map[string]cronv3.EntryID
	syncer Syncer
}

func NewCronManager(cfg *config.Config, log logger.Logger, syncer Syncer) *CronManager {
	return &CronManager{
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
		jobIDs: make(map[string]cronv3.EntryID),
		syncer: syncer,
	}
}

// Start initializes the scheduler and registers the jobs.
func (cm *CronManager) Start() {
	cm.log.Info("Starting cron manager")
	cronOptions := []cronv3.Option{
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	}
	c := cronv3.New(cronOptions...)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

// Stop gracefully stops the scheduler and waits for running jobs.
func (cm *CronManager) Stop() {
	if cm.cron != nil {
		cm.log.Info("Stopping cron manager")
		ctx := cm.cron.Stop()
		<-ctx.Done()
	}
	close(cm.stopCh)
}

func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	schedule := cm.cfg.AppConfig.SyncSchedule
	if schedule == "" {
		cm.log.Warn("No sync schedule configured, background sync disabled")
		return
	}

	id, err := c.AddFunc(schedule, func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)
		jobLocks.locks[GroupSync].Lock()
		defer jobLocks.locks[GroupSync].Unlock()
		cm.syncAccounts()
	})
	if err != nil {
		cm.log.Fatalf("Could not add sync cron job: %v", err)
	}
	cm.jobIDs["sync"] = id
	cm.log.Infof("Registered background sync job with schedule: %s", schedule)
}

func (cm *CronManager) syncAccounts() {
	cm.log.Info("Running background account sync")

	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.syncAccounts")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	cm.syncer.SyncAll(ctx)
}
