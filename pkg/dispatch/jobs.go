package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/scheduler"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

type ScheduleRepository interface {
	ListScheduledMessages(ctx context.Context, activeOnly bool) ([]store.ScheduledMessage, error)
	GetScheduledMessage(ctx context.Context, id string) (store.ScheduledMessage, error)
	AddScheduledMessage(ctx context.Context, m store.ScheduledMessage) (store.ScheduledMessage, error)
	RemoveScheduledMessage(ctx context.Context, id string) (bool, error)
	MarkScheduledRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// BroadcastJobs keeps stored scheduled messages and scheduler jobs in step.
// The store is the source of truth; the scheduler holds one job per active row
// under the row id.
type BroadcastJobs struct {
	repo        ScheduleRepository
	broadcaster *Broadcaster
	sched       *scheduler.Scheduler
}

// NewBroadcastJobs creates the scheduler. opts.OnRun is replaced so every
// firing is written back to the store.
func NewBroadcastJobs(repo ScheduleRepository, broadcaster *Broadcaster, opts scheduler.Options) *BroadcastJobs {
	j := &BroadcastJobs{repo: repo, broadcaster: broadcaster}
	opts.OnRun = j.markRun
	j.sched = scheduler.New(opts)
	return j
}

// Stop stops the scheduler and waits for running broadcasts.
func (j *BroadcastJobs) Stop() { j.sched.Stop() }

// Load schedules every active stored message. Rows with a trigger the
// scheduler rejects are skipped and reported in the joined error.
func (j *BroadcastJobs) Load(ctx context.Context) (int, error) {
	rows, err := j.repo.ListScheduledMessages(ctx, true)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, m := range rows {
		if err := j.sched.ScheduleWithID(m.ID, m.Name, m.Cron, j.action(m.ID)); err != nil {
			logger.WarnCF("dispatch", "Skipping scheduled message", map[string]interface{}{
				"schedule_id": m.ID,
				"cron":        m.Cron,
				"error":       err.Error(),
			})
			errs = append(errs, fmt.Errorf("schedule %s: %w", m.ID, err))
			continue
		}
		n++
	}
	logger.InfoCF("dispatch", "Scheduled messages loaded", map[string]interface{}{"count": n})
	return n, errors.Join(errs...)
}

func (j *BroadcastJobs) action(id string) scheduler.Action {
	return func(ctx context.Context) error {
		m, err := j.repo.GetScheduledMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			j.sched.Unschedule(id)
			return nil
		}
		if err != nil {
			return err
		}
		_, err = j.broadcaster.Broadcast(ctx, m)
		return err
	}
}

func (j *BroadcastJobs) markRun(job scheduler.Job) {
	err := j.repo.MarkScheduledRun(context.Background(), job.ID, job.LastRun, job.NextRun)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.WarnCF("dispatch", "Failed to record scheduled run", map[string]interface{}{
			"schedule_id": job.ID,
			"error":       err.Error(),
		})
	}
}

// Add stores a broadcast to all subscribers and schedules it.
func (j *BroadcastJobs) Add(ctx context.Context, trigger, message string) (store.ScheduledMessage, error) {
	return j.AddMessage(ctx, store.ScheduledMessage{
		Cron:       trigger,
		Message:    message,
		TargetType: store.TargetAll,
		Active:     true,
	})
}

// AddMessage validates the trigger, stores m and schedules it. The stored row
// is removed again if scheduling fails.
func (j *BroadcastJobs) AddMessage(ctx context.Context, m store.ScheduledMessage) (store.ScheduledMessage, error) {
	m.Cron = strings.TrimSpace(m.Cron)
	if _, err := scheduler.NormalizeTrigger(m.Cron); err != nil {
		return store.ScheduledMessage{}, err
	}
	if strings.TrimSpace(m.Message) == "" {
		return store.ScheduledMessage{}, fmt.Errorf("scheduled message text is required")
	}
	saved, err := j.repo.AddScheduledMessage(ctx, m)
	if err != nil {
		return store.ScheduledMessage{}, err
	}
	if !saved.Active {
		return saved, nil
	}
	if err := j.sched.ScheduleWithID(saved.ID, saved.Name, saved.Cron, j.action(saved.ID)); err != nil {
		if _, rmErr := j.repo.RemoveScheduledMessage(ctx, saved.ID); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return store.ScheduledMessage{}, err
	}
	if job, ok := j.sched.Get(saved.ID); ok {
		saved.NextRun = job.NextRun
	}
	return saved, nil
}

// Remove deletes the stored row and its job.
func (j *BroadcastJobs) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := j.repo.RemoveScheduledMessage(ctx, id)
	if err != nil {
		return false, err
	}
	unscheduled := j.sched.Unschedule(id)
	return removed || unscheduled, nil
}

// List returns stored messages with NextRun taken from the live scheduler.
func (j *BroadcastJobs) List(ctx context.Context) ([]store.ScheduledMessage, error) {
	rows, err := j.repo.ListScheduledMessages(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if job, ok := j.sched.Get(rows[i].ID); ok {
			rows[i].NextRun = job.NextRun
			if !job.LastRun.IsZero() {
				rows[i].LastRun = job.LastRun
			}
		}
	}
	return rows, nil
}
