// Package scheduler runs recurring jobs on cron-style triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/relaybot/pkg/logger"
)

var (
	ErrDuplicateJob = errors.New("job id already scheduled")
	ErrStopped      = errors.New("scheduler stopped")
)

// Action is the work bound to a job. ctx is cancelled when the scheduler stops.
type Action func(ctx context.Context) error

// Job is a snapshot of a registered job.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Trigger   string    `json:"trigger"`
	Expr      string    `json:"expr"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	Runs      int       `json:"runs"`
	LastError string    `json:"last_error,omitempty"`
}

type Options struct {
	Location *time.Location
	Clock    Clock
	// OnRun, if set, is called after every firing with the updated job.
	OnRun func(Job)
}

type Scheduler struct {
	loc   *time.Location
	clock Clock
	onRun func(Job)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	stopped bool
	running sync.WaitGroup
}

type entry struct {
	job    Job
	action Action
	timer  Timer
	// gen invalidates timers armed before the last unschedule.
	gen int
}

func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		loc:    opts.Location,
		clock:  opts.Clock,
		onRun:  opts.OnRun,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Schedule validates trigger eagerly and registers action under a new id.
func (s *Scheduler) Schedule(trigger string, action Action) (string, error) {
	id := uuid.NewString()
	if err := s.ScheduleWithID(id, "", trigger, action); err != nil {
		return "", err
	}
	return id, nil
}

// ScheduleWithID registers a job under a caller-chosen id.
func (s *Scheduler) ScheduleWithID(id, name, trigger string, action Action) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if action == nil {
		return fmt.Errorf("job %s: action is required", id)
	}
	expr, err := NormalizeTrigger(trigger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	e := &entry{
		job:    Job{ID: id, Name: name, Trigger: trigger, Expr: expr},
		action: action,
	}
	s.jobs[id] = e
	s.armLocked(e)

	logger.InfoCF("scheduler", "Job scheduled", map[string]interface{}{
		"job_id":   id,
		"trigger":  trigger,
		"next_run": e.job.NextRun.Format(time.RFC3339),
	})
	return nil
}

// Unschedule stops and removes a job. It reports false for unknown ids.
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.disarmLocked(e)
	delete(s.jobs, id)
	logger.InfoCF("scheduler", "Job unscheduled", map[string]interface{}{"job_id": id})
	return true
}

func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Stop disarms every timer and waits for running actions to return. Jobs stay
// listed but never fire again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.running.Wait()
		return
	}
	s.stopped = true
	for _, e := range s.jobs {
		s.disarmLocked(e)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
	logger.InfoC("scheduler", "Scheduler stopped")
}

func (s *Scheduler) armLocked(e *entry) {
	now := s.clock.Now()
	next, err := NextRun(e.job.Expr, now, s.loc)
	if err != nil {
		e.job.NextRun = time.Time{}
		logger.ErrorCF("scheduler", "Cannot compute next run", map[string]interface{}{
			"job_id": e.job.ID,
			"error":  err.Error(),
		})
		return
	}
	e.job.NextRun = next
	gen := e.gen
	id := e.job.ID
	e.timer = s.clock.AfterFunc(next.Sub(now), func() { s.fire(id, gen) })
}

func (s *Scheduler) disarmLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.job.NextRun = time.Time{}
}

// fire runs one firing. The next timer is armed before the action runs so a
// slow action does not delay the schedule.
func (s *Scheduler) fire(id string, gen int) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || s.stopped || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.job.LastRun = s.clock.Now()
	s.armLocked(e)
	action := e.action
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	err := s.runAction(id, action)

	s.mu.Lock()
	e.job.Runs++
	e.job.LastError = ""
	if err != nil {
		e.job.LastError = err.Error()
	}
	snapshot := e.job
	s.mu.Unlock()

	if s.onRun != nil {
		s.onRun(snapshot)
	}
}

func (s *Scheduler) runAction(id string, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		if err != nil {
			logger.ErrorCF("scheduler", "Job failed", map[string]interface{}{
				"job_id": id,
				"error":  err.Error(),
			})
		}
	}()
	return action(s.ctx)
}
