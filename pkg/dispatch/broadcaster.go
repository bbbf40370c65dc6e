package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

type SubscriberSource interface {
	ListSubscribers(ctx context.Context) ([]store.User, error)
}

// Broadcaster delivers a scheduled message to its targets, pausing between
// sends so the messaging network does not flag the account.
type Broadcaster struct {
	sender      Sender
	subscribers SubscriberSource
	log         MessageLog
	delay       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// ErrBroadcasterStopped is reported for broadcasts started after Stop.
var ErrBroadcasterStopped = errors.New("broadcaster stopped")

func NewBroadcaster(sender Sender, subscribers SubscriberSource, log MessageLog, delay time.Duration) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		sender:      sender,
		subscribers: subscribers,
		log:         log,
		delay:       delay,
		sleep:       sleepCtx,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BroadcastResult counts the outcome of one broadcast.
type BroadcastResult struct {
	Sent   int
	Failed int
}

// Recipients resolves the ids a scheduled message goes to.
func (b *Broadcaster) Recipients(ctx context.Context, m store.ScheduledMessage) ([]string, error) {
	switch m.TargetType {
	case store.TargetGroup, store.TargetIndividual:
		if m.TargetID == "" {
			return nil, fmt.Errorf("scheduled message %s has no target id", m.ID)
		}
		return []string{m.TargetID}, nil
	default:
		if b.subscribers == nil {
			return nil, nil
		}
		users, err := b.subscribers.ListSubscribers(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ExternalID)
		}
		return ids, nil
	}
}

// Broadcast sends m to every recipient. A failed recipient does not stop the
// rest; the returned error joins the individual failures.
func (b *Broadcaster) Broadcast(ctx context.Context, m store.ScheduledMessage) (BroadcastResult, error) {
	var res BroadcastResult
	recipients, err := b.Recipients(ctx, m)
	if err != nil {
		return res, err
	}

	var errs []error
	for i, to := range recipients {
		if i > 0 && b.delay > 0 {
			if err := b.sleep(ctx, b.delay); err != nil {
				errs = append(errs, err)
				res.Failed += len(recipients) - i
				break
			}
		}
		id, err := b.sender.Send(ctx, to, m.Message)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
			continue
		}
		res.Sent++
		if b.log != nil {
			if err := b.log.RecordOutbound(ctx, store.MessageRecord{
				MessageID: id,
				UserID:    to,
				ChatID:    to,
				Content:   m.Message,
				Source:    SourceBroadcast,
			}); err != nil {
				logger.WarnCF("dispatch", "Failed to record broadcast message", map[string]interface{}{
					"message_id": id,
					"error":      err.Error(),
				})
			}
		}
	}

	logger.InfoCF("dispatch", "Broadcast finished", map[string]interface{}{
		"schedule_id": m.ID,
		"target":      string(m.TargetType),
		"sent":        res.Sent,
		"failed":      res.Failed,
	})
	return res, errors.Join(errs...)
}

// BroadcastAll sends text to every subscriber in the background, with the
// same pacing as scheduled broadcasts, and calls done with the counts once
// the last recipient was tried. Broadcasts still running at Stop are cut
// short and their remaining recipients count as failed.
func (b *Broadcaster) BroadcastAll(text string, done func(sent, failed int, err error)) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		if done != nil {
			done(0, 0, ErrBroadcasterStopped)
		}
		return
	}
	b.running.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.running.Done()
		res, err := b.Broadcast(b.ctx, store.ScheduledMessage{
			ID:         "command",
			Message:    text,
			TargetType: store.TargetAll,
		})
		if done != nil {
			done(res.Sent, res.Failed, err)
		}
	}()
}

// Stop cancels background broadcasts and waits for them to return.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.running.Wait()
}
