package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"postbox/internal/document"
	"postbox/internal/events"
	"postbox/internal/model"
)

// Handler processes one claimed task document. A non-nil error routes the
// document into the retry/failed branch.
type Handler func(ctx context.Context, task model.TaskDocument) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// AutoAcknowledge moves the document to the outbox as soon as the
	// handler returns nil. When disabled the consumer must call
	// Acknowledge or Fail itself.
	AutoAcknowledge bool
	// PollingInterval between inbox scans; the configured queue default
	// applies when zero.
	PollingInterval time.Duration
	// Subteam narrows the subscription to a nested inbox.
	Subteam string
}

// Subscription is a handle to one timer-driven polling loop. It is owned
// by the DocumentQueue that created it and destroyed by Stop.
type Subscription struct {
	ID      string
	Team    string
	Subteam string

	queue    *DocumentQueue
	handler  Handler
	autoAck  bool
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe starts an independent polling loop for team. Each tick scans
// the inbox oldest-first, claims every dependency-ready document by an
// atomic move into in-progress, and invokes the handler on it. Loops are
// independent: a slow handler delays only its own subscription's next
// tick. Handler errors and panics are confined to the document they
// concern.
func (q *DocumentQueue) Subscribe(team string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if team == "" {
		return nil, fmt.Errorf("subscribe: team is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe: handler is required")
	}
	if err := q.ws.EnsureInitialized(q.config.Workspace.AutoInit); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	interval := opts.PollingInterval
	if interval <= 0 {
		interval = time.Duration(q.config.Queue.PollingIntervalMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:       uuid.NewString(),
		Team:     team,
		Subteam:  opts.Subteam,
		queue:    q,
		handler:  handler,
		autoAck:  opts.AutoAcknowledge,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	q.mu.Lock()
	q.subs[sub.ID] = sub
	q.mu.Unlock()

	go sub.run(ctx)
	q.logger.Infof("subscribed id=%s team=%s interval=%s auto_ack=%t", sub.ID, team, interval, opts.AutoAcknowledge)
	return sub, nil
}

// Stop cancels this subscription's loop and removes it from its queue.
func (s *Subscription) Stop() {
	s.queue.mu.Lock()
	delete(s.queue.subs, s.ID)
	s.queue.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.cancel()
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll performs one inbox scan. Entries with unmet dependencies stay
// untouched; ready entries are claimed and handled in listing order.
func (s *Subscription) poll(ctx context.Context) {
	q := s.queue
	inbox := q.ws.InboxPath(s.Team, s.Subteam)

	files, err := q.ws.ListFiles(inbox, "*"+document.Extension)
	if err != nil {
		q.logger.Warnf("poll_list team=%s error=%v", s.Team, err)
		return
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return
		}

		data, err := q.ws.ReadFile(f.Path)
		if err != nil {
			// Another consumer may have claimed the file between the
			// listing and the read.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			q.logger.Warnf("poll_read file=%s error=%v", f.Name, err)
			continue
		}

		task, err := document.Parse(string(data))
		if err != nil {
			s.quarantine(f.Path, f.Name, err)
			continue
		}

		if model.HasUnmetDependencies(task) {
			continue
		}

		s.dispatch(ctx, task, f.Path)
	}
}

// dispatch claims one document and runs the handler on it. The atomic
// rename into in-progress is the claim: of two racers over the same
// listing snapshot only one rename succeeds, and the loser just skips.
func (s *Subscription) dispatch(ctx context.Context, task model.TaskDocument, path string) {
	q := s.queue

	claimed, err := q.ws.MoveFile(path, q.ws.InProgressPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			q.logger.Debugf("claim_lost id=%s", task.Metadata.ID)
			return
		}
		q.logger.Warnf("claim_failed id=%s error=%v", task.Metadata.ID, err)
		return
	}

	task = model.UpdateTaskStatus(task, model.StatusInProgress)
	if text, err := document.Serialize(task); err != nil {
		q.logger.Warnf("claim_rewrite id=%s error=%v", task.Metadata.ID, err)
	} else if err := q.ws.WriteFile(claimed, []byte(text)); err != nil {
		q.logger.Warnf("claim_rewrite id=%s error=%v", task.Metadata.ID, err)
	}

	q.logger.Debugf("started id=%s team=%s sub=%s", task.Metadata.ID, s.Team, s.ID)
	q.bus.Publish(events.TaskStarted, task.Metadata.ID, s.Team, nil)

	handlerErr := s.invoke(ctx, task)

	if handlerErr != nil {
		if err := q.handleFailure(task, claimed, handlerErr); err != nil {
			q.logger.Errorf("failure_transition id=%s error=%v", task.Metadata.ID, err)
		}
		return
	}
	if s.autoAck {
		if err := q.complete(task, claimed); err != nil {
			q.logger.Errorf("complete_transition id=%s error=%v", task.Metadata.ID, err)
		}
	}
	// Without auto-acknowledge the document stays in in-progress until
	// the consumer calls Acknowledge or Fail.
}

// invoke runs the handler, converting a panic into an error so one bad
// task can never kill the polling loop.
func (s *Subscription) invoke(ctx context.Context, task model.TaskDocument) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, task)
}

// quarantine moves a document that does not parse out of the inbox so it
// cannot wedge every future scan. Such files can only come from external
// authors; they land in failed/ unmodified.
func (s *Subscription) quarantine(path, name string, cause error) {
	q := s.queue
	if _, err := q.ws.MoveFile(path, q.ws.FailedPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		q.logger.Errorf("quarantine_failed file=%s error=%v", name, err)
		return
	}
	q.logger.Warnf("quarantined file=%s error=%v", name, cause)
}
