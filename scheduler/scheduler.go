package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/example/mailglot/config"
	"github.com/example/mailglot/imap"
	"github.com/example/mailglot/model"
	"github.com/example/mailglot/pipeline"
)

const (
	inboxFolder = "INBOX"

	// How often the daemon loop re-checks the trigger and the running flag.
	pollInterval = 30 * time.Second
)

// MailboxReader is the session-scoped mailbox capability the scheduler
// drives. imap.Reader satisfies it.
type MailboxReader interface {
	Connect() error
	FetchMessages(folder string, unreadOnly bool) ([]model.Message, error)
	MarkAsRead(ids []string, folder string) error
	Disconnect()
}

// Scheduler runs the fetch-process-acknowledge cycle, once or on a daily
// trigger in the configured timezone. One cycle runs at a time; shutdown
// waits for the current cycle to finish.
type Scheduler struct {
	cfg    *config.Config
	pipe   pipeline.Pipeline
	logger *slog.Logger

	newReader func(config.SourceEmail) MailboxReader

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	poll     time.Duration
	now      func() time.Time
}

func New(cfg *config.Config, pipe pipeline.Pipeline, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pipe:   pipe,
		logger: logger,
		newReader: func(sc config.SourceEmail) MailboxReader {
			return imap.NewReader(sc, logger)
		},
		stopCh: make(chan struct{}),
		poll:   pollInterval,
		now:    time.Now,
	}
}

// RunOnce executes a single cycle: fetch unread messages inside a scoped
// reader session, process them, and mark the fetched ids as read in a fresh
// session when the source configuration asks for it. Re-running without
// mark-as-read fetches the same unread messages again.
func (s *Scheduler) RunOnce(ctx context.Context) (model.ProcessingResult, error) {
	s.logger.Info("starting processing cycle")

	var messages []model.Message
	err := s.withReader(func(r MailboxReader) error {
		var err error
		messages, err = r.FetchMessages(inboxFolder, true)
		return err
	})
	if err != nil {
		return model.ProcessingResult{}, fmt.Errorf("fetch messages: %w", err)
	}

	result, err := s.pipe.Process(ctx, messages)
	if err != nil {
		return result, fmt.Errorf("pipeline: %w", err)
	}

	if result.Processed > 0 && s.cfg.SourceEmail.MarkAsRead {
		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
		}
		err := s.withReader(func(r MailboxReader) error {
			return r.MarkAsRead(ids, inboxFolder)
		})
		if err != nil {
			return result, fmt.Errorf("mark as read: %w", err)
		}
		s.logger.Debug("marked messages as read", "count", len(ids))
	}

	s.logger.Info("processing cycle complete",
		"processed", result.Processed, "sent", result.Sent, "errors", len(result.Errors))
	return result, nil
}

// Start runs the daemon loop until a termination signal, Stop, or context
// cancellation. A failed cycle is logged and never kills the daemon. When
// the schedule is disabled Start returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Schedule.Enabled {
		s.logger.Warn("scheduler is disabled in configuration")
		return nil
	}

	loc, err := time.LoadLocation(s.cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", s.cfg.Schedule.Timezone, err)
	}
	trigger, err := config.ParseScheduleTime(s.cfg.Schedule.Time)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.running.Store(true)
	next := nextTrigger(s.now().In(loc), trigger)
	s.logger.Info("scheduler started",
		"time", s.cfg.Schedule.Time, "timezone", s.cfg.Schedule.Timezone, "nextRun", next)

	for s.running.Load() {
		if !s.now().In(loc).Before(next) {
			s.logger.Info("scheduled job triggered", "at", s.now().In(loc))
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("scheduled cycle failed", "err", err)
			}
			next = nextTrigger(s.now().In(loc), trigger)
			s.logger.Info("next run scheduled", "nextRun", next)
		}

		select {
		case <-ctx.Done():
			s.running.Store(false)
		case sig := <-sigCh:
			s.logger.Info("received signal, shutting down", "signal", sig.String())
			s.running.Store(false)
		case <-s.stopCh:
			s.running.Store(false)
		case <-time.After(s.poll):
		}
	}

	s.logger.Info("scheduler stopped")
	return nil
}

// Stop flips the running flag. An in-flight cycle finishes before the loop
// observes the flag and exits.
func (s *Scheduler) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// withReader scopes one mailbox session around fn, releasing it on every
// exit path.
func (s *Scheduler) withReader(fn func(MailboxReader) error) error {
	reader := s.newReader(s.cfg.SourceEmail)
	if err := reader.Connect(); err != nil {
		return err
	}
	defer reader.Disconnect()
	return fn(reader)
}

// nextTrigger returns the next wall-clock occurrence of the daily trigger
// at or after now, in now's location.
func nextTrigger(now, at time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
