// Package supervisor runs the long-lived service: the mailbox poll loop, the
// catalog sync schedule, the feedback listener and the health heartbeat.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ordermail/internal/catalog"
	"ordermail/internal/feedback"
	"ordermail/internal/mailbox"
	"ordermail/internal/match"
	"ordermail/internal/model"
	"ordermail/internal/notify"
	"ordermail/internal/pipeline"
	"ordermail/internal/state"
)

const (
	initialBackoff = 30 * time.Second
	maxBackoff     = 300 * time.Second
)

// Config tunes the supervisor loops.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Workers bounds how many messages one poll processes concurrently.
	Workers int
	// SyncSchedule is a cron spec for catalog sync, e.g. "@every 30m".
	SyncSchedule string
	// MaxConsecutiveFailures triggers a full reinitialization.
	MaxConsecutiveFailures int
	// AlertCooldown suppresses repeats of the same alert.
	AlertCooldown time.Duration
	// HealthDir receives the heartbeat status file.
	HealthDir string
	// Reinit rebuilds the rest of the dependency graph alongside the mailbox
	// client: ERP session, catalog snapshot, embedding index.
	Reinit func(ctx context.Context) error
}

// MailboxFactory builds a fresh mailbox client after repeated failures.
type MailboxFactory func() mailbox.Client

// Supervisor owns the service loops and their failure policy.
type Supervisor struct {
	newMailbox MailboxFactory
	pipeline   *pipeline.Pipeline
	syncer     *catalog.Syncer
	index      *match.Index
	feedback   *feedback.Processor
	gateway    notify.ChatGateway
	notifier   *notify.Notifier
	state      *state.Store
	metrics    *pipeline.Metrics
	config     *Config
	logger     *slog.Logger

	mu         sync.Mutex
	mailbox    mailbox.Client
	paused     bool
	syncHalted bool
	scheduler  *cron.Cron
	lastSeen   map[string]time.Time
}

// New creates a Supervisor.
func New(newMailbox MailboxFactory, pipe *pipeline.Pipeline, syncer *catalog.Syncer,
	index *match.Index, fb *feedback.Processor, gateway notify.ChatGateway,
	notifier *notify.Notifier, st *state.Store, metrics *pipeline.Metrics,
	config *Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		newMailbox: newMailbox,
		pipeline:   pipe,
		syncer:     syncer,
		index:      index,
		feedback:   fb,
		gateway:    gateway,
		notifier:   notifier,
		state:      st,
		metrics:    metrics,
		config:     config,
		logger:     logger,
		mailbox:    newMailbox(),
		lastSeen:   make(map[string]time.Time),
	}
}

// Pause stops message pickup; already-running work completes.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("processing paused")
}

// Resume re-enables message pickup.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("processing resumed")
}

// Paused reports the pause flag.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Run blocks until ctx is canceled, supervising every loop.
func (s *Supervisor) Run(ctx context.Context) error {
	// Catalog first: matching against an empty catalog produces garbage, so
	// the initial sync failure is fatal to startup.
	if _, err := s.syncer.Sync(ctx); err != nil {
		return fmt.Errorf("initial catalog sync: %w", err)
	}
	if err := s.index.Refresh(ctx); err != nil {
		return fmt.Errorf("initial index build: %w", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(s.config.SyncSchedule, func() { s.syncOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.config.SyncSchedule, err)
	}
	s.mu.Lock()
	s.scheduler = scheduler
	s.mu.Unlock()
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	s.alert(ctx, "startup", "service started, catalog synced")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx)
	}()
	if s.feedback != nil && s.gateway != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.feedback.Run(ctx, s.gateway); err != nil && ctx.Err() == nil {
				s.logger.Error("feedback listener stopped", "error", err)
			}
		}()
	}

	s.pollLoop(ctx)
	wg.Wait()

	s.mu.Lock()
	mb := s.mailbox
	s.mu.Unlock()
	if err := mb.Close(); err != nil {
		s.logger.Warn("mailbox close failed", "error", err)
	}

	// The run context is already canceled; the goodbye gets its own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.alert(stopCtx, "shutdown", "service stopping")
	return ctx.Err()
}

// pollLoop drives message pickup with exponential backoff on failure and a
// mailbox rebuild after repeated failures.
func (s *Supervisor) pollLoop(ctx context.Context) {
	consecutiveFailures := 0
	delay := s.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if s.Paused() {
			delay = s.config.PollInterval
			continue
		}

		if err := s.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			delay = backoff(consecutiveFailures)
			s.logger.Error("poll failed",
				"consecutive_failures", consecutiveFailures,
				"retry_in", delay,
				"error", err)
			if consecutiveFailures >= s.config.MaxConsecutiveFailures {
				s.reinit(ctx)
				s.alert(ctx, "mailbox", fmt.Sprintf("reinitialized after %d consecutive failures: %v",
					consecutiveFailures, err))
				consecutiveFailures = 0
			}
			continue
		}
		consecutiveFailures = 0
		delay = s.config.PollInterval
	}
}

// pollOnce lists unread messages and fans them out to the worker pool. A
// message is acknowledged only after its audit record and index row exist, so
// a crash between the two reprocesses rather than loses.
func (s *Supervisor) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	mb := s.mailbox
	s.mu.Unlock()

	ids, err := mb.ListUnread(ctx)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.config.Workers))
	for _, id := range ids {
		g.Go(func() error {
			return s.processOne(gctx, mb, id)
		})
	}
	return g.Wait()
}

func (s *Supervisor) processOne(ctx context.Context, mb mailbox.Client, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done, err := s.state.IsProcessed(id)
	if err != nil {
		return fmt.Errorf("processed check: %w", err)
	}
	if done {
		// Already audited; only the acknowledgment was lost.
		if err := mb.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("mark read %s: %w", id, err)
		}
		return nil
	}

	msg, err := mb.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", id, err)
	}
	result, err := s.pipeline.Process(ctx, msg, msg.Raw)
	if err != nil {
		s.logger.Error("processing failed, message stays unread", "message_id", id, "error", err)
		s.alert(ctx, "processing", fmt.Sprintf("message %s failed: %v", id, err))
		return nil
	}
	if err := mb.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	s.logger.Info("message processed",
		"message_id", id,
		"order_id", result.OrderID,
		"status", result.Status)
	return nil
}

// reinit rebuilds the mailbox client and, through the hook, the rest of the
// dependency graph.
func (s *Supervisor) reinit(ctx context.Context) {
	s.mu.Lock()
	old := s.mailbox
	s.mailbox = s.newMailbox()
	s.mu.Unlock()
	if err := old.Close(); err != nil {
		s.logger.Warn("stale mailbox close failed", "error", err)
	}
	if s.config.Reinit != nil {
		if err := s.config.Reinit(ctx); err != nil {
			s.logger.Error("dependency reinit failed", "error", err)
		}
	}
	s.logger.Warn("service reinitialized")
}

// syncOnce runs a scheduled catalog sync and refreshes the embedding index
// when products changed. A fatal sync error stops the schedule until an
// operator intervenes; stale catalog beats silently corrupted catalog.
func (s *Supervisor) syncOnce(ctx context.Context) {
	result, err := s.syncer.Sync(ctx)
	if err != nil {
		var fatal *model.SyncFatalError
		if errors.As(err, &fatal) {
			s.haltSync()
			s.logger.Error("catalog sync halted", "error", err)
			s.alert(ctx, "sync", fmt.Sprintf("catalog sync halted, operator attention required: %v", err))
			return
		}
		s.logger.Error("scheduled sync failed", "error", err)
		s.alert(ctx, "sync", fmt.Sprintf("catalog sync failed: %v", err))
		return
	}
	if result.ProductsSynced > 0 {
		if err := s.index.Refresh(ctx); err != nil {
			s.logger.Error("index refresh failed", "error", err)
			s.alert(ctx, "index", fmt.Sprintf("embedding index refresh failed: %v", err))
		}
	}
}

// haltSync stops the cron schedule; message processing continues on the last
// good catalog snapshot.
func (s *Supervisor) haltSync() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.syncHalted = true
	s.mu.Unlock()
	if scheduler != nil {
		scheduler.Stop()
	}
}

// SyncHalted reports whether a fatal sync error stopped the schedule.
func (s *Supervisor) SyncHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncHalted
}

// heartbeatLoop writes the status file operators and monitoring read.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	s.writeHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeHeartbeat()
		}
	}
}

func (s *Supervisor) writeHeartbeat() {
	if err := os.MkdirAll(s.config.HealthDir, 0o755); err != nil {
		s.logger.Warn("heartbeat dir", "error", err)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "alive %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "paused %v\n", s.Paused())
	for k, v := range s.metrics.Snapshot() {
		fmt.Fprintf(&sb, "%s %d\n", k, v)
	}
	path := filepath.Join(s.config.HealthDir, "status.txt")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		s.logger.Warn("heartbeat write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("heartbeat rename failed", "error", err)
	}
}

// alert sends an operator alert, suppressing repeats of the same key within
// the cooldown.
func (s *Supervisor) alert(ctx context.Context, key, text string) {
	s.mu.Lock()
	last, seen := s.lastSeen[key]
	now := time.Now()
	if seen && now.Sub(last) < s.config.AlertCooldown {
		s.mu.Unlock()
		return
	}
	s.lastSeen[key] = now
	s.mu.Unlock()

	if err := s.notifier.Alert(ctx, text); err != nil {
		s.logger.Warn("alert delivery failed", "error", err)
	}
}

// backoff grows exponentially from the initial interval to the cap.
func backoff(failures int) time.Duration {
	d := initialBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
