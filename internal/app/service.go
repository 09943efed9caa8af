// Package service wires the checkpoint pipeline together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/okian/racepulse/internal/adapters/alerting"
	eventqueue "github.com/okian/racepulse/internal/adapters/mq/queue"
	workerpool "github.com/okian/racepulse/internal/adapters/mq/worker"
	"github.com/okian/racepulse/internal/adapters/push"
	"github.com/okian/racepulse/internal/adapters/repository"
	"github.com/okian/racepulse/internal/adapters/schemasource"
	"github.com/okian/racepulse/internal/adapters/story"
	"github.com/okian/racepulse/internal/adapters/timing"
	"github.com/okian/racepulse/internal/config"
	"github.com/okian/racepulse/internal/domain/dedupe"
	"github.com/okian/racepulse/internal/domain/fanout"
	"github.com/okian/racepulse/internal/domain/health"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
	"github.com/okian/racepulse/pkg/sweep"
)

const (
	clipRetryBatch   = 50
	handshakeTimeout = 10 * time.Second
	alertTimeout     = 5 * time.Second
)

// Service owns every pipeline component and their lifecycle.
type Service struct {
	mu sync.RWMutex

	cfg    *config.Config
	logger logger.Logger
	now    func() time.Time

	// Collaborators that may be injected; built from cfg otherwise.
	store         repository.Store
	ownsStore     bool
	dialer        timing.Dialer
	story         ingest.StoryGenerator
	dispatcher    fanout.Dispatcher
	alertNotifier health.Notifier

	// Core components
	tracker     *health.Tracker
	alerter     *health.Alerter
	monitor     *health.Monitor
	schemas     *ingest.SchemaCache
	coordinator *ingest.Coordinator
	eventQueue  *eventqueue.InMemoryQueue
	workerPool  *workerpool.Pool
	manager     *timing.Manager

	// State
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New constructs a Service for cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:       cfg,
		now:       time.Now,
		ownsStore: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Start builds the components and starts the background loops: the timing
// connection, the worker pool, the health monitor and the clip retry loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting racepulse service...")

	if s.store == nil {
		store, err := s.openStore(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
		s.store = store
	}
	if err := s.seedSchemas(ctx); err != nil {
		s.closeStore(ctx)
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	s.buildHealth()
	s.buildPipeline()

	s.eventQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.EventQueueSize))
	s.workerPool = workerpool.NewPool(s.cfg.WorkerCount, s.eventQueue, s.coordinator)

	dialer := s.dialer
	if dialer == nil {
		dialer = timing.NewWebsocketDialer(s.cfg.ProviderAPIKey, handshakeTimeout)
	}
	s.manager = timing.NewManager(s.cfg.ProviderURL, dialer, s.eventQueue, s.store,
		timing.WithBackoff(s.cfg.ReconnectInitial, s.cfg.ReconnectMultiplier, s.cfg.ReconnectMaxDelay, s.cfg.ReconnectMaxAttempts),
		timing.WithTracker(s.tracker),
		timing.WithAlerter(s.alerter),
		timing.WithMetricLog(s.store),
		timing.WithClock(s.now),
	)
	s.monitor = health.NewMonitor(s.store, s.tracker, s.alerter,
		health.WithCheckInterval(s.cfg.HealthCheckInterval),
		health.WithSweepInterval(s.cfg.SweepInterval),
		health.WithThresholds(health.Thresholds{
			Warning:  s.cfg.StaleWarningAfter,
			Error:    s.cfg.StaleErrorAfter,
			Critical: s.cfg.StaleCriticalAfter,
		}),
		health.WithRetention(s.cfg.MetricsRetention),
		health.WithSubscriptionCleanup(s.cfg.SubscriptionCleanup),
		health.WithSweepOptions(sweep.Options{
			PageSize:     s.cfg.SweepPageSize,
			MaxBatchSize: s.cfg.SweepMaxBatch,
			Pause:        s.cfg.SweepPause,
		}),
		health.WithWatching(s.manager.Watching),
		health.WithMonitorClock(s.now),
	)

	if err := s.manager.Restore(ctx); err != nil {
		s.closeStore(ctx)
		return fmt.Errorf("%w: restore subscriptions: %w", ErrStart, err)
	}

	// Background loops outlive the start-up context; Stop ends them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.workerPool.Start(runCtx)
	if s.cfg.ProviderURL != "" {
		s.group.Go(func() error {
			s.manager.Run(runCtx)
			return nil
		})
	} else {
		s.logger.Warn(ctx, "provider_url not set; timing connection disabled, webhook only")
	}
	s.group.Go(func() error {
		s.monitor.Run(runCtx)
		return nil
	})
	if s.story != nil && s.cfg.ClipRetryEvery > 0 {
		s.group.Go(func() error {
			s.coordinator.RunClipRetry(runCtx, s.cfg.ClipRetryEvery, clipRetryBatch)
			return nil
		})
	}

	s.started = true
	s.startedAt = s.now()
	metrics.UpdateQueueCapacity(s.cfg.EventQueueSize)
	s.logger.Info(ctx, "racepulse service started",
		logger.Int("workers", s.cfg.WorkerCount),
		logger.Int("queueSize", s.cfg.EventQueueSize),
		logger.String("store", s.cfg.StoreDriver),
		logger.Bool("story", s.story != nil),
		logger.Bool("push", s.dispatcher != nil),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) (repository.Store, error) {
	switch s.cfg.StoreDriver {
	case config.StoreSQLite:
		s.logger.Info(ctx, "using sqlite store", logger.String("path", s.cfg.SQLitePath))
		return repository.OpenSQLite(ctx, s.cfg.SQLitePath, repository.WithSQLiteClock(s.now))
	default:
		s.logger.Info(ctx, "using memory store")
		return repository.NewMemoryStore(repository.WithClock(s.now)), nil
	}
}

func (s *Service) seedSchemas(ctx context.Context) error {
	if s.cfg.SchemaFile == "" {
		return nil
	}
	catalog, err := schemasource.Load(s.cfg.SchemaFile)
	if err != nil {
		return err
	}
	n, err := catalog.Seed(ctx, s.store)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "split schemas loaded",
		logger.String("file", s.cfg.SchemaFile), logger.Int("schemas", n))
	return nil
}

func (s *Service) buildHealth() {
	s.tracker = health.NewTracker(s.now)

	notifier := s.alertNotifier
	if notifier == nil && s.cfg.AlertWebhookURL != "" {
		notifier = alerting.NewWebhook(s.cfg.AlertWebhookURL, alertTimeout)
	}
	alerterOpts := []health.AlerterOption{
		health.WithCooldown(s.cfg.AlertCooldown),
		health.WithAlerterClock(s.now),
	}
	if notifier != nil {
		alerterOpts = append(alerterOpts, health.WithNotifier(notifier))
	}
	s.alerter = health.NewAlerter(s.store, alerterOpts...)
}

func (s *Service) buildPipeline() {
	deduper := dedupe.New(s.store,
		dedupe.WithTTL(s.cfg.DedupeTTL),
		dedupe.WithClock(s.now),
		dedupe.WithFailOpenHook(func(ctx context.Context, _ string, err error) {
			s.alerter.Raise(ctx, model.SeverityWarning, "dedupe", "ledger_unavailable",
				"idempotency ledger unavailable, processing without dedup: "+err.Error())
		}),
	)
	s.schemas = ingest.NewSchemaCache(s.store, s.cfg.SchemaCacheTTL)

	if s.story == nil && s.cfg.StoryURL != "" {
		s.story = story.New(s.cfg.StoryURL, story.WithAPIKey(s.cfg.StoryAPIKey))
	}
	if s.dispatcher == nil && s.cfg.PushURL != "" {
		s.dispatcher = push.New(s.cfg.PushURL,
			push.WithAccessToken(s.cfg.PushAccessToken),
			push.WithTimeout(s.cfg.FanoutTimeout),
		)
	}

	opts := []ingest.Option{
		ingest.WithAlerter(s.alerter),
		ingest.WithActivity(s.tracker),
		ingest.WithAckTimeout(s.cfg.AckTimeout),
		ingest.WithStoryTimeout(s.cfg.StoryTimeout),
		ingest.WithClipMaxAttempts(s.cfg.ClipMaxAttempts),
		ingest.WithClock(s.now),
	}
	if s.story != nil {
		opts = append(opts, ingest.WithStoryGenerator(s.story))
	}
	if s.dispatcher != nil {
		opts = append(opts, ingest.WithNotifier(fanout.New(s.store, s.dispatcher,
			fanout.WithBatchSize(s.cfg.PushBatchSize),
			fanout.WithConcurrency(s.cfg.FanoutConcurrency),
			fanout.WithTimeout(s.cfg.FanoutTimeout),
			fanout.WithSilent(s.cfg.PushSilent),
		)))
	}
	s.coordinator = ingest.NewCoordinator(s.schemas, s.store, deduper, opts...)
}

// Stop shuts the service down: no new connection attempts are made, queued
// events are drained, then the background loops end and the store is closed.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping racepulse service...")

	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("timing manager: %w", err))
	}
	if err := s.workerPool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	s.cancel()
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	s.closeStore(ctx)

	s.started = false
	s.logger.Info(ctx, "racepulse service stopped")
	return errors.Join(errs...)
}

func (s *Service) closeStore(ctx context.Context) {
	if s.store == nil || !s.ownsStore {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error(ctx, "error closing store", logger.Error(err))
	}
	s.store = nil
}

// Ingest runs a directly submitted event through the pipeline and returns
// its outcome.
func (s *Service) Ingest(ctx context.Context, raw model.RawCheckpointEvent) (ingest.Outcome, error) {
	s.mu.RLock()
	started, coordinator, tracker := s.started, s.coordinator, s.tracker
	s.mu.RUnlock()
	if !started {
		return ingest.Outcome{}, ErrNotStarted
	}

	if raw.Source == "" {
		raw.Source = "webhook"
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = s.now().UTC()
	}
	tracker.MessageReceived()
	metrics.RecordEventReceived(raw.Source)
	return coordinator.Process(ctx, raw)
}

// Subscribe subscribes the timing connection to raceID.
func (s *Service) Subscribe(ctx context.Context, raceID string, participantIDs []string) (model.SubscriptionRecord, error) {
	m, err := s.timing()
	if err != nil {
		return model.SubscriptionRecord{}, err
	}
	return m.Subscribe(ctx, raceID, participantIDs)
}

// Unsubscribe drops the subscription for raceID.
func (s *Service) Unsubscribe(ctx context.Context, raceID string) error {
	m, err := s.timing()
	if err != nil {
		return err
	}
	return m.Unsubscribe(ctx, raceID)
}

// ConnectionStatus reports the timing connection state.
func (s *Service) ConnectionStatus() timing.Status {
	m, err := s.timing()
	if err != nil {
		return timing.Status{State: timing.StateDisconnected.String()}
	}
	return m.Status()
}

// RecentAlerts lists the newest alerts first.
func (s *Service) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return nil, ErrNotStarted
	}
	return store.RecentAlerts(ctx, limit)
}

// Store exposes the backing store, e.g. to register followers.
func (s *Service) Store() repository.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

func (s *Service) timing() (*timing.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.manager, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.cfg.WorkerCount,
		"queueSize":   s.cfg.EventQueueSize,
		"store":       s.cfg.StoreDriver,
	}
	if !s.started {
		return stats
	}

	ctx := context.Background()
	queueLen := s.eventQueue.Len()
	stats["queueLength"] = queueLen
	stats["startedAt"] = humanize.RelTime(s.startedAt, s.now(), "ago", "from now")
	if n, err := s.store.CountOccurrences(ctx); err == nil {
		stats["occurrences"] = n
	}
	if sized, ok := s.store.(interface{ LedgerSize() int64 }); ok {
		stats["ledgerSize"] = sized.LedgerSize()
	}

	status := s.manager.Status()
	stats["connection"] = status.State
	stats["subscriptions"] = status.SubscriptionCount
	activity := s.tracker.Snapshot()
	stats["messagesReceived"] = activity.MessagesReceived
	stats["messagesProcessed"] = activity.MessagesProcessed
	stats["errors"] = activity.Errors

	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateWorkerCount(s.cfg.WorkerCount)
	return stats
}
