package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocksync/config"
	"stocksync/internal/alerts"
	"stocksync/internal/dispatch"
	"stocksync/internal/metrics"
	"stocksync/internal/normalize"
	"stocksync/internal/transport"
	"stocksync/logger"
	"stocksync/models"
)

const channelName = "stock-sync"

// Pinger is an optional connectivity pre-check run before opening the
// channel. Failures are logged, never fatal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Supervisor owns the single logical realtime connection: initialization,
// retry/backoff scheduling, the circuit breaker, heartbeat monitoring and
// coordinated teardown. All state transitions are serialized behind one
// mutex; transport callbacks carry an epoch so anything arriving after a
// disconnect or re-initialize is ignored instead of resurrecting a channel
// nobody owns.
type Supervisor struct {
	cfg        config.RealtimeConfig
	adapter    transport.Adapter
	normalizer *normalize.Normalizer
	registry   *dispatch.Registry
	evaluator  *alerts.Evaluator
	pinger     Pinger
	log        *logger.Log

	mu            sync.Mutex
	phase         models.ConnectionPhase
	retryCount    int
	lastAttempt   time.Time
	lastHeartbeat time.Time
	handle        transport.Handle
	epoch         uint64
	timers        map[string]*time.Timer
	monitorStop   chan struct{}
}

func NewSupervisor(cfg config.RealtimeConfig, adapter transport.Adapter, normalizer *normalize.Normalizer, registry *dispatch.Registry, evaluator *alerts.Evaluator) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		adapter:    adapter,
		normalizer: normalizer,
		registry:   registry,
		evaluator:  evaluator,
		log:        logger.GetLogger(),
		phase:      models.PhaseIdle,
		timers:     make(map[string]*time.Timer),
	}
}

// SetPinger installs the connectivity pre-check used by Initialize.
func (s *Supervisor) SetPinger(p Pinger) {
	s.mu.Lock()
	s.pinger = p
	s.mu.Unlock()
}

// Initialize opens the realtime channel. The call is idempotent and
// non-blocking beyond a short connectivity pre-check: repeated calls while
// initializing, connected, disconnecting, circuit-open or within the
// cooldown window are silent no-ops. Connection failures are not returned;
// they feed the retry pipeline and surface through Status.
func (s *Supervisor) Initialize(ctx context.Context) error {
	return s.initialize(ctx, false)
}

func (s *Supervisor) initialize(ctx context.Context, internal bool) error {
	log := s.log.WithComponent("stock_supervisor")

	if !s.cfg.Enabled {
		log.Debug("realtime sync disabled, skipping initialize")
		return nil
	}

	s.mu.Lock()
	switch s.phase {
	case models.PhaseInitializing, models.PhaseConnected, models.PhaseDisconnecting:
		s.mu.Unlock()
		log.WithFields(logger.Fields{"phase": s.phase}).Debug("initialize skipped, connection busy")
		return nil
	case models.PhaseCircuitOpen:
		s.mu.Unlock()
		log.Debug("initialize skipped, circuit breaker open")
		return nil
	}
	// External callers are held to the cooldown window; scheduled retries
	// and the breaker's automatic attempt are not.
	if !internal && !s.lastAttempt.IsZero() && time.Since(s.lastAttempt) < s.cfg.Cooldown {
		s.mu.Unlock()
		log.Debug("initialize skipped, cooldown active")
		return nil
	}
	s.phase = models.PhaseInitializing
	s.lastAttempt = time.Now()
	s.epoch++
	epoch := s.epoch
	pinger := s.pinger
	s.mu.Unlock()

	if pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		if err := pinger.Ping(pingCtx); err != nil {
			log.WithError(err).Warn("connectivity pre-check failed, attempting subscribe anyway")
		}
		cancel()
	}

	log.WithFields(logger.Fields{"attempt": s.RetryCount() + 1}).Info("opening realtime channel")

	handle, err := s.adapter.OpenChannel(ctx, channelName, normalize.Topics(), transport.Events{
		OnStatus: func(status transport.Status) { s.handleStatus(epoch, status) },
		OnRecord: func(rec transport.Record) { s.handleRecord(epoch, rec) },
	})
	if err != nil {
		log.WithError(err).Warn("channel open failed")
		s.mu.Lock()
		if s.epoch == epoch && s.phase == models.PhaseInitializing {
			s.scheduleRetryLocked()
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if s.epoch != epoch || s.phase == models.PhaseDisconnecting || s.phase == models.PhaseIdle {
		// Disconnect raced the open; the channel must not survive it.
		s.mu.Unlock()
		s.adapter.CloseChannel(handle)
		return nil
	}
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// Disconnect tears the connection down: cancels every pending retry and
// breaker timer, stops the heartbeat monitor, closes the channel and
// returns the supervisor to Idle. Idempotent; always succeeds.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.phase = models.PhaseDisconnecting
	s.epoch++
	s.cancelTimersLocked()
	s.stopMonitorLocked()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		if err := s.adapter.CloseChannel(handle); err != nil {
			s.log.WithComponent("stock_supervisor").WithError(err).Warn("channel close failed during disconnect")
		}
	}

	s.mu.Lock()
	s.phase = models.PhaseIdle
	s.retryCount = 0
	s.mu.Unlock()

	s.log.WithComponent("stock_supervisor").Info("realtime channel disconnected")
	return nil
}

// TestConnection opens a throwaway channel, waits for its first status and
// tears it down again without touching the supervisor's own connection.
func (s *Supervisor) TestConnection(ctx context.Context) (bool, error) {
	statusCh := make(chan transport.Status, 1)
	probe := "probe-" + uuid.NewString()

	handle, err := s.adapter.OpenChannel(ctx, probe, normalize.Topics(), transport.Events{
		OnStatus: func(status transport.Status) {
			select {
			case statusCh <- status:
			default:
			}
		},
	})
	if err != nil {
		return false, fmt.Errorf("probe channel open failed: %w", err)
	}
	defer s.adapter.CloseChannel(handle)

	wait := s.cfg.ConnectTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case status := <-statusCh:
		if status == transport.StatusSubscribed {
			return true, nil
		}
		return false, fmt.Errorf("probe channel reported %s", status)
	case <-timer.C:
		return false, fmt.Errorf("probe channel timed out after %s", wait)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Status returns a point-in-time snapshot for diagnostics.
func (s *Supervisor) Status() models.ConnectionDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	if s.handle != nil {
		active = 1
	}
	return models.ConnectionDetails{
		Phase:          s.phase,
		RetryCount:     s.retryCount,
		MaxRetries:     s.cfg.MaxRetries,
		LastHeartbeat:  s.lastHeartbeat,
		ActiveChannels: active,
		Subscribers:    s.registry.Count(),
	}
}

// RetryCount returns the current retry counter.
func (s *Supervisor) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Supervisor) handleStatus(epoch uint64, status transport.Status) {
	log := s.log.WithComponent("stock_supervisor").WithFields(logger.Fields{"status": status})

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		log.Debug("stale status callback ignored")
		return
	}
	s.lastHeartbeat = time.Now()

	switch status {
	case transport.StatusSubscribed:
		if s.phase != models.PhaseInitializing {
			s.mu.Unlock()
			log.WithFields(logger.Fields{"phase": s.phase}).Debug("subscribe confirmation in unexpected phase ignored")
			return
		}
		s.phase = models.PhaseConnected
		s.retryCount = 0
		s.startMonitorLocked()
		s.mu.Unlock()
		log.Info("realtime channel subscribed")

	case transport.StatusClosed, transport.StatusChannelError, transport.StatusTimedOut:
		if s.phase != models.PhaseInitializing && s.phase != models.PhaseConnected {
			s.mu.Unlock()
			return
		}
		handle := s.handle
		s.handle = nil
		s.scheduleRetryLocked()
		s.mu.Unlock()
		log.Warn("realtime channel lost")
		if handle != nil {
			s.adapter.CloseChannel(handle)
		}

	default:
		s.mu.Unlock()
		log.Debug("unhandled channel status")
	}
}

func (s *Supervisor) handleRecord(epoch uint64, rec transport.Record) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	// Record arrival is liveness too; transports can go quiet between
	// lifecycle statuses.
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	update, statusChange := s.normalizer.Normalize(rec)
	if statusChange != nil {
		s.registry.DispatchStatus(*statusChange)
		return
	}
	if update == nil {
		return
	}

	s.registry.DispatchUpdate(*update)

	evalCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	alert, err := s.evaluator.Evaluate(evalCtx, update.ProductID, update.VariantID)
	cancel()
	if err != nil {
		s.log.WithComponent("stock_supervisor").WithError(err).WithFields(logger.Fields{
			"product_id": update.ProductID,
			"variant_id": update.VariantID,
		}).Warn("alert evaluation failed")
		return
	}
	if alert != nil {
		s.registry.DispatchAlert(*alert)
	}
}

// scheduleRetryLocked increments the retry counter, then either schedules
// the next attempt after backoff or opens the circuit breaker. Caller holds
// the mutex.
func (s *Supervisor) scheduleRetryLocked() {
	s.retryCount++
	log := s.log.WithComponent("stock_supervisor").WithFields(logger.Fields{
		"retry_count": s.retryCount,
		"max_retries": s.cfg.MaxRetries,
	})

	if s.retryCount >= s.cfg.MaxRetries {
		s.phase = models.PhaseCircuitOpen
		metrics.IncrementCircuitOpened()
		log.WithFields(logger.Fields{"breaker_timeout": s.cfg.CircuitBreakerTimeout.String()}).Warn("retries exhausted, circuit breaker opened")
		s.addTimerLocked(s.cfg.CircuitBreakerTimeout, s.onBreakerElapsed)
		return
	}

	s.phase = models.PhaseIdle
	delay := RetryDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, s.retryCount)
	metrics.IncrementReconnect()
	log.WithFields(logger.Fields{"delay": delay.String()}).Info("reconnect scheduled")
	s.addTimerLocked(delay, func() {
		s.initialize(context.Background(), true)
	})
}

// onBreakerElapsed closes the breaker and makes one automatic attempt.
func (s *Supervisor) onBreakerElapsed() {
	s.mu.Lock()
	if s.phase != models.PhaseCircuitOpen {
		s.mu.Unlock()
		return
	}
	s.phase = models.PhaseIdle
	s.retryCount = 0
	s.mu.Unlock()

	s.log.WithComponent("stock_supervisor").Info("circuit breaker reset, reattempting connection")
	s.initialize(context.Background(), true)
}

// addTimerLocked registers a one-shot timer in the pending set so
// Disconnect can cancel all of them atomically. Caller holds the mutex.
func (s *Supervisor) addTimerLocked(d time.Duration, fn func()) {
	id := uuid.NewString()
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if pending {
			fn()
		}
	})
}

func (s *Supervisor) cancelTimersLocked() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// startMonitorLocked launches the heartbeat monitor if it is not already
// running. The monitor forces a reconnect when the connection goes silent
// past the timeout or the supervisor believes it is connected without a
// channel handle. Caller holds the mutex.
func (s *Supervisor) startMonitorLocked() {
	if s.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	s.monitorStop = stop
	go s.monitor(stop)
}

func (s *Supervisor) stopMonitorLocked() {
	if s.monitorStop != nil {
		close(s.monitorStop)
		s.monitorStop = nil
	}
}

func (s *Supervisor) monitor(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkHeartbeat()
		}
	}
}

func (s *Supervisor) checkHeartbeat() {
	s.mu.Lock()
	if s.phase != models.PhaseConnected {
		s.mu.Unlock()
		return
	}
	stale := time.Since(s.lastHeartbeat) > s.cfg.HeartbeatTimeout
	orphaned := s.handle == nil
	if !stale && !orphaned {
		s.mu.Unlock()
		return
	}

	s.epoch++
	handle := s.handle
	s.handle = nil
	s.phase = models.PhaseIdle
	s.mu.Unlock()

	s.log.WithComponent("stock_supervisor").WithFields(logger.Fields{
		"stale":    stale,
		"orphaned": orphaned,
	}).Warn("dead connection detected, forcing reconnect")
	if handle != nil {
		s.adapter.CloseChannel(handle)
	}
	metrics.IncrementReconnect()
	s.initialize(context.Background(), true)
}
