package listen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roman-kulish/listening-post/internal/device"
	"github.com/roman-kulish/listening-post/internal/metrics"
	"github.com/roman-kulish/listening-post/internal/notify"
	"github.com/roman-kulish/listening-post/internal/spectrum"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

const (
	DefaultDebounce       = 400 * time.Millisecond
	DefaultUnlockTimeout  = 1500 * time.Millisecond
	DefaultResumeAttempts = 3
	DefaultResumeBackoff  = time.Second

	execTimeout = 30 * time.Second
)

var (
	// ErrNotListening is returned by Unlock without an active session
	ErrNotListening = errors.New("not listening")

	// ErrPlaybackBlocked is returned by Unlock when playback still has not started
	ErrPlaybackBlocked = errors.New("playback blocked")
)

// State of the listen session.
type State string

const (
	StateIdle      State = "idle"
	StateTuning    State = "tuning"
	StateListening State = "listening"
	StateRetuning  State = "retuning"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

var allStates = []string{
	string(StateIdle),
	string(StateTuning),
	string(StateListening),
	string(StateRetuning),
	string(StateStopping),
	string(StateError),
}

// Config of the coordinator.
type Config struct {
	Device         string        `yaml:"device"`
	Debounce       time.Duration `yaml:"debounce"`
	UnlockTimeout  time.Duration `yaml:"unlockTimeout"`
	ResumeAttempts int           `yaml:"resumeAttempts"`
	ResumeBackoff  time.Duration `yaml:"resumeBackoff"`
}

func DefaultConfig() Config {
	return Config{
		Debounce:       DefaultDebounce,
		UnlockTimeout:  DefaultUnlockTimeout,
		ResumeAttempts: DefaultResumeAttempts,
		ResumeBackoff:  DefaultResumeBackoff,
	}
}

func (c Config) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("listen.Config: debounce must not be negative: %s given", c.Debounce)
	}
	if c.UnlockTimeout <= 0 {
		return fmt.Errorf("listen.Config: unlock timeout must be positive: %s given", c.UnlockTimeout)
	}
	if c.ResumeAttempts < 0 {
		return fmt.Errorf("listen.Config: resume attempts must not be negative: %d given", c.ResumeAttempts)
	}
	if c.ResumeAttempts > 0 && c.ResumeBackoff <= 0 {
		return fmt.Errorf("listen.Config: resume backoff must be positive: %s given", c.ResumeBackoff)
	}
	return nil
}

// Suspender is a waterfall sharing the device. *waterfall.Session implements it.
type Suspender interface {
	Active() bool
	Suspend(ctx context.Context) (bool, error)
	Resume(ctx context.Context) error
}

// Status describes the listen session.
type Status struct {
	State          State                  `json:"state"`
	SessionID      uuid.UUID              `json:"sessionID"`
	Params         *spectrum.ListenParams `json:"params,omitempty"`
	UnlockRequired bool                   `json:"unlockRequired"`
	ResumePending  bool                   `json:"resumePending"`
	LastError      string                 `json:"lastError,omitempty"`
}

// WithLogger sets the logger for the coordinator
func WithLogger(logger *zap.Logger) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics for the coordinator
func WithMetrics(m *metrics.Metrics) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithNotifier sets the user notification surface
func WithNotifier(n notify.Notifier) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithPlayer sets the audio player
func WithPlayer(p Player) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.player = p
	}
}

// WithWaterfall sets the waterfall suspended while listening
func WithWaterfall(s Suspender) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.waterfall = s
	}
}

// WithConfig overrides the default configuration
func WithConfig(config Config) func(c *Coordinator) {
	return func(c *Coordinator) {
		c.config = config
	}
}

// Coordinator owns the listen session. Requests run one at a time through a
// gate holding at most one waiting request, and continuous parameter changes
// are debounced before they reach the gate.
type Coordinator struct {
	backend   Backend
	player    Player
	waterfall Suspender
	notifier  notify.Notifier
	fatal     *notify.Once
	config    Config

	gate     *gate
	debounce *debouncer

	// held while a request executes and while an unexpected session end is applied
	execMu      sync.Mutex
	resumeAfter bool

	mu             sync.Mutex
	state          State
	sessionID      uuid.UUID
	params         *spectrum.ListenParams
	lastErr        error
	unlockRequired bool
	unlockTimer    *time.Timer
	resumeCancel   context.CancelFunc
	resumeDone     chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(backend Backend, options ...func(c *Coordinator)) *Coordinator {
	c := Coordinator{
		backend: backend,
		config:  DefaultConfig(),
		state:   StateIdle,
		logger:  zap.NewNop(),
	}

	for _, option := range options {
		option(&c)
	}

	if c.player == nil {
		c.player = NewRelay()
	}
	if c.notifier == nil {
		c.notifier = notify.NewLogger(c.logger)
	}

	c.logger = c.logger.With(zap.String("component", "coordinator"))
	c.fatal = notify.NewOnce(c.notifier)
	c.gate = newGate(c.execute, c.metrics)
	c.debounce = &debouncer{delay: c.config.Debounce}
	c.metrics.ListenState(string(StateIdle), allStates)

	backend.OnEnded(c.sessionEnded)
	return &c
}

// RequestListen asks for a session with p. An immediate request skips the
// debounce and waits for its outcome, otherwise the request is debounced and
// RequestListen returns at once.
func (c *Coordinator) RequestListen(ctx context.Context, p spectrum.ListenParams, immediate bool) error {
	if p.Device == "" {
		p.Device = c.config.Device
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if !immediate && c.config.Debounce > 0 {
		c.debounce.Trigger(func() {
			c.gate.Submit(newRequest(actionListen, p))
		})
		return nil
	}

	c.debounce.Cancel()
	return c.submit(ctx, newRequest(actionListen, p))
}

// Stop ends the session. Stopping an idle coordinator is not an error.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.debounce.Cancel()
	return c.submit(ctx, newRequest(actionStop, spectrum.ListenParams{}))
}

func (c *Coordinator) submit(ctx context.Context, r *request) error {
	c.gate.Submit(r)

	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock retries playback after it failed to start on its own.
func (c *Coordinator) Unlock(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateListening && state != StateRetuning {
		return ErrNotListening
	}
	if err := c.player.Play(ctx); err != nil {
		return fmt.Errorf("unlocking playback: %w", err)
	}
	if !c.player.Playing() {
		return ErrPlaybackBlocked
	}

	c.mu.Lock()
	c.unlockRequired = false
	c.stopUnlockTimer()
	c.mu.Unlock()

	c.logger.Info("playback unlocked")
	return nil
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.state,
		SessionID:      c.sessionID,
		UnlockRequired: c.unlockRequired,
		ResumePending:  c.resumeDone != nil,
	}
	if c.params != nil {
		p := *c.params
		st.Params = &p
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Wait blocks until no request is executing or waiting.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.gate.Wait(ctx)
}

// Close stops the session, rejects later requests and cancels a pending
// waterfall resume.
func (c *Coordinator) Close(ctx context.Context) error {
	c.debounce.Cancel()
	err := c.Stop(ctx)

	if cErr := c.gate.Close(ctx); cErr != nil {
		err = errors.Join(err, cErr)
	}
	c.cancelResume()

	c.mu.Lock()
	c.stopUnlockTimer()
	c.mu.Unlock()

	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Coordinator) execute(r *request) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	c.metrics.Restart("executed")
	c.logger.Debug("executing request", zap.Stringer("action", r.action))

	if r.action == actionStop {
		return c.stop(ctx)
	}
	if c.backend.Running() {
		return c.retune(ctx, r.params)
	}
	return c.start(ctx, r.params)
}

func (c *Coordinator) start(ctx context.Context, p spectrum.ListenParams) error {
	c.cancelResume()
	c.setState(StateTuning)

	if err := c.suspendWaterfall(ctx); err != nil {
		return c.startFailed(err)
	}

	id, err := c.backend.Start(ctx, p)
	if err != nil {
		return c.startFailed(err)
	}

	c.fatal.Reset()

	c.mu.Lock()
	c.sessionID = id
	c.params = &p
	c.lastErr = nil
	c.unlockRequired = false
	c.mu.Unlock()
	c.setState(StateListening)

	c.logger.Info("listening",
		zap.Stringer("session", id),
		zap.Float64("frequency", p.Frequency),
		zap.String("modulation", string(p.Modulation)))

	c.startPlayback(ctx)
	return nil
}

func (c *Coordinator) retune(ctx context.Context, p spectrum.ListenParams) error {
	c.setState(StateRetuning)

	err := c.backend.Retune(ctx, p)
	if errors.Is(err, ErrRetuneUnsupported) {
		c.logger.Debug("restarting to retune")
		if err = c.backend.Stop(ctx); err == nil {
			return c.start(ctx, p)
		}
	}
	if err != nil {
		// the session keeps its previous parameters
		c.logger.Warn("retune failed", zap.Error(err))
		c.metrics.Restart("failed")

		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()

		if c.backend.Running() {
			c.setState(StateListening)
		} else {
			c.ended(err)
		}
		return fmt.Errorf("retuning: %w", err)
	}

	c.mu.Lock()
	c.params = &p
	c.mu.Unlock()
	c.setState(StateListening)

	c.logger.Info("retuned", zap.Float64("frequency", p.Frequency))
	return nil
}

func (c *Coordinator) startFailed(err error) error {
	c.metrics.Restart("failed")
	c.player.Stop()

	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.params = nil
	c.lastErr = err
	c.mu.Unlock()

	if errors.Is(err, device.ErrDeviceBusy) {
		c.setState(StateIdle)
		c.notifier.Notify("Device busy", err.Error())
	} else {
		c.setState(StateError)
		c.fatal.Notify("Listen failed", err.Error())
	}

	c.logger.Warn("listen start failed", zap.Error(err))
	c.scheduleResume()
	return fmt.Errorf("starting listen session: %w", err)
}

func (c *Coordinator) stop(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if !c.backend.Running() && (state == StateIdle || state == StateError) {
		return nil
	}

	c.setState(StateStopping)
	err := c.backend.Stop(ctx)
	c.player.Stop()

	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.params = nil
	c.unlockRequired = false
	c.stopUnlockTimer()
	c.mu.Unlock()
	c.setState(StateIdle)

	c.logger.Info("listen stopped")
	c.scheduleResume()

	if err != nil {
		return fmt.Errorf("stopping listen session: %w", err)
	}
	return nil
}

// sessionEnded is called by the backend when a session ends without a stop.
func (c *Coordinator) sessionEnded(id uuid.UUID, err error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	current := c.sessionID
	c.mu.Unlock()

	if id != current {
		c.logger.Debug("ignoring end of previous session", zap.Stringer("session", id))
		return
	}

	c.logger.Warn("listen session ended", zap.Stringer("session", id), zap.Error(err))
	c.ended(err)
}

// ended moves to the error state after the session was lost. execMu must be held.
func (c *Coordinator) ended(err error) {
	c.player.Stop()

	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.params = nil
	c.lastErr = err
	c.unlockRequired = false
	c.stopUnlockTimer()
	c.mu.Unlock()
	c.setState(StateError)

	c.fatal.Notify("Listen session ended", err.Error())
	c.scheduleResume()
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.metrics.ListenState(string(state), allStates)
}

func (c *Coordinator) startPlayback(ctx context.Context) {
	if err := c.player.Play(ctx); err != nil {
		c.logger.Info("playback did not start", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopUnlockTimer()
	c.unlockTimer = time.AfterFunc(c.config.UnlockTimeout, c.checkPlayback)
}

func (c *Coordinator) checkPlayback() {
	if c.player.Playing() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListening && c.state != StateRetuning {
		return
	}
	if !c.unlockRequired {
		c.unlockRequired = true
		c.logger.Info("playback blocked, unlock required")
	}
}

// stopUnlockTimer must be called with mu held.
func (c *Coordinator) stopUnlockTimer() {
	if c.unlockTimer != nil {
		c.unlockTimer.Stop()
		c.unlockTimer = nil
	}
}

// suspendWaterfall stops an active waterfall and remembers to resume it. execMu must be held.
func (c *Coordinator) suspendWaterfall(ctx context.Context) error {
	if c.waterfall == nil || !c.waterfall.Active() {
		return nil
	}

	suspended, err := c.waterfall.Suspend(ctx)
	if err != nil {
		return err
	}
	if suspended {
		c.resumeAfter = true
		c.logger.Info("waterfall suspended for listening")
	}
	return nil
}

// scheduleResume resumes a suspended waterfall in the background. execMu must be held.
func (c *Coordinator) scheduleResume() {
	if !c.resumeAfter || c.waterfall == nil {
		return
	}
	c.resumeAfter = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.resumeCancel = cancel
	c.resumeDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		c.resumeWaterfall(ctx)

		c.mu.Lock()
		if c.resumeDone == done {
			c.resumeCancel = nil
			c.resumeDone = nil
		}
		c.mu.Unlock()
	}()
}

func (c *Coordinator) resumeWaterfall(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := c.waterfall.Resume(ctx)
		switch {
		case err == nil:
			c.logger.Info("waterfall resumed", zap.Int("attempt", attempt))
			return
		case errors.Is(err, waterfall.ErrNotSuspended), ctx.Err() != nil:
			return
		case attempt >= c.config.ResumeAttempts:
			c.logger.Warn("giving up waterfall resume", zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		c.logger.Debug("waterfall resume failed", zap.Int("attempt", attempt), zap.Error(err))

		timer := time.NewTimer(c.config.ResumeBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cancelResume stops a pending waterfall resume and waits for it to exit.
func (c *Coordinator) cancelResume() {
	c.mu.Lock()
	cancel, done := c.resumeCancel, c.resumeDone
	c.resumeCancel = nil
	c.resumeDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
