package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// attemptOutcome is the result of one channel recovery attempt.
type attemptOutcome int

const (
	outcomeRetry   attemptOutcome = iota // try the next attempt
	outcomeDone                          // channel restored
	outcomeAborted                       // publisher shut down mid-recovery
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherNotReady      = errors.New("publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrRearmAfterClose        = errors.New("cannot rearm: publisher was explicitly closed")
	ErrRearmWhileOpen         = errors.New("cannot rearm: publisher is still open, call Close first")
	ErrRecoveryExhausted      = errors.New("automatic recovery exhausted all attempts")
)

const (
	// DefaultConfirmTimeout bounds the wait for each broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer sizes the confirmation channel. Must cover the
	// maximum number of unconfirmed messages or the driver blocks.
	confirmChannelBuffer = 256

	// DefaultRecoveryAttempts is how many times recovery redials before the
	// publisher goes down for good.
	DefaultRecoveryAttempts = 10

	// DefaultRecoveryDelay is the first pause between recovery attempts.
	DefaultRecoveryDelay = 1 * time.Second

	// DefaultRecoveryCeiling caps the pause between recovery attempts.
	DefaultRecoveryCeiling = 30 * time.Second
)

// PublisherState is the publisher's connection state.
type PublisherState int

const (
	// StateReady means the publisher holds a live confirm-mode channel.
	StateReady PublisherState = iota

	// StateRecovering means the channel closed and the publisher is working
	// through its channel source to obtain a fresh one.
	StateRecovering

	// StateDown means the publisher cannot publish: either recovery ran out
	// of attempts or no channel source was configured. Rearm or a new
	// publisher is required.
	StateDown
)

// String returns the state name.
func (s PublisherState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// ChannelSource produces a fresh dedicated channel for recovery. The channel
// must not be shared with other publishers; confirm delivery tags are
// ordered per channel.
type ChannelSource func(ctx context.Context) (ConfirmChannel, error)

// StateCallback observes publisher state transitions.
type StateCallback func(PublisherState)

// recoverySettings is the recovery plan. nil means losing the channel
// permanently downs the publisher.
type recoverySettings struct {
	source   ChannelSource
	onState  StateCallback
	attempts int
	delay    time.Duration
	ceiling  time.Duration
}

// errRecoveryAborted signals the publisher began shutting down while a
// recovery pause was in progress.
var errRecoveryAborted = errors.New("recovery aborted")

// recoveryPacer spaces recovery attempts on a backoff scheduler whose delay
// primitive watches the publisher's stop signal. One pacer serves one
// recovery episode: the first wait passes immediately and later waits ramp
// from the configured initial delay up to the ceiling, jittered so multiple
// recovering publishers do not reconnect in lockstep.
type recoveryPacer struct {
	sched  *backoff.Scheduler
	waited time.Duration
}

func newRecoveryPacer(initial, ceiling time.Duration, stop <-chan struct{}) *recoveryPacer {
	pacer := &recoveryPacer{}

	sched, err := backoff.NewScheduler(
		backoff.WithInitialDelay(initial),
		backoff.WithFactor(2.0),
		backoff.WithMaxDelay(ceiling),
		backoff.WithDelayFunc(func(ctx context.Context, delay time.Duration) error {
			pacer.waited = delay
			if delay <= 0 {
				return nil
			}

			timer := time.NewTimer(delay)
			defer timer.Stop()

			select {
			case <-timer.C:
				return nil
			case <-stop:
				return errRecoveryAborted
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	if err != nil {
		// Unreachable while the recovery options validate their bounds; a
		// nil scheduler leaves recovery unpaced rather than blocked.
		return pacer
	}

	pacer.sched = sched

	return pacer
}

// wait parks until the next attempt may run. Any error means the wait was
// interrupted and recovery should stop.
func (p *recoveryPacer) wait() error {
	if p.sched == nil {
		return nil
	}

	return p.sched.Wait(context.Background())
}

// ConfirmChannel is the slice of the AMQP channel API the publisher needs.
// *amqp.Channel satisfies it.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// Publisher publishes with broker confirms on a dedicated channel. Publish
// blocks until the broker acks, nacks, or the confirm timeout fires, and
// calls are serialized per publisher so confirms stay correlated without
// delivery-tag bookkeeping. Shard across publishers for throughput.
//
// With a channel source configured, a closed channel triggers automatic
// recovery with paced attempts. Without one the publisher goes down and
// stays down until Rearm.
type Publisher struct {
	ch             ConfirmChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      *sync.Once
	done           chan struct{}
	logger         libLog.Logger
	confirmTimeout time.Duration
	badTimeout     struct {
		set   bool
		value time.Duration
	}
	recovery  *recoverySettings
	mu        sync.RWMutex
	publishMu sync.Mutex
	state     PublisherState
	closed    bool
	shutdown  bool
	exhausted bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets a structured logger for the publisher.
func WithLogger(logger libLog.Logger) PublisherOption {
	return func(pub *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
			pub.badTimeout.set = false
			pub.badTimeout.value = 0

			return
		}

		pub.badTimeout.set = true
		pub.badTimeout.value = timeout
	}
}

// WithChannelSource enables automatic recovery through src when the current
// channel closes.
func WithChannelSource(src ChannelSource) PublisherOption {
	return func(pub *Publisher) {
		if src == nil {
			return
		}

		ensureRecovery(pub)

		pub.recovery.source = src
	}
}

// WithRecoveryAttempts sets the maximum consecutive recovery attempts.
func WithRecoveryAttempts(attempts int) PublisherOption {
	return func(pub *Publisher) {
		if attempts <= 0 {
			return
		}

		ensureRecovery(pub)

		pub.recovery.attempts = attempts
	}
}

// WithRecoveryDelays sets the initial and maximum pause between recovery
// attempts.
func WithRecoveryDelays(initial, ceiling time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if initial <= 0 || ceiling <= 0 {
			return
		}

		if initial > ceiling {
			logLine(
				pub.logger,
				libLog.LevelWarn,
				fmt.Sprintf("rabbitmq: ignoring invalid recovery delays initial=%v ceiling=%v", initial, ceiling),
			)

			return
		}

		ensureRecovery(pub)

		pub.recovery.delay = initial
		pub.recovery.ceiling = ceiling
	}
}

// WithStateCallback registers a callback for publisher state changes.
func WithStateCallback(fn StateCallback) PublisherOption {
	return func(pub *Publisher) {
		if fn == nil {
			return
		}

		ensureRecovery(pub)

		pub.recovery.onState = fn
	}
}

// NewPublisher opens a dedicated confirm-mode channel on client and wires
// the client in as the channel source, so a lost channel recovers through
// the client's resolve path. The client's logger carries over unless
// WithLogger overrides it.
func NewPublisher(ctx context.Context, client *Client, opts ...PublisherOption) (*Publisher, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ch, err := client.DedicatedChannel(ctx)
	if err != nil {
		return nil, err
	}

	source := func(ctx context.Context) (ConfirmChannel, error) {
		return client.DedicatedChannel(ctx)
	}

	wired := make([]PublisherOption, 0, len(opts)+2)
	wired = append(wired, WithLogger(client.cfg.Logger), WithChannelSource(source))
	wired = append(wired, opts...)

	return NewPublisherFromChannel(ch, wired...)
}

// NewPublisherFromChannel creates a publisher from an existing channel. The
// publisher owns the channel from here on. Without a WithChannelSource
// option there is no automatic recovery.
func NewPublisherFromChannel(ch ConfirmChannel, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub := &Publisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		closeOnce:      &sync.Once{},
		done:           make(chan struct{}),
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		state:          StateReady,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.warnDeferredOptions()

	pub.watchChannel(closeNotify)

	return pub, nil
}

// watchChannel launches a goroutine that reacts to channel close events.
func (pub *Publisher) watchChannel(closeNotify chan *amqp.Error) {
	watchDone := pub.done
	watchLogger := pub.logger

	runtime.SafeGo(watchLogger, "publisher-channel-watch", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			pub.channelLost(amqpErr)
		case <-watchDone:
			return
		}
	})
}

// channelLost records the closure and either starts recovery or downs the
// publisher.
func (pub *Publisher) channelLost(amqpErr *amqp.Error) {
	pub.mu.Lock()
	pub.ensureSignalsLocked()
	lostOnce := pub.closeOnce
	lostClosed := pub.closedCh
	canRecover := pub.recovery != nil && pub.recovery.source != nil
	pub.closed = true
	pub.mu.Unlock()

	lostOnce.Do(func() { close(lostClosed) })

	if canRecover {
		pub.runRecovery(amqpErr)

		return
	}

	pub.emitState(StateDown)
}

// runRecovery drives one recovery episode: detach the lost channel, then
// paced attempts against the channel source until one sticks or the
// attempt budget runs out.
func (pub *Publisher) runRecovery(amqpErr *amqp.Error) {
	pub.mu.RLock()
	recovery := pub.recovery
	logger := pub.logger
	pub.mu.RUnlock()

	if recovery == nil || recovery.source == nil {
		return
	}

	pub.emitState(StateRecovering)
	pub.logChannelLost(logger, amqpErr, recovery.attempts)

	if !pub.detachChannel() {
		logLine(logger, libLog.LevelInfo, "rabbitmq: recovery aborted, publisher is shutting down")
		pub.emitState(StateDown)

		return
	}

	pub.mu.RLock()
	stop := pub.done
	pub.mu.RUnlock()

	pacer := newRecoveryPacer(recovery.delay, recovery.ceiling, stop)

	for attempt := range recovery.attempts {
		outcome := pub.recoveryAttempt(recovery, pacer, logger, stop, attempt)
		if outcome == outcomeDone || outcome == outcomeAborted {
			return
		}
	}

	logLine(
		logger,
		libLog.LevelError,
		fmt.Sprintf("rabbitmq: recovery failed after %d attempts, publisher is down", recovery.attempts),
	)

	pub.mu.Lock()
	pub.exhausted = true
	pub.mu.Unlock()

	pub.emitState(StateDown)
}

func (pub *Publisher) logChannelLost(logger libLog.Logger, amqpErr *amqp.Error, attempts int) {
	if nilcheck.Interface(logger) {
		return
	}

	errMsg := "unknown"
	if amqpErr != nil {
		errMsg = sanitizeBrokerErr(amqpErr, "")
	}

	logger.Log(context.Background(), libLog.LevelWarn,
		fmt.Sprintf("rabbitmq: channel closed (%s), starting recovery (max %d attempts)", errMsg, attempts))
}

func (pub *Publisher) recoveryAttempt(
	recovery *recoverySettings,
	pacer *recoveryPacer,
	logger libLog.Logger,
	stop <-chan struct{},
	attempt int,
) attemptOutcome {
	select {
	case <-stop:
		logLine(logger, libLog.LevelInfo, "rabbitmq: recovery aborted (publisher closed externally)")
		pub.emitState(StateDown)

		return outcomeAborted
	default:
	}

	if aborted := pub.pauseBeforeAttempt(pacer, recovery, logger, attempt); aborted {
		return outcomeAborted
	}

	return pub.tryFreshChannel(recovery, logger, attempt)
}

// pauseBeforeAttempt parks until the pacer allows the next attempt and
// reports whether the publisher shut down mid-wait.
func (pub *Publisher) pauseBeforeAttempt(
	pacer *recoveryPacer,
	recovery *recoverySettings,
	logger libLog.Logger,
	attempt int,
) bool {
	if err := pacer.wait(); err != nil {
		logLine(logger, libLog.LevelInfo, "rabbitmq: recovery aborted during pause (publisher closed)")
		pub.emitState(StateDown)

		return true
	}

	logLine(
		logger,
		libLog.LevelInfo,
		fmt.Sprintf("rabbitmq: recovery attempt %d/%d, waited %v", attempt+1, recovery.attempts, pacer.waited),
	)

	return false
}

func (pub *Publisher) tryFreshChannel(
	recovery *recoverySettings,
	logger libLog.Logger,
	attempt int,
) attemptOutcome {
	freshCh, err := recovery.source(context.Background())
	if err != nil {
		logLine(
			logger,
			libLog.LevelWarn,
			fmt.Sprintf("rabbitmq: recovery attempt %d/%d failed: %s", attempt+1, recovery.attempts, sanitizeBrokerErr(err, "")),
		)

		return outcomeRetry
	}

	if err := pub.Rearm(freshCh); err != nil {
		logLine(
			logger,
			libLog.LevelWarn,
			fmt.Sprintf("rabbitmq: recovery attempt %d/%d rearm failed: %s", attempt+1, recovery.attempts, sanitizeBrokerErr(err, "")),
		)

		if !nilcheck.Interface(freshCh) {
			_ = freshCh.Close()
		}

		return outcomeRetry
	}

	logLine(
		logger,
		libLog.LevelInfo,
		fmt.Sprintf("rabbitmq: recovery succeeded on attempt %d/%d", attempt+1, recovery.attempts),
	)

	pub.emitState(StateReady)

	return outcomeDone
}

// detachChannel releases the lost channel and drains its confirm stream so
// the next channel starts clean. It reports false when the publisher is
// shutting down and recovery must not proceed.
func (pub *Publisher) detachChannel() bool {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	if pub.shutdown {
		pub.mu.Unlock()

		return false
	}

	currentCh := pub.ch
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout
	pub.ensureSignalsLocked()

	pub.closed = true
	pub.exhausted = false
	pub.ch = nil
	closeIfOpen(pub.done)
	pub.closeOnce.Do(func() { close(pub.closedCh) })
	pub.mu.Unlock()

	if !nilcheck.Interface(currentCh) {
		_ = currentCh.Close()
	}

	flushConfirms(confirms, confirmTimeout)

	pub.mu.Lock()
	pub.done = make(chan struct{})
	pub.mu.Unlock()

	return true
}

func (pub *Publisher) emitState(state PublisherState) {
	pub.mu.Lock()
	pub.state = state
	recovery := pub.recovery
	pub.mu.Unlock()

	if recovery == nil || recovery.onState == nil {
		return
	}

	recovery.onState(state)
}

// Publish sends a message and waits for the broker to confirm it.
//
// Calls are serialized per publisher instance to preserve confirm ordering
// without delivery-tag correlation state. A nack, a confirm timeout, or a
// context cancellation surfaces as an error; the latter two also discard
// the channel because the pending confirmation would desynchronize the
// next call.
func (pub *Publisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		exhausted := pub.exhausted
		pub.mu.RUnlock()

		if exhausted {
			return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
		}

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()
		return ErrPublisherNotReady
	}

	publishChannel := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := publishChannel.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := awaitConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && confirmStreamCorrupted(err) {
		// The pending confirmation would corrupt the next awaitConfirm call.
		// Discard the channel so the watch goroutine triggers recovery after
		// publishMu is released by the deferred unlock above.
		pub.discardChannel(publishChannel)
	}

	return err
}

// confirmStreamCorrupted reports whether the error leaves a stale entry in
// the confirm stream that would desynchronize the next awaitConfirm call.
func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// discardChannel marks the publisher as closed and closes the underlying
// AMQP channel. The close event propagates to the watch goroutine, which
// initiates recovery (when a source is configured) after the caller
// releases publishMu.
//
// Must be called while holding publishMu.
func (pub *Publisher) discardChannel(ch ConfirmChannel) {
	pub.mu.Lock()
	pub.ensureSignalsLocked()
	pub.closed = true
	pub.ch = nil
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	if !nilcheck.Interface(ch) {
		_ = ch.Close()
	}
}

func awaitConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close drains pending confirmations and permanently closes the publisher.
// After Close, Rearm is rejected and callers should create a new publisher.
func (pub *Publisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	pub.ensureSignalsLocked()

	if pub.shutdown {
		pub.mu.Unlock()

		return nil
	}

	pub.shutdown = true
	pub.closed = true
	pub.exhausted = false
	currentCh := pub.ch
	closeIfOpen(pub.done)
	pub.closeOnce.Do(func() { close(pub.closedCh) })
	pub.mu.Unlock()

	if !nilcheck.Interface(currentCh) {
		if err := currentCh.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	flushConfirms(pub.confirms, pub.confirmTimeout)
	pub.emitState(StateDown)

	return nil
}

// Rearm replaces the underlying AMQP channel with a fresh one.
//
// Caller contract:
//   - Rearm is only valid after an operational close (for example, a
//     recovery transition) when the publisher is closed but not shut down.
//   - After explicit Close, the publisher enters terminal shutdown and
//     Rearm returns ErrRearmAfterClose.
func (pub *Publisher) Rearm(ch ConfirmChannel) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if !pub.closed {
		return ErrRearmWhileOpen
	}

	if pub.shutdown {
		return ErrRearmAfterClose
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub.ch = ch
	pub.confirms = confirms
	pub.closedCh = make(chan struct{})

	pub.closeOnce = &sync.Once{}
	if pub.done == nil {
		pub.done = make(chan struct{})
	}

	pub.closed = false
	pub.exhausted = false

	pub.watchChannel(closeNotify)

	return nil
}

// Channel returns the underlying channel only when the publisher is ready.
func (pub *Publisher) Channel() (ConfirmChannel, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	if pub.closed {
		return nil, ErrPublisherClosed
	}

	if pub.ch == nil {
		return nil, ErrPublisherNotReady
	}

	return pub.ch, nil
}

// State returns the latest state snapshot.
func (pub *Publisher) State() PublisherState {
	if pub == nil {
		return StateDown
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.state
}

func ensureRecovery(pub *Publisher) {
	if pub.recovery != nil {
		return
	}

	pub.recovery = &recoverySettings{
		attempts: DefaultRecoveryAttempts,
		delay:    DefaultRecoveryDelay,
		ceiling:  DefaultRecoveryCeiling,
	}
}

func (pub *Publisher) warnDeferredOptions() {
	if !pub.badTimeout.set {
		return
	}

	logLine(pub.logger, libLog.LevelWarn,
		fmt.Sprintf("rabbitmq: ignoring invalid confirm timeout %v, using default", pub.badTimeout.value))
}

func (pub *Publisher) ensureSignalsLocked() {
	if pub.closeOnce == nil {
		pub.closeOnce = &sync.Once{}
	}

	if pub.closedCh == nil {
		pub.closedCh = make(chan struct{})
	}
}

func closeIfOpen(ch chan struct{}) {
	if ch == nil {
		return
	}

	select {
	case <-ch:
		return
	default:
		close(ch)
	}
}

// flushConfirms discards confirmations left over from a retired channel so
// they cannot be mistaken for the next channel's acks.
func flushConfirms(confirms <-chan amqp.Confirmation, timeout time.Duration) {
	if confirms == nil {
		return
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		case <-grace.C:
			return
		}
	}
}

func logLine(logger libLog.Logger, level libLog.Level, message string) {
	if nilcheck.Interface(logger) {
		return
	}

	logger.Log(context.Background(), level, message)
}
