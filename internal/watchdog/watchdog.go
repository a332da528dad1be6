// Package watchdog runs the periodic consistency check of a replica.
//
// Every tick the watchdog looks at what the replica is waiting for. An
// acknowledgment that is overdue gets the same request resent, up to a retry
// limit, after which the replica is asked to resync. The wait between resends
// grows exponentially from the ack timeout. A replica that is not
// waiting on anything reports its document digest so the mediator can detect
// silent divergence. The loop runs on its own ticker, independent of edit
// traffic.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
	"github.com/ssau-fiit/cloudocs-ot/internal/replica"
)

// Target is the replica being watched.
type Target interface {
	Digest() (protocol.DigestReport, bool)
	Pending() (replica.Pending, bool)
	ResendPending() error
	RequestRecovery(reason error) error
}

// Config configures a Watchdog.
type Config struct {
	// Interval between ticks. Defaults to one second.
	Interval time.Duration
	// AckTimeout is how long a request may go unanswered before it is
	// resent the first time. Defaults to five seconds.
	AckTimeout time.Duration
	// MaxBackoff caps the wait between resends. Defaults to eight times
	// AckTimeout.
	MaxBackoff time.Duration
	// MaxRetries is how many times an edit or a recovery request is resent.
	// Defaults to three.
	MaxRetries int
	// Report delivers a digest report to the mediator.
	Report func(protocol.DigestReport) error
	// OnFailure is called when recovery itself fails.
	OnFailure func(error)
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxBackoff < c.AckTimeout {
		c.MaxBackoff = 8 * c.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Watchdog checks one Target periodically.
type Watchdog struct {
	target Target
	cfg    Config
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	runs    int
	backoff *backoff.ExponentialBackOff
	wait    time.Duration
}

// New creates a watchdog for target. Call Start to run it.
func New(target Target, cfg Config) *Watchdog {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.AckTimeout
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Watchdog{
		target:  target,
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		backoff: b,
		wait:    b.NextBackOff(),
	}
}

// Start runs the loop until ctx is done or Stop is called. It blocks. Start
// after Stop returns at once.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Debug().Dur("interval", w.cfg.Interval).Msg("watchdog started")
	for {
		select {
		case <-ticker.C:
			w.Tick()
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// Stop ends the loop and waits for it to return.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
}

// Ticks returns how many checks have run.
func (w *Watchdog) Ticks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// Tick runs one check. Ticks must not run concurrently.
func (w *Watchdog) Tick() {
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()

	if p, ok := w.target.Pending(); ok {
		w.checkPending(p)
		return
	}
	w.resetBackoff()

	rep, ok := w.target.Digest()
	if !ok || w.cfg.Report == nil {
		return
	}
	if err := w.cfg.Report(rep); err != nil {
		w.log.Warn().Err(err).Stringer("ts", rep.Timestamp).Msg("failed to report digest")
	}
}

func (w *Watchdog) checkPending(p replica.Pending) {
	if p.Attempts == 0 {
		// A new request, or a recovery that replaced the old one.
		w.resetBackoff()
	}
	waited := w.cfg.Now().Sub(p.SentAt)
	if waited < w.wait {
		return
	}
	w.wait = w.backoff.NextBackOff()

	if p.Recovering {
		if p.Attempts >= w.cfg.MaxRetries {
			w.fail(fmt.Errorf("%w: no resync after %d attempts", replica.ErrRecoveryFailed, p.Attempts+1))
			return
		}
		w.log.Debug().Int("attempt", p.Attempts+1).Msg("repeating recovery request")
		if err := w.target.ResendPending(); err != nil {
			w.fail(err)
		}
		return
	}

	if p.Attempts < w.cfg.MaxRetries {
		if err := w.target.ResendPending(); err != nil {
			w.log.Warn().Err(err).Msg("failed to resend edit")
		}
		return
	}
	reason := fmt.Errorf("%w: waited %s after %d resends", ot.ErrAckTimeout, waited, p.Attempts)
	if err := w.target.RequestRecovery(reason); err != nil {
		w.fail(err)
	}
}

func (w *Watchdog) resetBackoff() {
	w.backoff.Reset()
	w.wait = w.backoff.NextBackOff()
}

func (w *Watchdog) fail(err error) {
	w.log.Error().Err(err).Msg("recovery failed")
	if w.cfg.OnFailure != nil && !errors.Is(err, replica.ErrClosed) {
		w.cfg.OnFailure(err)
	}
}
