package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
	"github.com/ssau-fiit/cloudocs-ot/internal/replica"
)

type fakeTarget struct {
	mu        sync.Mutex
	pending   *replica.Pending
	digest    *protocol.DigestReport
	resends   int
	recovered []error
	resendErr error
}

func (f *fakeTarget) Digest() (protocol.DigestReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.digest == nil {
		return protocol.DigestReport{}, false
	}
	return *f.digest, true
}

func (f *fakeTarget) Pending() (replica.Pending, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return replica.Pending{}, false
	}
	return *f.pending, true
}

func (f *fakeTarget) ResendPending() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resends++
	f.pending.Attempts++
	return f.resendErr
}

func (f *fakeTarget) RequestRecovery(reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, reason)
	f.pending = &replica.Pending{SentAt: f.pending.SentAt, Recovering: true}
	return nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func clock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestTickReportsDigestWhenIdle(t *testing.T) {
	target := &fakeTarget{digest: &protocol.DigestReport{DocumentID: "doc", Digest: 42}}
	var reports []protocol.DigestReport
	w := New(target, Config{Report: func(r protocol.DigestReport) error {
		reports = append(reports, r)
		return nil
	}})

	w.Tick()
	w.Tick()
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(42), reports[0].Digest)
	assert.Equal(t, 2, w.Ticks())
}

func TestTickWaitsForAckTimeout(t *testing.T) {
	now := epoch
	target := &fakeTarget{
		pending: &replica.Pending{SentAt: epoch},
		digest:  &protocol.DigestReport{},
	}
	reported := false
	w := New(target, Config{
		AckTimeout: time.Second,
		Now:        clock(&now),
		Report:     func(protocol.DigestReport) error { reported = true; return nil },
	})

	now = epoch.Add(500 * time.Millisecond)
	w.Tick()
	assert.Zero(t, target.resends)
	assert.False(t, reported, "no digest while an edit is in flight")

	now = epoch.Add(time.Second)
	w.Tick()
	assert.Equal(t, 1, target.resends)
}

func TestTickEscalatesToRecovery(t *testing.T) {
	now := epoch.Add(time.Minute)
	target := &fakeTarget{pending: &replica.Pending{SentAt: epoch}}
	w := New(target, Config{AckTimeout: time.Second, MaxRetries: 2, Now: clock(&now)})

	w.Tick()
	w.Tick()
	assert.Equal(t, 2, target.resends)
	assert.Empty(t, target.recovered)

	w.Tick()
	require.Len(t, target.recovered, 1)
	assert.ErrorIs(t, target.recovered[0], ot.ErrAckTimeout)
	assert.True(t, ot.NeedsRecovery(target.recovered[0]))
}

func TestTickReportsRecoveryFailure(t *testing.T) {
	now := epoch.Add(time.Minute)
	target := &fakeTarget{pending: &replica.Pending{SentAt: epoch, Recovering: true}}
	var failures []error
	w := New(target, Config{
		AckTimeout: time.Second,
		MaxRetries: 1,
		Now:        clock(&now),
		OnFailure:  func(err error) { failures = append(failures, err) },
	})

	w.Tick()
	assert.Equal(t, 1, target.resends)
	assert.Empty(t, failures)

	w.Tick()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], replica.ErrRecoveryFailed)
}

func TestTickReportsSendFailureWhileRecovering(t *testing.T) {
	now := epoch.Add(time.Minute)
	broken := errors.New("connection reset")
	target := &fakeTarget{
		pending:   &replica.Pending{SentAt: epoch, Recovering: true},
		resendErr: broken,
	}
	var failures []error
	w := New(target, Config{Now: clock(&now), OnFailure: func(err error) { failures = append(failures, err) }})

	w.Tick()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], broken)
}

func TestStartStop(t *testing.T) {
	target := &fakeTarget{}
	w := New(target, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return w.Ticks() >= 3 }, time.Second, 5*time.Millisecond)
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		w := New(&fakeTarget{}, Config{Interval: time.Millisecond})
		done := make(chan struct{})
		go func() {
			w.Start(context.Background())
			close(done)
		}()
		w.Stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("watchdog did not stop")
		}
	}

	w := New(&fakeTarget{}, Config{Interval: time.Millisecond})
	w.Stop()
	w.Start(context.Background())
	assert.Zero(t, w.Ticks())
}

func TestResendWaitGrows(t *testing.T) {
	now := epoch
	target := &fakeTarget{pending: &replica.Pending{SentAt: epoch}}
	w := New(target, Config{AckTimeout: time.Second, MaxRetries: 5, Now: clock(&now)})

	now = epoch.Add(time.Second)
	w.Tick()
	require.Equal(t, 1, target.resends)

	// The second resend waits twice as long.
	target.pending.SentAt = now
	now = now.Add(1500 * time.Millisecond)
	w.Tick()
	assert.Equal(t, 1, target.resends)
	now = now.Add(500 * time.Millisecond)
	w.Tick()
	assert.Equal(t, 2, target.resends)
}
