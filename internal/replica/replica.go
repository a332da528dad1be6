// Package replica implements the participant side of a shared document: the
// local copy of the text, the queue of unacknowledged edits and the state
// machine that transforms remote edits against them.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
)

// State is the replica's position in the edit protocol.
type State int

const (
	// Idle means no local edit is waiting for acknowledgment.
	Idle State = iota
	// AwaitingAck means one local edit was sent and not yet acknowledged.
	AwaitingAck
	// Recovering means a resync was requested and local edits are held back.
	Recovering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAck:
		return "awaiting-ack"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy selects what GenerateLocal does while the replica is not Idle.
type Policy int

const (
	// Buffer applies the edit locally and sends it once the in-flight edit
	// is acknowledged. Edits buffered while Recovering are discarded by the
	// resync.
	Buffer Policy = iota
	// Reject returns ErrBusy or ErrRecovering.
	Reject
	// Block waits until the replica is Idle or the context is done.
	Block
)

var (
	ErrBusy           = errors.New("replica: edit already in flight")
	ErrRecovering     = errors.New("replica: resync in progress")
	ErrClosed         = errors.New("replica: closed")
	ErrRecoveryFailed = errors.New("replica: recovery failed")
)

// Config wires a replica to its host editor and transport.
//
// Send, OnApply and OnReset are called with the replica locked, in protocol
// order. They must not call back into the replica.
type Config struct {
	Policy Policy
	// Send delivers a message to the mediator. Delivery must be FIFO.
	Send func(protocol.Message) error
	// OnApply receives every transformed remote operation, in order.
	OnApply func(ot.Operation)
	// OnReset receives the full text after a resync.
	OnReset func(text string)
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Pending describes the message the replica is waiting on.
type Pending struct {
	SentAt     time.Time
	Attempts   int
	Recovering bool
}

// Replica is one participant's copy of a document.
type Replica struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	doc  string
	site ot.SiteID

	state    State
	text     string
	ts       ot.Timestamp
	queue    Queue
	sentAt   time.Time
	attempts int
	idle     chan struct{} // closed while Idle
	closed   bool
}

// New creates a replica from the snapshot the mediator sent on join.
func New(cfg Config, snap protocol.Snapshot) (*Replica, error) {
	if cfg.Send == nil {
		return nil, errors.New("replica: Send is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	idle := make(chan struct{})
	close(idle)
	return &Replica{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("document", snap.DocumentID).
			Uint32("site", uint32(snap.OriginatorID)).
			Logger(),
		doc:   snap.DocumentID,
		site:  snap.OriginatorID,
		state: Idle,
		text:  snap.FullText,
		ts:    snap.Timestamp.Mirror(),
		idle:  idle,
	}, nil
}

func (r *Replica) Site() ot.SiteID { return r.site }

func (r *Replica) Document() string { return r.doc }

func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

func (r *Replica) Timestamp() ot.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ts
}

func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outstanding returns the number of sent but unacknowledged requests.
func (r *Replica) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queue.InFlight(); ok {
		return 1
	}
	return 0
}

// Queued returns the number of local edits not yet acknowledged, sent or not.
func (r *Replica) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// GenerateLocal records an edit the host editor already made to its buffer.
// The edit is sent right away when the replica is Idle; otherwise the
// configured Policy applies. Transport errors are not returned: the watchdog
// resends unacknowledged edits.
func (r *Replica) GenerateLocal(ctx context.Context, op ot.Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ot.ErrInvalidOperation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Policy == Block {
		for r.state != Idle && !r.closed {
			idle := r.idle
			r.mu.Unlock()
			select {
			case <-idle:
			case <-ctx.Done():
				r.mu.Lock()
				return ctx.Err()
			}
			r.mu.Lock()
		}
	}
	if r.closed {
		return ErrClosed
	}

	op = ot.Normalize(op)
	if ot.IsNoOp(op) {
		return nil
	}
	if r.cfg.Policy == Reject {
		switch r.state {
		case AwaitingAck:
			return ErrBusy
		case Recovering:
			return ErrRecovering
		}
	}

	next, err := ot.Apply(r.text, op)
	if err != nil {
		// The host's buffer no longer matches ours.
		if rerr := r.recoverLocked(err); rerr != nil {
			return rerr
		}
		return err
	}
	r.text = next
	r.queue.push(op)

	if r.state == Idle {
		r.sendHeadLocked()
	}
	return nil
}

// Handle dispatches a message received from the mediator.
func (r *Replica) Handle(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.EditRequest:
		return r.ReceiveRemote(m)
	case protocol.EditAck:
		return r.ReceiveAck(m)
	case protocol.RecoveryPush:
		return r.Resync(m)
	case protocol.ErrorMessage:
		return fmt.Errorf("mediator: %s", m.Message)
	default:
		r.log.Debug().Str("kind", string(msg.Kind())).Msg("ignoring message")
		return nil
	}
}

// ReceiveRemote applies an edit relayed by the mediator. The edit is
// transformed against every queued local edit; the queue is rebased onto it.
// Protocol violations start a recovery instead of touching the document.
func (r *Replica) ReceiveRemote(m protocol.EditRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.state == Recovering {
		r.log.Debug().Stringer("ts", m.Timestamp).Msg("dropping edit during resync")
		return nil
	}
	if drop, err := r.checkEpoch(m.Timestamp); drop || err != nil {
		return err
	}

	switch {
	case m.Timestamp.Local < r.ts.Remote:
		r.log.Debug().Stringer("ts", m.Timestamp).Msg("dropping duplicate edit")
		return nil
	case m.Timestamp.Local > r.ts.Remote:
		return r.recoverLocked(fmt.Errorf("%w: remote edit %d, expected %d",
			ot.ErrTimestampGap, m.Timestamp.Local, r.ts.Remote))
	}
	if acked := r.ackedLocked(); m.Timestamp.Remote != acked {
		return r.recoverLocked(fmt.Errorf("%w: remote edit saw %d local edits, %d acknowledged",
			ot.ErrTimestampGap, m.Timestamp.Remote, acked))
	}

	req, err := m.Request()
	if err != nil {
		return r.recoverLocked(err)
	}
	base := utf8.RuneCountInString(r.text) - r.queue.delta()
	if err := ot.Validate(req.Op, base); err != nil {
		return r.recoverLocked(err)
	}
	op, rebased, err := r.queue.transform(req.Op, req.Origin, r.site)
	if err != nil {
		return r.recoverLocked(err)
	}
	next, err := ot.Apply(r.text, op)
	if err != nil {
		return r.recoverLocked(err)
	}

	r.text = next
	r.queue.entries = rebased
	r.ts = r.ts.NextRemote()

	r.log.Debug().
		Stringer("op", req.Op).
		Stringer("applied", op).
		Uint32("origin", uint32(req.Origin)).
		Msg("applied remote edit")
	if r.cfg.OnApply != nil && !ot.IsNoOp(op) {
		r.cfg.OnApply(op)
	}
	return nil
}

// ReceiveAck completes the in-flight edit and sends the next buffered one.
func (r *Replica) ReceiveAck(m protocol.EditAck) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.state == Recovering {
		return nil
	}
	if drop, err := r.checkEpoch(m.Timestamp); drop || err != nil {
		return err
	}

	acked := r.ackedLocked()
	if m.Timestamp.Remote <= acked {
		r.log.Debug().Stringer("ts", m.Timestamp).Msg("dropping duplicate ack")
		return nil
	}
	if _, ok := r.queue.InFlight(); !ok || m.Timestamp.Remote > acked+1 {
		return r.recoverLocked(fmt.Errorf("%w: ack for edit %d, %d acknowledged",
			ot.ErrTimestampGap, m.Timestamp.Remote, acked))
	}
	if m.Timestamp.Local != r.ts.Remote {
		return r.recoverLocked(fmt.Errorf("%w: ack after %d remote edits, applied %d",
			ot.ErrTimestampGap, m.Timestamp.Local, r.ts.Remote))
	}

	r.queue.pop()
	r.attempts = 0
	if r.queue.Len() > 0 {
		r.sendHeadLocked()
		return nil
	}
	r.setState(Idle)
	return nil
}

// RequestRecovery asks the mediator for a full resync. Local edits are held
// back until the resync arrives.
func (r *Replica) RequestRecovery(reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.recoverLocked(reason)
}

// Resync replaces the document, the timestamp and the queue with the
// mediator's authoritative state. Pushes that were already applied are
// ignored, so applying the same push twice is harmless.
func (r *Replica) Resync(push protocol.RecoveryPush) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if push.Timestamp.Epoch <= r.ts.Epoch {
		r.log.Debug().Stringer("ts", push.Timestamp).Msg("ignoring stale resync")
		return nil
	}

	r.log.Info().
		Str("reason", push.Reason).
		Int("discarded", r.queue.Len()).
		Stringer("ts", push.Timestamp).
		Msg("resynced document")

	r.text = push.FullText
	r.ts = push.Timestamp.Mirror()
	r.queue.clear()
	r.attempts = 0
	r.setState(Idle)
	if r.cfg.OnReset != nil {
		r.cfg.OnReset(r.text)
	}
	return nil
}

// Digest reports the replica's digest. It is only meaningful, and only
// returned, when no local edit is outstanding.
func (r *Replica) Digest() (protocol.DigestReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.state != Idle || r.queue.Len() > 0 {
		return protocol.DigestReport{}, false
	}
	d := ot.DigestOf(r.text)
	return protocol.DigestReport{
		DocumentID:     r.doc,
		OriginatorID:   r.site,
		Timestamp:      r.ts,
		Digest:         d.Sum,
		DocumentLength: d.Length,
	}, true
}

// Pending returns what the replica is waiting for, if anything.
func (r *Replica) Pending() (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case AwaitingAck, Recovering:
		return Pending{SentAt: r.sentAt, Attempts: r.attempts, Recovering: r.state == Recovering}, true
	default:
		return Pending{}, false
	}
}

// ResendPending sends the in-flight request again, or repeats the recovery
// request while recovering. The mediator drops duplicates by timestamp.
func (r *Replica) ResendPending() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	switch r.state {
	case AwaitingAck:
		req, ok := r.queue.InFlight()
		if !ok {
			return nil
		}
		r.attempts++
		r.sentAt = r.cfg.Now()
		r.log.Debug().Int("attempt", r.attempts).Stringer("ts", req.Timestamp).Msg("resending edit")
		return r.cfg.Send(protocol.NewEditRequest(r.doc, req))
	case Recovering:
		r.attempts++
		r.sentAt = r.cfg.Now()
		return r.sendRecoveryLocked("retry")
	default:
		return nil
	}
}

// Close drops all local state. Blocked GenerateLocal calls return ErrClosed.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.queue.clear()
	r.setState(Idle)
}

func (r *Replica) sendHeadLocked() {
	req := ot.Request{Op: r.queue.entries[0].op, Timestamp: r.ts, Origin: r.site}
	r.queue.entries[0].sent = &req
	r.ts = r.ts.NextLocal()
	r.sentAt = r.cfg.Now()
	r.attempts = 0
	r.setState(AwaitingAck)

	if err := r.cfg.Send(protocol.NewEditRequest(r.doc, req)); err != nil {
		r.log.Warn().Err(err).Stringer("ts", req.Timestamp).Msg("failed to send edit")
	}
}

func (r *Replica) recoverLocked(reason error) error {
	if r.state != Recovering {
		r.log.Warn().Err(reason).Stringer("ts", r.ts).Msg("requesting resync")
		r.setState(Recovering)
	}
	r.sentAt = r.cfg.Now()
	r.attempts = 0
	return r.sendRecoveryLocked(reason.Error())
}

func (r *Replica) sendRecoveryLocked(reason string) error {
	err := r.cfg.Send(protocol.RecoveryRequest{
		DocumentID:   r.doc,
		OriginatorID: r.site,
		Timestamp:    r.ts,
		Reason:       reason,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	return nil
}

// checkEpoch drops messages from before the last resync. A message from a
// later epoch than ours cannot happen on a FIFO channel.
func (r *Replica) checkEpoch(ts ot.Timestamp) (drop bool, err error) {
	switch {
	case ts.Epoch < r.ts.Epoch:
		r.log.Debug().Stringer("ts", ts).Msg("dropping message from previous epoch")
		return true, nil
	case ts.Epoch > r.ts.Epoch:
		return true, r.recoverLocked(fmt.Errorf("%w: epoch %d ahead of %d", ot.ErrTimestampGap, ts.Epoch, r.ts.Epoch))
	}
	return false, nil
}

// ackedLocked is the number of local edits the mediator has acknowledged.
func (r *Replica) ackedLocked() uint64 {
	if _, ok := r.queue.InFlight(); ok {
		return r.ts.Local - 1
	}
	return r.ts.Local
}

func (r *Replica) setState(s State) {
	if s == r.state {
		return
	}
	if r.state == Idle {
		r.idle = make(chan struct{})
	}
	r.state = s
	if s == Idle {
		close(r.idle)
	}
}
