// Package mediator implements the relay that serializes edits for documents
// with more than two participants.
//
// The mediator keeps one slot per participant and runs the two-party protocol
// with each of them: an incoming edit is transformed against the edits that
// were relayed to its author but that the author had not seen, applied to the
// authoritative text, relayed to every other participant and acknowledged.
// Every pairwise interaction is therefore the two-party case, with the
// mediator as the single point where edits from different participants are
// ordered.
package mediator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
	"github.com/ssau-fiit/cloudocs-ot/internal/protocol"
)

var (
	ErrParticipantExists  = errors.New("mediator: participant already joined")
	ErrUnknownParticipant = errors.New("mediator: unknown participant")
	ErrSiteMismatch       = errors.New("mediator: originator does not match connection")
)

// Sender delivers messages to participants. It is called with the document
// locked, in the order messages must arrive, and must not block.
type Sender interface {
	Send(to ot.SiteID, msg protocol.Message)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(to ot.SiteID, msg protocol.Message)

func (f SenderFunc) Send(to ot.SiteID, msg protocol.Message) { f(to, msg) }

// Config tunes every mediator created by a Hub.
type Config struct {
	// DigestHistory is how many past states per participant can be checked
	// against a digest report.
	DigestHistory int
	// MaxPending bounds the relayed edits a participant may leave
	// unconfirmed before it is resynced.
	MaxPending int
	Logger     zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.DigestHistory <= 0 {
		c.DigestHistory = 256
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 4096
	}
	return c
}

// Mediator owns the authoritative text of one document.
type Mediator struct {
	mu     sync.Mutex
	id     string
	cfg    Config
	log    zerolog.Logger
	sender Sender

	text     string
	revision uint64
	saved    uint64
	slots    map[ot.SiteID]*slot
	nextSite ot.SiteID
}

// New creates a mediator for document id starting from text at revision.
func New(id, text string, revision uint64, sender Sender, cfg Config) *Mediator {
	cfg = cfg.withDefaults()
	return &Mediator{
		id:       id,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("document", id).Logger(),
		sender:   sender,
		text:     text,
		revision: revision,
		saved:    revision,
		slots:    make(map[ot.SiteID]*slot),
		nextSite: 1,
	}
}

func (m *Mediator) ID() string { return m.id }

// Text returns the authoritative text and its revision.
func (m *Mediator) Text() (string, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, m.revision
}

// Participants returns the joined sites in ascending order.
func (m *Mediator) Participants() []ot.SiteID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participantsLocked()
}

func (m *Mediator) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Join adds a participant and sends it the current text with a fresh
// timestamp. Site 0 picks the next free id.
func (m *Mediator) Join(site ot.SiteID) (protocol.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if site == 0 {
		for m.slots[m.nextSite] != nil {
			m.nextSite++
		}
		site = m.nextSite
	}
	if _, ok := m.slots[site]; ok {
		return protocol.Snapshot{}, fmt.Errorf("%w: %d", ErrParticipantExists, site)
	}
	if site >= m.nextSite {
		m.nextSite = site + 1
	}

	s := newSlot(site, ot.Timestamp{}, m.cfg.DigestHistory)
	s.record(ot.DigestOf(m.text))
	m.slots[site] = s

	snap := protocol.Snapshot{
		DocumentID:   m.id,
		OriginatorID: site,
		FullText:     m.text,
		Timestamp:    s.ts,
		Revision:     m.revision,
		Participants: m.participantsLocked(),
	}
	m.sender.Send(site, snap)
	m.log.Info().Uint32("site", uint32(site)).Int("participants", len(m.slots)).Msg("participant joined")
	return snap, nil
}

// Leave discards a participant's slot. Edits already relayed on its behalf
// stay valid for everyone else.
func (m *Mediator) Leave(site ot.SiteID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[site]; !ok {
		return false
	}
	delete(m.slots, site)
	m.log.Info().Uint32("site", uint32(site)).Int("participants", len(m.slots)).Msg("participant left")
	return true
}

// Handle dispatches a message received on site's channel.
func (m *Mediator) Handle(site ot.SiteID, msg protocol.Message) error {
	switch v := msg.(type) {
	case protocol.EditRequest:
		if v.OriginatorID != site {
			return fmt.Errorf("%w: %d on channel of %d", ErrSiteMismatch, v.OriginatorID, site)
		}
		return m.HandleEdit(site, v)
	case protocol.DigestReport:
		return m.HandleDigest(site, v)
	case protocol.RecoveryRequest:
		return m.HandleRecovery(site, v)
	case protocol.Leave:
		m.Leave(site)
		return nil
	default:
		return fmt.Errorf("mediator: unexpected %s message", msg.Kind())
	}
}

// HandleEdit serializes one edit from site. Duplicates are acknowledged
// again without being applied; anything inconsistent resyncs the sender and
// leaves the document untouched.
func (m *Mediator) HandleEdit(site ot.SiteID, msg protocol.EditRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[site]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, site)
	}
	ts := msg.Timestamp
	switch {
	case ts.Epoch < s.ts.Epoch:
		m.log.Debug().Uint32("site", uint32(site)).Stringer("ts", ts).Msg("dropping edit from previous epoch")
		return nil
	case ts.Epoch > s.ts.Epoch:
		return m.recoverLocked(s, fmt.Errorf("%w: epoch %d ahead of %d", ot.ErrTimestampGap, ts.Epoch, s.ts.Epoch))
	}
	switch {
	case ts.Local < s.ts.Remote:
		m.log.Debug().Uint32("site", uint32(site)).Stringer("ts", ts).Msg("acknowledging duplicate edit")
		m.sender.Send(site, protocol.EditAck{DocumentID: m.id, OriginatorID: site, Timestamp: s.ts})
		return nil
	case ts.Local > s.ts.Remote:
		return m.recoverLocked(s, fmt.Errorf("%w: edit %d, expected %d", ot.ErrTimestampGap, ts.Local, s.ts.Remote))
	}
	if ts.Remote > s.ts.Local {
		return m.recoverLocked(s, fmt.Errorf("%w: edit saw %d relayed edits, %d sent", ot.ErrTimestampGap, ts.Remote, s.ts.Local))
	}

	req, err := msg.Request()
	if err != nil {
		return m.recoverLocked(s, err)
	}
	s.prune(ts.Remote)
	if err := ot.Validate(req.Op, utf8.RuneCountInString(m.text)-s.pendingDelta()); err != nil {
		return m.recoverLocked(s, err)
	}

	op := req.Op
	rebased := make([]relayed, len(s.pending))
	for i, p := range s.pending {
		opp, pp, err := ot.TransformPair(op, p.op, ot.TieBreak(site, p.origin))
		if err != nil {
			return m.recoverLocked(s, err)
		}
		rebased[i] = relayed{index: p.index, op: pp, origin: p.origin}
		op = opp
	}
	next, err := ot.Apply(m.text, op)
	if err != nil {
		return m.recoverLocked(s, err)
	}

	s.pending = rebased
	s.ts = s.ts.NextRemote()
	changed := !ot.IsNoOp(op)
	if changed {
		m.text = next
		m.revision++
	}
	digest := ot.DigestOf(m.text)

	m.log.Debug().
		Uint32("site", uint32(site)).
		Stringer("op", req.Op).
		Stringer("applied", op).
		Uint64("revision", m.revision).
		Msg("serialized edit")

	if changed {
		for _, to := range m.participantsLocked() {
			if to != site {
				m.relayLocked(m.slots[to], site, op, digest)
			}
		}
	}
	s.record(digest)
	m.sender.Send(site, protocol.EditAck{DocumentID: m.id, OriginatorID: site, Timestamp: s.ts})
	return nil
}

// HandleDigest compares a participant's digest with the state the mediator
// had at the same counters. Reports older than the recorded history are
// ignored.
func (m *Mediator) HandleDigest(site ot.SiteID, rep protocol.DigestReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[site]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, site)
	}
	ts := rep.Timestamp
	if ts.Epoch != s.ts.Epoch {
		return nil
	}
	if ts.Remote > s.ts.Local || ts.Local > s.ts.Remote {
		return m.recoverLocked(s, fmt.Errorf("%w: digest at %v, slot at %v", ot.ErrTimestampGap, ts, s.ts))
	}
	s.prune(ts.Remote)

	want, ok := s.lookup(ts)
	if !ok {
		m.log.Debug().Uint32("site", uint32(site)).Stringer("ts", ts).Msg("no digest recorded for report")
		return nil
	}
	if got := rep.Value(); !want.Equal(got) {
		return m.recoverLocked(s, fmt.Errorf("%w: participant %v, mediator %v", ot.ErrDigestMismatch, got, want))
	}
	return nil
}

// HandleRecovery resyncs a participant on request. A request from before the
// latest resync means that push may have been lost. While nothing happened
// since, the same push is sent again; the participant ignores a push it
// already applied.
func (m *Mediator) HandleRecovery(site ot.SiteID, req protocol.RecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[site]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, site)
	}
	if req.Timestamp.Epoch < s.ts.Epoch && s.fresh() {
		m.log.Debug().Uint32("site", uint32(site)).Stringer("ts", s.ts).Msg("repeating resync")
		m.pushLocked(s, "repeated: "+req.Reason)
		return nil
	}
	return m.recoverLocked(s, fmt.Errorf("requested: %s", req.Reason))
}

// Resync pushes the authoritative text to site.
func (m *Mediator) Resync(site ot.SiteID, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[site]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParticipant, site)
	}
	return m.recoverLocked(s, reason)
}

// Shutdown tells every participant the document is gone and drops them.
func (m *Mediator) Shutdown(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, site := range m.participantsLocked() {
		m.sender.Send(site, protocol.ErrorMessage{DocumentID: m.id, Message: reason})
		delete(m.slots, site)
	}
}

// dirty returns the text when it changed since the last markSaved.
func (m *Mediator) dirty() (string, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, m.revision, m.revision != m.saved
}

func (m *Mediator) markSaved(revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revision > m.saved {
		m.saved = revision
	}
}

func (m *Mediator) relayLocked(to *slot, origin ot.SiteID, op ot.Operation, digest ot.Digest) {
	msg := protocol.EditRequest{
		DocumentID:   m.id,
		OriginatorID: origin,
		Timestamp:    to.ts,
		Operation:    protocol.EncodeOp(op),
	}
	to.pending = append(to.pending, relayed{index: to.ts.Local, op: op, origin: origin})
	to.ts = to.ts.NextLocal()
	to.record(digest)
	m.sender.Send(to.site, msg)

	if len(to.pending) > m.cfg.MaxPending {
		_ = m.recoverLocked(to, fmt.Errorf("%d relayed edits unconfirmed", len(to.pending)))
	}
}

// recoverLocked sends the authoritative state to s under a new epoch. The
// problem is handled, so it returns nil.
func (m *Mediator) recoverLocked(s *slot, reason error) error {
	s.reset(ot.DigestOf(m.text))
	m.log.Warn().
		Err(reason).
		Uint32("site", uint32(s.site)).
		Stringer("ts", s.ts).
		Msg("resyncing participant")
	m.pushLocked(s, reason.Error())
	return nil
}

func (m *Mediator) pushLocked(s *slot, reason string) {
	m.sender.Send(s.site, protocol.RecoveryPush{
		DocumentID:   m.id,
		OriginatorID: s.site,
		FullText:     m.text,
		Timestamp:    s.ts,
		Reason:       reason,
	})
}

func (m *Mediator) participantsLocked() []ot.SiteID {
	sites := make([]ot.SiteID, 0, len(m.slots))
	for site := range m.slots {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}
