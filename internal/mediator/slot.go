package mediator

import "github.com/ssau-fiit/cloudocs-ot/internal/ot"

// relayed is an edit sent to a participant that it has not confirmed seeing.
// op is kept in the context of the participant's next edit.
type relayed struct {
	index  uint64
	op     ot.Operation
	origin ot.SiteID
}

// digestKey identifies a point in a slot's history by its counters.
type digestKey struct {
	epoch  uint32
	local  uint64
	remote uint64
}

// slot is the mediator's half of the two-party protocol with one
// participant. ts is kept from the mediator's side: Local counts edits relayed
// to the participant, Remote counts edits received from it.
type slot struct {
	site    ot.SiteID
	ts      ot.Timestamp
	pending []relayed

	// digests remembers the document digest at recent counter values so a
	// participant's report can be compared with the state it describes.
	digests map[digestKey]ot.Digest
	order   []digestKey
	limit   int
}

func newSlot(site ot.SiteID, ts ot.Timestamp, limit int) *slot {
	return &slot{
		site:    site,
		ts:      ts,
		digests: make(map[digestKey]ot.Digest),
		limit:   limit,
	}
}

func (s *slot) key() digestKey {
	return digestKey{epoch: s.ts.Epoch, local: s.ts.Local, remote: s.ts.Remote}
}

func (s *slot) record(d ot.Digest) {
	k := s.key()
	if _, ok := s.digests[k]; !ok {
		s.order = append(s.order, k)
	}
	s.digests[k] = d
	for len(s.order) > s.limit {
		delete(s.digests, s.order[0])
		s.order = s.order[1:]
	}
}

// lookup returns the digest recorded when the participant's counters were
// ts. The participant's Local is our Remote and vice versa.
func (s *slot) lookup(ts ot.Timestamp) (ot.Digest, bool) {
	d, ok := s.digests[digestKey{epoch: ts.Epoch, local: ts.Remote, remote: ts.Local}]
	return d, ok
}

// prune forgets relayed edits the participant has applied.
func (s *slot) prune(seen uint64) {
	i := 0
	for i < len(s.pending) && s.pending[i].index < seen {
		i++
	}
	s.pending = s.pending[i:]
}

func (s *slot) pendingDelta() int {
	n := 0
	for _, p := range s.pending {
		n += ot.Delta(p.op)
	}
	return n
}

// fresh reports whether nothing was exchanged since the last resync, so the
// text is still the one that resync carried.
func (s *slot) fresh() bool {
	return s.ts.Local == 0 && s.ts.Remote == 0 && len(s.pending) == 0
}

// reset starts a new epoch after a resync.
func (s *slot) reset(d ot.Digest) {
	s.ts = s.ts.Fresh()
	s.pending = nil
	s.digests = make(map[digestKey]ot.Digest)
	s.order = nil
	s.record(d)
}
