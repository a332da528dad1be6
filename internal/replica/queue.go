package replica

import "github.com/ssau-fiit/cloudocs-ot/internal/ot"

// entry is a local edit not yet acknowledged by the mediator. op is kept in
// the context of the current local document; sent is the request exactly as
// it went on the wire, nil while the edit is still buffered.
type entry struct {
	op   ot.Operation
	sent *ot.Request
}

// Queue holds local edits in generation order. Only the head may have been
// sent.
type Queue struct {
	entries []entry
}

func (q *Queue) Len() int { return len(q.entries) }

// InFlight returns the request awaiting acknowledgment, if any.
func (q *Queue) InFlight() (ot.Request, bool) {
	if len(q.entries) == 0 || q.entries[0].sent == nil {
		return ot.Request{}, false
	}
	return *q.entries[0].sent, true
}

func (q *Queue) push(op ot.Operation) {
	q.entries = append(q.entries, entry{op: op})
}

func (q *Queue) pop() {
	q.entries = q.entries[1:]
}

func (q *Queue) clear() {
	q.entries = nil
}

// delta is the length change of all queued edits.
func (q *Queue) delta() int {
	n := 0
	for _, e := range q.entries {
		n += ot.Delta(e.op)
	}
	return n
}

// transform carries a remote operation across every queued edit. It returns
// the operation to apply locally and the queue entries rebased onto it; the
// queue itself is not modified.
func (q *Queue) transform(remote ot.Operation, origin, self ot.SiteID) (ot.Operation, []entry, error) {
	rebased := make([]entry, len(q.entries))
	tie := ot.TieBreak(origin, self)
	for i, e := range q.entries {
		rp, ep, err := ot.TransformPair(remote, e.op, tie)
		if err != nil {
			return nil, nil, err
		}
		rebased[i] = entry{op: ep, sent: e.sent}
		remote = rp
	}
	return remote, rebased, nil
}
