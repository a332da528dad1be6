package ot

import "fmt"

// SiteID identifies a participant of a document. Ids order concurrent inserts.
type SiteID uint32

// Timestamp is the two-counter clock kept for one replica/document pair.
//
// Local counts operations generated by the holder, Remote counts operations
// received from the other side and applied. Epoch is bumped by recovery, which
// restarts both counters; (Epoch, Local, Remote) never decreases.
type Timestamp struct {
	Epoch  uint32 `json:"epoch"`
	Local  uint64 `json:"local"`
	Remote uint64 `json:"remote"`
}

// NextLocal returns t after one more locally generated operation.
func (t Timestamp) NextLocal() Timestamp {
	t.Local++
	return t
}

// NextRemote returns t after one more remote operation was applied.
func (t Timestamp) NextRemote() Timestamp {
	t.Remote++
	return t
}

// Fresh returns the timestamp handed out by a recovery.
func (t Timestamp) Fresh() Timestamp {
	return Timestamp{Epoch: t.Epoch + 1}
}

// Mirror returns t as seen by the other end of the channel.
func (t Timestamp) Mirror() Timestamp {
	return Timestamp{Epoch: t.Epoch, Local: t.Remote, Remote: t.Local}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("e%d(%d,%d)", t.Epoch, t.Local, t.Remote)
}
