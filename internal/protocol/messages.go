// Package protocol defines the messages exchanged between participants and
// the mediator, and the codecs that put them on a websocket.
package protocol

import (
	"fmt"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
)

// Kind tags a message on the wire.
type Kind string

const (
	KindSnapshot        Kind = "snapshot"
	KindEdit            Kind = "edit"
	KindAck             Kind = "ack"
	KindDigest          Kind = "digest"
	KindRecoveryRequest Kind = "recover"
	KindRecoveryPush    Kind = "resync"
	KindLeave           Kind = "leave"
	KindError           Kind = "error"
)

// Message is anything sent over a participant channel.
type Message interface {
	Kind() Kind
	Document() string
}

// Op is the wire form of an ot.Operation.
type Op struct {
	Kind     ot.Kind `json:"kind"`
	Position int     `json:"position,omitempty"`
	Length   int     `json:"length,omitempty"`
	Text     string  `json:"text,omitempty"`
	Parts    []Op    `json:"parts,omitempty"`
}

// EncodeOp converts op to its wire form.
func EncodeOp(op ot.Operation) Op {
	switch o := op.(type) {
	case ot.Insert:
		return Op{Kind: ot.KindInsert, Position: o.Position, Length: o.Len(), Text: o.Text}
	case ot.Delete:
		return Op{Kind: ot.KindDelete, Position: o.Position, Length: o.Length}
	case ot.Split:
		return Op{Kind: ot.KindSplit, Parts: []Op{EncodeOp(o.First), EncodeOp(o.Second)}}
	default:
		return Op{Kind: ot.KindNoOp}
	}
}

// maxSplitDepth bounds split nesting on decode. Transforms nest a split one
// level per concurrent insert inside a pending delete.
const maxSplitDepth = 64

// DecodeOp converts a wire operation back. Unknown kinds, split operations
// without exactly two parts and splits nested deeper than maxSplitDepth are
// rejected as invalid operations.
func DecodeOp(w Op) (ot.Operation, error) {
	return decodeOp(w, 0)
}

func decodeOp(w Op, depth int) (ot.Operation, error) {
	switch w.Kind {
	case ot.KindInsert:
		return ot.Insert{Position: w.Position, Text: w.Text}, nil
	case ot.KindDelete:
		return ot.Delete{Position: w.Position, Length: w.Length}, nil
	case ot.KindNoOp, "":
		return ot.NoOp{}, nil
	case ot.KindSplit:
		if depth >= maxSplitDepth {
			return nil, fmt.Errorf("%w: split nested deeper than %d", ot.ErrInvalidOperation, maxSplitDepth)
		}
		if len(w.Parts) != 2 {
			return nil, fmt.Errorf("%w: split with %d parts", ot.ErrInvalidOperation, len(w.Parts))
		}
		first, err := decodeOp(w.Parts[0], depth+1)
		if err != nil {
			return nil, err
		}
		second, err := decodeOp(w.Parts[1], depth+1)
		if err != nil {
			return nil, err
		}
		return ot.Split{First: first, Second: second}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ot.ErrInvalidOperation, w.Kind)
	}
}

// Snapshot is sent to a participant when it joins a document.
type Snapshot struct {
	DocumentID   string       `json:"documentId"`
	OriginatorID ot.SiteID    `json:"originatorId"`
	FullText     string       `json:"fullText"`
	Timestamp    ot.Timestamp `json:"timestamp"`
	Revision     uint64       `json:"revision"`
	Participants []ot.SiteID  `json:"participants,omitempty"`
}

// EditRequest carries one operation. Participants send their own edits with
// it and the mediator relays transformed edits with it; the timestamp is
// always the sender's.
type EditRequest struct {
	DocumentID   string       `json:"documentId"`
	OriginatorID ot.SiteID    `json:"originatorId"`
	Timestamp    ot.Timestamp `json:"timestamp"`
	Operation    Op           `json:"operation"`
}

// NewEditRequest wraps req for document doc.
func NewEditRequest(doc string, req ot.Request) EditRequest {
	return EditRequest{
		DocumentID:   doc,
		OriginatorID: req.Origin,
		Timestamp:    req.Timestamp,
		Operation:    EncodeOp(req.Op),
	}
}

// Request decodes the carried operation.
func (m EditRequest) Request() (ot.Request, error) {
	op, err := DecodeOp(m.Operation)
	if err != nil {
		return ot.Request{}, err
	}
	return ot.Request{Op: op, Timestamp: m.Timestamp, Origin: m.OriginatorID}, nil
}

// EditAck confirms that the mediator applied the originator's edit.
type EditAck struct {
	DocumentID   string       `json:"documentId"`
	OriginatorID ot.SiteID    `json:"originatorId"`
	Timestamp    ot.Timestamp `json:"timestamp"`
}

// DigestReport is a participant's view of the document at Timestamp.
type DigestReport struct {
	DocumentID     string       `json:"documentId"`
	OriginatorID   ot.SiteID    `json:"originatorId"`
	Timestamp      ot.Timestamp `json:"timestamp"`
	Digest         uint64       `json:"digest"`
	DocumentLength int          `json:"documentLength"`
}

// Value returns the reported digest.
func (m DigestReport) Value() ot.Digest {
	return ot.Digest{Sum: m.Digest, Length: m.DocumentLength}
}

// RecoveryRequest asks the mediator for a full resync.
type RecoveryRequest struct {
	DocumentID   string       `json:"documentId"`
	OriginatorID ot.SiteID    `json:"originatorId"`
	Timestamp    ot.Timestamp `json:"timestamp"`
	Reason       string       `json:"reason,omitempty"`
}

// RecoveryPush replaces a participant's document and timestamp.
type RecoveryPush struct {
	DocumentID   string       `json:"documentId"`
	OriginatorID ot.SiteID    `json:"originatorId"`
	FullText     string       `json:"fullText"`
	Timestamp    ot.Timestamp `json:"timestamp"`
	Reason       string       `json:"reason,omitempty"`
}

// Leave announces that a participant is gone.
type Leave struct {
	DocumentID   string    `json:"documentId"`
	OriginatorID ot.SiteID `json:"originatorId"`
}

// ErrorMessage reports a failure the receiver cannot recover from.
type ErrorMessage struct {
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
}

func (Snapshot) Kind() Kind        { return KindSnapshot }
func (EditRequest) Kind() Kind     { return KindEdit }
func (EditAck) Kind() Kind         { return KindAck }
func (DigestReport) Kind() Kind    { return KindDigest }
func (RecoveryRequest) Kind() Kind { return KindRecoveryRequest }
func (RecoveryPush) Kind() Kind    { return KindRecoveryPush }
func (Leave) Kind() Kind           { return KindLeave }
func (ErrorMessage) Kind() Kind    { return KindError }

func (m Snapshot) Document() string        { return m.DocumentID }
func (m EditRequest) Document() string     { return m.DocumentID }
func (m EditAck) Document() string         { return m.DocumentID }
func (m DigestReport) Document() string    { return m.DocumentID }
func (m RecoveryRequest) Document() string { return m.DocumentID }
func (m RecoveryPush) Document() string    { return m.DocumentID }
func (m Leave) Document() string           { return m.DocumentID }
func (m ErrorMessage) Document() string    { return m.DocumentID }

// newMessage returns an empty message of kind k.
func newMessage(k Kind) (Message, error) {
	switch k {
	case KindSnapshot:
		return &Snapshot{}, nil
	case KindEdit:
		return &EditRequest{}, nil
	case KindAck:
		return &EditAck{}, nil
	case KindDigest:
		return &DigestReport{}, nil
	case KindRecoveryRequest:
		return &RecoveryRequest{}, nil
	case KindRecoveryPush:
		return &RecoveryPush{}, nil
	case KindLeave:
		return &Leave{}, nil
	case KindError:
		return &ErrorMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", k)
	}
}

// deref turns the pointer produced by newMessage back into a value.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Snapshot:
		return *v
	case *EditRequest:
		return *v
	case *EditAck:
		return *v
	case *DigestReport:
		return *v
	case *RecoveryRequest:
		return *v
	case *RecoveryPush:
		return *v
	case *Leave:
		return *v
	case *ErrorMessage:
		return *v
	default:
		return m
	}
}
