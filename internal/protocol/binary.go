package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ssau-fiit/cloudocs-ot/internal/ot"
)

// Field numbers of the binary frame. Every message kind uses the subset it
// needs; absent fields decode to zero values.
const (
	fieldKind         protowire.Number = 1
	fieldDocument     protowire.Number = 2
	fieldOriginator   protowire.Number = 3
	fieldEpoch        protowire.Number = 4
	fieldLocal        protowire.Number = 5
	fieldRemote       protowire.Number = 6
	fieldOperation    protowire.Number = 7
	fieldDigest       protowire.Number = 8
	fieldLength       protowire.Number = 9
	fieldText         protowire.Number = 10
	fieldReason       protowire.Number = 11
	fieldParticipants protowire.Number = 12
	fieldRevision     protowire.Number = 13
)

const (
	opFieldKind     protowire.Number = 1
	opFieldPosition protowire.Number = 2
	opFieldLength   protowire.Number = 3
	opFieldText     protowire.Number = 4
	opFieldParts    protowire.Number = 5
)

var errTruncated = errors.New("truncated frame")

type frame struct {
	kind         Kind
	doc          string
	site         ot.SiteID
	ts           ot.Timestamp
	op           *Op
	digest       uint64
	length       int
	text         string
	reason       string
	participants []ot.SiteID
	revision     uint64
}

func toFrame(m Message) frame {
	f := frame{kind: m.Kind(), doc: m.Document()}
	switch v := m.(type) {
	case Snapshot:
		f.site, f.ts, f.text, f.revision, f.participants = v.OriginatorID, v.Timestamp, v.FullText, v.Revision, v.Participants
	case EditRequest:
		op := v.Operation
		f.site, f.ts, f.op = v.OriginatorID, v.Timestamp, &op
	case EditAck:
		f.site, f.ts = v.OriginatorID, v.Timestamp
	case DigestReport:
		f.site, f.ts, f.digest, f.length = v.OriginatorID, v.Timestamp, v.Digest, v.DocumentLength
	case RecoveryRequest:
		f.site, f.ts, f.reason = v.OriginatorID, v.Timestamp, v.Reason
	case RecoveryPush:
		f.site, f.ts, f.text, f.reason = v.OriginatorID, v.Timestamp, v.FullText, v.Reason
	case Leave:
		f.site = v.OriginatorID
	case ErrorMessage:
		f.reason = v.Message
	}
	return f
}

func (f frame) message() (Message, error) {
	switch f.kind {
	case KindSnapshot:
		return Snapshot{DocumentID: f.doc, OriginatorID: f.site, FullText: f.text, Timestamp: f.ts,
			Revision: f.revision, Participants: f.participants}, nil
	case KindEdit:
		m := EditRequest{DocumentID: f.doc, OriginatorID: f.site, Timestamp: f.ts}
		if f.op != nil {
			m.Operation = *f.op
		}
		return m, nil
	case KindAck:
		return EditAck{DocumentID: f.doc, OriginatorID: f.site, Timestamp: f.ts}, nil
	case KindDigest:
		return DigestReport{DocumentID: f.doc, OriginatorID: f.site, Timestamp: f.ts,
			Digest: f.digest, DocumentLength: f.length}, nil
	case KindRecoveryRequest:
		return RecoveryRequest{DocumentID: f.doc, OriginatorID: f.site, Timestamp: f.ts, Reason: f.reason}, nil
	case KindRecoveryPush:
		return RecoveryPush{DocumentID: f.doc, OriginatorID: f.site, FullText: f.text, Timestamp: f.ts, Reason: f.reason}, nil
	case KindLeave:
		return Leave{DocumentID: f.doc, OriginatorID: f.site}, nil
	case KindError:
		return ErrorMessage{DocumentID: f.doc, Message: f.reason}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", f.kind)
	}
}

type binaryCodec struct{}

func (binaryCodec) Name() string { return "binary" }
func (binaryCodec) Binary() bool { return true }

func (binaryCodec) Encode(m Message) ([]byte, error) {
	f := toFrame(m)
	var b []byte
	b = appendString(b, fieldKind, string(f.kind))
	b = appendString(b, fieldDocument, f.doc)
	b = appendVarint(b, fieldOriginator, uint64(f.site))
	b = appendVarint(b, fieldEpoch, uint64(f.ts.Epoch))
	b = appendVarint(b, fieldLocal, f.ts.Local)
	b = appendVarint(b, fieldRemote, f.ts.Remote)
	if f.op != nil {
		b = protowire.AppendTag(b, fieldOperation, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOp(nil, *f.op))
	}
	if f.digest != 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, f.digest)
	}
	b = appendInt(b, fieldLength, f.length)
	b = appendString(b, fieldText, f.text)
	b = appendString(b, fieldReason, f.reason)
	for _, p := range f.participants {
		b = protowire.AppendTag(b, fieldParticipants, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p))
	}
	b = appendVarint(b, fieldRevision, f.revision)
	return b, nil
}

func (binaryCodec) Decode(b []byte) (Message, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			f.kind = Kind(v)
		case num == fieldDocument && typ == protowire.BytesType:
			f.doc, n = protowire.ConsumeString(b)
		case num == fieldText && typ == protowire.BytesType:
			f.text, n = protowire.ConsumeString(b)
		case num == fieldReason && typ == protowire.BytesType:
			f.reason, n = protowire.ConsumeString(b)
		case num == fieldOperation && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				op, err := consumeOp(raw, 0)
				if err != nil {
					return nil, err
				}
				f.op = &op
			}
		case num == fieldDigest && typ == protowire.Fixed64Type:
			f.digest, n = protowire.ConsumeFixed64(b)
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldOriginator:
				f.site = ot.SiteID(v)
			case fieldEpoch:
				f.ts.Epoch = uint32(v)
			case fieldLocal:
				f.ts.Local = v
			case fieldRemote:
				f.ts.Remote = v
			case fieldLength:
				f.length = int(protowire.DecodeZigZag(v))
			case fieldParticipants:
				f.participants = append(f.participants, ot.SiteID(v))
			case fieldRevision:
				f.revision = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return f.message()
}

func appendOp(b []byte, op Op) []byte {
	b = appendString(b, opFieldKind, string(op.Kind))
	b = appendInt(b, opFieldPosition, op.Position)
	b = appendInt(b, opFieldLength, op.Length)
	b = appendString(b, opFieldText, op.Text)
	for _, p := range op.Parts {
		b = protowire.AppendTag(b, opFieldParts, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOp(nil, p))
	}
	return b
}

func consumeOp(b []byte, depth int) (Op, error) {
	var op Op
	if depth > maxSplitDepth {
		return op, fmt.Errorf("%w: split nested deeper than %d", ot.ErrInvalidOperation, maxSplitDepth)
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == opFieldKind && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			op.Kind = ot.Kind(v)
		case num == opFieldText && typ == protowire.BytesType:
			op.Text, n = protowire.ConsumeString(b)
		case num == opFieldPosition && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			op.Position = int(protowire.DecodeZigZag(v))
		case num == opFieldLength && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			op.Length = int(protowire.DecodeZigZag(v))
		case num == opFieldParts && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				part, err := consumeOp(raw, depth+1)
				if err != nil {
					return op, err
				}
				op.Parts = append(op.Parts, part)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return op, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return op, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendInt zigzag-encodes v; offsets sent by a broken peer may be negative.
func appendInt(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}
