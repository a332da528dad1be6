package ot

import "fmt"

// Tie decides which of two inserts at the same offset lands first.
type Tie int

const (
	// OpFirst puts the transformed operation's text before the other one.
	OpFirst Tie = iota
	// AgainstFirst puts the already applied operation's text first.
	AgainstFirst
)

// Flip returns the tie as seen from the other operand.
func (t Tie) Flip() Tie {
	if t == OpFirst {
		return AgainstFirst
	}
	return OpFirst
}

func (t Tie) String() string {
	if t == OpFirst {
		return "op-first"
	}
	return "against-first"
}

// TieBreak orders two sites: the lower id inserts first.
func TieBreak(opSite, againstSite SiteID) Tie {
	if opSite < againstSite {
		return OpFirst
	}
	return AgainstFirst
}

// Transform returns the operation to apply instead of op once against has
// been applied. Both operations must have been generated from the same
// document state.
func Transform(op, against Operation, tie Tie) (Operation, error) {
	if op == nil || against == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if err := wellFormed(op); err != nil {
		return nil, err
	}
	if err := wellFormed(against); err != nil {
		return nil, err
	}
	return Normalize(transform(Normalize(op), Normalize(against), tie)), nil
}

// TransformPair computes both bottom sides of the diamond for a and b.
// tie is taken from a's side.
func TransformPair(a, b Operation, tie Tie) (ap, bp Operation, err error) {
	if ap, err = Transform(a, b, tie); err != nil {
		return nil, nil, err
	}
	if bp, err = Transform(b, a, tie.Flip()); err != nil {
		return nil, nil, err
	}
	return ap, bp, nil
}

func transform(op, against Operation, tie Tie) Operation {
	switch a := against.(type) {
	case NoOp:
		return op
	case Split:
		return transform(transform(op, a.First, tie), a.Second, tie)
	}

	switch o := op.(type) {
	case NoOp:
		return o
	case Split:
		first := transform(o.First, against, tie)
		rest := transform(against, o.First, tie.Flip())
		return Split{First: first, Second: transform(o.Second, rest, tie)}
	case Insert:
		switch a := against.(type) {
		case Insert:
			return insertInsert(o, a, tie)
		case Delete:
			return insertDelete(o, a)
		}
	case Delete:
		switch a := against.(type) {
		case Insert:
			return deleteInsert(o, a)
		case Delete:
			return deleteDelete(o, a)
		}
	}
	panic(fmt.Sprintf("ot: unhandled transform %T against %T", op, against))
}

func insertInsert(op, against Insert, tie Tie) Operation {
	if op.Position < against.Position || (op.Position == against.Position && tie == OpFirst) {
		return op
	}
	return Insert{Position: op.Position + against.Len(), Text: op.Text}
}

// insertDelete pins an insert that falls inside the deleted range to the
// start of the range.
func insertDelete(op Insert, against Delete) Operation {
	switch {
	case op.Position <= against.Position:
		return op
	case op.Position >= against.end():
		return Insert{Position: op.Position - against.Length, Text: op.Text}
	default:
		return Insert{Position: against.Position, Text: op.Text}
	}
}

// deleteInsert splits a deletion around text inserted inside its range so the
// inserted text survives.
func deleteInsert(op Delete, against Insert) Operation {
	n := against.Len()
	switch {
	case against.Position <= op.Position:
		return Delete{Position: op.Position + n, Length: op.Length}
	case against.Position >= op.end():
		return op
	default:
		return Split{
			First:  Delete{Position: op.Position, Length: against.Position - op.Position},
			Second: Delete{Position: op.Position + n, Length: op.end() - against.Position},
		}
	}
}

// deleteDelete removes the region already deleted by against from op.
func deleteDelete(op, against Delete) Operation {
	switch {
	case op.end() <= against.Position:
		return op
	case op.Position >= against.end():
		return Delete{Position: op.Position - against.Length, Length: op.Length}
	}
	before := against.Position - op.Position
	if before < 0 {
		before = 0
	}
	after := op.end() - against.end()
	if after < 0 {
		after = 0
	}
	if before > 0 && after > 0 {
		// against sits strictly inside op; both remainders meet at op.Position
		// once the first one is gone.
		return Split{
			First:  Delete{Position: op.Position, Length: before},
			Second: Delete{Position: op.Position, Length: after},
		}
	}
	pos := op.Position
	if against.Position < pos {
		pos = against.Position
	}
	return Delete{Position: pos, Length: before + after}
}
