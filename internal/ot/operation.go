package ot

import (
	"fmt"
	"unicode/utf8"
)

// Kind names an operation variant on the wire and in logs.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindNoOp   Kind = "noop"
	KindSplit  Kind = "split"
)

// Operation is a single edit. The set of implementations is closed.
type Operation interface {
	Kind() Kind
	String() string
	isOperation()
}

// Insert places Text before the rune at Position.
type Insert struct {
	Position int
	Text     string
}

// Delete removes Length runes starting at Position.
type Delete struct {
	Position int
	Length   int
}

// NoOp leaves the document unchanged.
type NoOp struct{}

// Split applies First, then Second against the result of First.
type Split struct {
	First  Operation
	Second Operation
}

func (Insert) Kind() Kind { return KindInsert }
func (Delete) Kind() Kind { return KindDelete }
func (NoOp) Kind() Kind   { return KindNoOp }
func (Split) Kind() Kind  { return KindSplit }

func (Insert) isOperation() {}
func (Delete) isOperation() {}
func (NoOp) isOperation()   {}
func (Split) isOperation()  {}

func (op Insert) String() string { return fmt.Sprintf("ins(%d,%q)", op.Position, op.Text) }
func (op Delete) String() string { return fmt.Sprintf("del(%d,%d)", op.Position, op.Length) }
func (NoOp) String() string      { return "noop" }
func (op Split) String() string  { return fmt.Sprintf("split(%v;%v)", op.First, op.Second) }

// Len returns the number of runes in the inserted text.
func (op Insert) Len() int { return utf8.RuneCountInString(op.Text) }

func (op Delete) end() int { return op.Position + op.Length }

// Delta reports how much op changes the document length.
func Delta(op Operation) int {
	switch o := op.(type) {
	case Insert:
		return o.Len()
	case Delete:
		return -o.Length
	case Split:
		return Delta(o.First) + Delta(o.Second)
	default:
		return 0
	}
}

// IsNoOp reports whether op has no effect once normalized.
func IsNoOp(op Operation) bool {
	_, ok := Normalize(op).(NoOp)
	return ok
}

// Normalize collapses operations without effect into NoOp. Split pieces are
// normalized and a Split left with a single effective piece is unwrapped.
func Normalize(op Operation) Operation {
	switch o := op.(type) {
	case Insert:
		if o.Text == "" {
			return NoOp{}
		}
		return o
	case Delete:
		if o.Length == 0 {
			return NoOp{}
		}
		return o
	case Split:
		first, second := Normalize(o.First), Normalize(o.Second)
		if _, ok := first.(NoOp); ok {
			return second
		}
		if _, ok := second.(NoOp); ok {
			return first
		}
		return Split{First: first, Second: second}
	case NoOp:
		return o
	default:
		return op
	}
}

// Validate checks op against a document of docLen runes.
func Validate(op Operation, docLen int) error {
	switch o := op.(type) {
	case Insert:
		if o.Position < 0 || o.Position > docLen {
			return fmt.Errorf("%w: %v on document of length %d", ErrInvalidOperation, o, docLen)
		}
	case Delete:
		if o.Position < 0 || o.Length < 0 || o.end() > docLen {
			return fmt.Errorf("%w: %v on document of length %d", ErrInvalidOperation, o, docLen)
		}
	case NoOp:
	case Split:
		if err := Validate(o.First, docLen); err != nil {
			return err
		}
		return Validate(o.Second, docLen+Delta(o.First))
	default:
		return fmt.Errorf("%w: unknown operation %T", ErrInvalidOperation, op)
	}
	return nil
}

// wellFormed checks the parts of op that do not depend on a document.
func wellFormed(op Operation) error {
	switch o := op.(type) {
	case Insert:
		if o.Position < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, o)
		}
	case Delete:
		if o.Position < 0 || o.Length < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidOperation, o)
		}
	case NoOp:
	case Split:
		if err := wellFormed(o.First); err != nil {
			return err
		}
		return wellFormed(o.Second)
	default:
		return fmt.Errorf("%w: unknown operation %T", ErrInvalidOperation, op)
	}
	return nil
}

// Apply returns doc with op applied. doc is left untouched on error.
func Apply(doc string, op Operation) (string, error) {
	out, err := apply([]rune(doc), op)
	if err != nil {
		return doc, err
	}
	return string(out), nil
}

func apply(rs []rune, op Operation) ([]rune, error) {
	if err := Validate(op, len(rs)); err != nil {
		return nil, err
	}
	switch o := op.(type) {
	case Insert:
		text := []rune(o.Text)
		out := make([]rune, 0, len(rs)+len(text))
		out = append(out, rs[:o.Position]...)
		out = append(out, text...)
		return append(out, rs[o.Position:]...), nil
	case Delete:
		out := make([]rune, 0, len(rs)-o.Length)
		out = append(out, rs[:o.Position]...)
		return append(out, rs[o.end():]...), nil
	case Split:
		mid, err := apply(rs, o.First)
		if err != nil {
			return nil, err
		}
		return apply(mid, o.Second)
	default:
		return rs, nil
	}
}

// Request is an operation stamped by the site that generated it.
type Request struct {
	Op        Operation
	Timestamp Timestamp
	Origin    SiteID
}

func (r Request) String() string {
	return fmt.Sprintf("%v@%v from %d", r.Op, r.Timestamp, r.Origin)
}
