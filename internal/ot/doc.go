// Package ot implements the operational-transformation core of cloudocs: the
// edit operations, the two-counter timestamps that order them, the transform
// functions that reconcile concurrent edits, and the digests used to detect
// divergence between replicas.
//
// # Operations
//
// An Operation is one of Insert, Delete, NoOp or Split. Positions and lengths
// are counted in runes. A Split applies First and then Second, with Second
// expressed against the document produced by First; it only appears as the
// result of a transformation.
//
// # Transformation
//
// Transform(op, against, tie) returns the operation that has the same intended
// effect as op once against has already been applied. For two operations a
// and b generated from the same document D:
//
//	Apply(Apply(D, a), Transform(b, a, t.Flip())) == Apply(Apply(D, b), Transform(a, b, t))
//
// Two inserts at the same offset are ordered by Tie, which callers derive
// from site ids with TieBreak: the lower site id inserts first on every
// replica.
//
// Everything in this package is pure. Malformed input is reported as
// ErrInvalidOperation and nothing is mutated.
package ot
