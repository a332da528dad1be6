package ot

import "errors"

var (
	// ErrInvalidOperation means operation bounds do not fit the local document.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTimestampGap means a message skipped ahead of the expected sequence.
	ErrTimestampGap = errors.New("timestamp gap")
	// ErrDigestMismatch means two replicas disagree on the same document state.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrAckTimeout means an edit was not acknowledged within the retry budget.
	ErrAckTimeout = errors.New("ack timeout")
)

// NeedsRecovery reports whether err must be answered with a full resync.
func NeedsRecovery(err error) bool {
	return errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrTimestampGap) ||
		errors.Is(err, ErrDigestMismatch) ||
		errors.Is(err, ErrAckTimeout)
}
