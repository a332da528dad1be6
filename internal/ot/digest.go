package ot

import (
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Digest summarizes a document for divergence checks.
type Digest struct {
	Sum    uint64
	Length int
}

// DigestOf hashes the UTF-8 encoding of text.
func DigestOf(text string) Digest {
	return Digest{Sum: xxhash.Sum64String(text), Length: utf8.RuneCountInString(text)}
}

func (d Digest) Equal(o Digest) bool {
	return d.Sum == o.Sum && d.Length == o.Length
}

func (d Digest) String() string {
	return fmt.Sprintf("%016x/%d", d.Sum, d.Length)
}
