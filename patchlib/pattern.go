package patchlib

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature is a compiled byte pattern. Wildcard positions match any byte.
type Signature struct {
	bytes []byte
	mask  []bool // true for exact bytes
}

// CompileSignature parses a whitespace separated list of two-digit hex bytes
// and ?? wildcards.
func CompileSignature(text string) (*Signature, error) {
	toks := strings.Fields(text)
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidSignature)
	}
	s := &Signature{
		bytes: make([]byte, len(toks)),
		mask:  make([]bool, len(toks)),
	}
	for i, tok := range toks {
		if tok == "??" {
			continue
		}
		if len(tok) != 2 {
			return nil, &InvalidTokenError{Token: tok, Index: i}
		}
		b, err := hex.DecodeString(tok)
		if err != nil {
			return nil, &InvalidTokenError{Token: tok, Index: i}
		}
		s.bytes[i], s.mask[i] = b[0], true
	}
	return s, nil
}

// MustCompileSignature is like CompileSignature but panics on error.
func MustCompileSignature(text string) *Signature {
	s, err := CompileSignature(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of bytes matched by the signature.
func (s *Signature) Len() int {
	return len(s.bytes)
}

// Find returns the leftmost offset where buf matches the signature, or -1.
func (s *Signature) Find(buf []byte) int {
	return s.findFrom(buf, 0)
}

// FindAll returns every offset where buf matches the signature, including
// overlapping matches.
func (s *Signature) FindAll(buf []byte) []int {
	var offs []int
	for i := s.findFrom(buf, 0); i >= 0; i = s.findFrom(buf, i+1) {
		offs = append(offs, i)
	}
	return offs
}

func (s *Signature) findFrom(buf []byte, start int) int {
outer:
	for i := start; i <= len(buf)-len(s.bytes); i++ {
		for j, exact := range s.mask {
			if exact && buf[i+j] != s.bytes[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func (s *Signature) String() string {
	var sb strings.Builder
	for i, b := range s.bytes {
		if i != 0 {
			sb.WriteByte(' ')
		}
		if s.mask[i] {
			fmt.Fprintf(&sb, "%02X", b)
		} else {
			sb.WriteString("??")
		}
	}
	return sb.String()
}
