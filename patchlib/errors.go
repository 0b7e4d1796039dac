package patchlib

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OpenYiffGames/ilpatch/cil"
)

// Errors returned by this package. Callers should match them with errors.Is;
// the wrapping error carries the method, type or offset involved.
var (
	ErrCorruptHeader    = cil.ErrCorruptHeader
	ErrCorruptHeap      = cil.ErrCorruptHeap
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAmbiguousMatch   = errors.New("ambiguous match")
	ErrNotFound         = errors.New("not found")
	ErrNoReturnFound    = errors.New("no return instruction found")
	ErrSerialization    = errors.New("serialization failed")
	ErrMissingValue     = errors.New("missing template value")
	ErrUnsupportedType  = errors.New("unsupported template value type")
)

// InvalidTokenError is returned by CompileSignature for a token which is
// neither a wildcard nor a hex byte.
type InvalidTokenError struct {
	Token string
	Index int
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("%v: token %d (%q) is not ?? or a hex byte", ErrInvalidSignature, e.Index, e.Token)
}

func (e *InvalidTokenError) Unwrap() error {
	return ErrInvalidSignature
}

// AmbiguousMatchError is returned when a signature expected to be unique
// matches more than one method.
type AmbiguousMatchError struct {
	What    string
	Matches []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%v: %s matched %s", ErrAmbiguousMatch, e.What, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousMatchError) Unwrap() error {
	return ErrAmbiguousMatch
}
