package patchlib

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSignature(t *testing.T) {
	for _, c := range []struct {
		In    string
		Len   int
		Str   string
		Index int // of the bad token, -1 if valid
	}{
		{"28 ?? ?? ?? 0A 2A", 6, "28 ?? ?? ?? 0A 2A", -1},
		{"  de ad\tbe\nef ", 4, "DE AD BE EF", -1},
		{"??", 1, "??", -1},
		{"28 2", 0, "", 1},
		{"28 G0", 0, "", 1},
		{"28 ? 2A", 0, "", 1},
		{"123", 0, "", 0},
	} {
		t.Run(c.In, func(t *testing.T) {
			s, err := CompileSignature(c.In)
			if c.Index >= 0 {
				var ite *InvalidTokenError
				require.True(t, errors.As(err, &ite), "expected InvalidTokenError, got %v", err)
				assert.Equal(t, c.Index, ite.Index)
				assert.True(t, errors.Is(err, ErrInvalidSignature))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.Len, s.Len())
			assert.Equal(t, c.Str, s.String())
		})
	}

	_, err := CompileSignature(" \n ")
	assert.True(t, errors.Is(err, ErrInvalidSignature))
	assert.Panics(t, func() { MustCompileSignature("zz") })
}

func TestSignatureFind(t *testing.T) {
	sig := MustCompileSignature("28 ?? ?? ?? 0A")
	code := []byte{0x00, 0x28, 0x01, 0x00, 0x00, 0x0A, 0x2A}
	assert.Equal(t, 1, sig.Find(code))
	assert.Equal(t, -1, sig.Find(code[2:]))
	assert.Equal(t, -1, sig.Find(nil))
	assert.Equal(t, -1, sig.Find([]byte{0x28, 0x00}))

	for _, prefix := range []int{0, 1, 7, 63} {
		buf := make([]byte, prefix, prefix+8)
		buf = append(buf, 0x28, 0xAA, 0xBB, 0xCC, 0x0A, 0x00)
		assert.Equal(t, prefix, sig.Find(buf), "prefix %d", prefix)
	}
}

func TestSignatureFindAll(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, MustCompileSignature("AA ?? AA").FindAll([]byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA}))
	assert.Nil(t, MustCompileSignature("01").FindAll([]byte{0x02}))

	offs := MustCompileSignature("?? 2A").FindAll([]byte{0x2A, 0x2A, 0x00, 0x2A, 0x2A})
	assert.Equal(t, []int{0, 2, 3}, offs)
	for i := 1; i < len(offs); i++ {
		assert.Greater(t, offs[i], offs[i-1])
	}
}

func TestSignatureWildcardsWiden(t *testing.T) {
	buf := []byte{0x02, 0x28, 0x05, 0x00, 0x00, 0x06, 0x2A, 0x02, 0x28, 0x01, 0x00, 0x00, 0x0A, 0x2A}
	strict := []string{"02", "28", "01", "00", "00", "0A", "2A"}
	prev := MustCompileSignature(strings.Join(strict, " "))
	for i := 2; i < len(strict); i++ {
		loose := append([]string(nil), strict...)
		for j := 2; j <= i; j++ {
			loose[j] = "??"
		}
		sig := MustCompileSignature(strings.Join(loose, " "))
		assert.LessOrEqual(t, sig.Find(buf), prev.Find(buf), sig.String())
		assert.Subset(t, sig.FindAll(buf), prev.FindAll(buf), sig.String())
		prev = sig
	}
	assert.Equal(t, 0, prev.Find(buf))
}
