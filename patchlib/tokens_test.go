package patchlib

import (
	"errors"
	"testing"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUserStringToken(t *testing.T) {
	s := newSample("Strings")
	s.UserString("hello")
	s.UserString("it's")
	hwid := s.UserString("HWID")
	img := s.image(t)

	tok, ok, err := FindUserStringToken(img, "HWID")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cil.Token(0x70000003), tok)

	u, ok, err := FindUserString(img, "HWID")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hwid, u.OffsetToken())

	_, ok, err = FindUserStringToken(img, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = FindUserStringToken(img, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindMethodRefToken(t *testing.T) {
	s := newSample("Refs")
	img := s.image(t)

	tok, err := FindMethodRefToken(img, "Console", "WriteLine")
	require.NoError(t, err)
	assert.Equal(t, s.WriteLine, tok)

	_, err = FindMethodRefToken(img, "System.Console", "WriteLine")
	assert.True(t, errors.Is(err, ErrNotFound), "full names are not matched")

	_, err = FindMethodRefToken(img, "Console", "ReadLine")
	assert.True(t, errors.Is(err, ErrNotFound))

	// a field reference with the same name is not a method reference
	s = newSample("Fields")
	console := s.TypeRef("System", "Console")
	s.MemberRef(console, "Out", []byte{cil.SigField, cil.ElementObject})
	_, err = FindMethodRefToken(s.image(t), "Console", "Out")
	assert.True(t, errors.Is(err, ErrNotFound))

	// overloads with the same simple type name are ambiguous
	s = newSample("Overloads")
	other := s.TypeRef("Other", "Console")
	s.MemberRef(other, "WriteLine", cil.MethodSig(cil.SigDefault, cil.ElementVoid, cil.ElementObject))
	_, err = FindMethodRefToken(s.image(t), "Console", "WriteLine")
	var ame *AmbiguousMatchError
	require.True(t, errors.As(err, &ame))
	assert.Len(t, ame.Matches, 2)
	assert.True(t, errors.Is(err, ErrAmbiguousMatch))
}
