package patchlib

import (
	"fmt"

	"github.com/OpenYiffGames/ilpatch/cil"
)

// FindMethodRefToken returns the token of the single method reference to
// typeName::methodName, where typeName is the simple name of the declaring
// type.
func FindMethodRefToken(img *cil.Image, typeName, methodName string) (cil.Token, error) {
	refs, err := img.MemberRefs()
	if err != nil {
		return 0, err
	}
	var found []*cil.MemberRef
	for _, ref := range refs {
		if ref.IsMethod() && ref.DeclaringType == typeName && ref.Name == methodName {
			found = append(found, ref)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("%w: method reference %s::%s in %s", ErrNotFound, typeName, methodName, img.AssemblyName())
	case 1:
		return found[0].Token(), nil
	default:
		e := &AmbiguousMatchError{What: fmt.Sprintf("method reference %s::%s", typeName, methodName)}
		for _, ref := range found {
			e.Matches = append(e.Matches, ref.Token().String())
		}
		return 0, e
	}
}

// FindUserString walks the #US heap for the first record equal to literal.
func FindUserString(img *cil.Image, literal string) (cil.UserString, bool, error) {
	var (
		found cil.UserString
		ok    bool
	)
	err := cil.WalkUserStrings(img.UserStringHeap(), func(u cil.UserString) bool {
		if u.Value != "" && u.Value == literal {
			found, ok = u, true
			return false
		}
		return true
	})
	if err != nil {
		return cil.UserString{}, false, err
	}
	return found, ok, nil
}

// FindUserStringToken returns the user string token of literal: 0x70 in the
// top byte and the 1-based record number below it. It reports false if the
// literal is not in the heap.
func FindUserStringToken(img *cil.Image, literal string) (cil.Token, bool, error) {
	u, ok, err := FindUserString(img, literal)
	if err != nil || !ok {
		return 0, false, err
	}
	return u.Token(), true, nil
}
