package patchlib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/stretchr/testify/require"
)

// sample builds small assemblies for tests.
type sample struct {
	*cil.Builder
	Object    cil.Token
	WriteLine cil.Token
}

func newSample(name string) *sample {
	b := cil.NewBuilder(name)
	console := b.TypeRef("System", "Console")
	return &sample{
		Builder:   b,
		Object:    b.TypeRef("System", "Object"),
		WriteLine: b.MemberRef(console, "WriteLine", cil.MethodSig(cil.SigDefault, cil.ElementVoid, cil.ElementString)),
	}
}

// printBody loads a literal and passes it to Console.WriteLine.
func (s *sample) printBody(literal string) *cil.Body {
	return &cil.Body{
		MaxStack: 1,
		Instructions: []*cil.Instruction{
			{OpCode: cil.Ldstr, Operand: s.UserString(literal)},
			{OpCode: cil.Call, Operand: s.WriteLine},
			{OpCode: cil.Ret},
		},
	}
}

// discardBody loads a literal and drops it.
func (s *sample) discardBody(literal string) *cil.Body {
	return &cil.Body{
		MaxStack: 1,
		Instructions: []*cil.Instruction{
			{OpCode: cil.Ldstr, Operand: s.UserString(literal)},
			{OpCode: cil.Pop},
			{OpCode: cil.Ret},
		},
	}
}

func (s *sample) image(t *testing.T) *cil.Image {
	t.Helper()
	img, err := s.Image()
	require.NoError(t, err)
	return img
}

func (s *sample) write(t *testing.T, dir string) string {
	t.Helper()
	buf, err := s.Bytes()
	require.NoError(t, err)
	path := filepath.Join(dir, s.image(t).AssemblyName()+".dll")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

// sessionAssembly has a Sample.Session type whose Finish method prints
// literal when print is set and discards it otherwise.
func sessionAssembly(name, literal string, print bool) *sample {
	s := newSample(name)
	s.TypeDef("Sample", "Session", 0x00100001, s.Object)
	body := s.discardBody(literal)
	if print {
		body = s.printBody(literal)
	}
	s.Method("Start", cil.MethodPublic|cil.MethodHideBySig, cil.MethodSig(cil.SigHasThis, cil.ElementVoid), &cil.Body{
		MaxStack:     1,
		Instructions: []*cil.Instruction{{OpCode: cil.Nop}, {OpCode: cil.Ret}},
	})
	s.Method("Finish", cil.MethodPublic|cil.MethodHideBySig, cil.MethodSig(cil.SigHasThis, cil.ElementVoid), body)
	return s
}
