package patchlib

import (
	"fmt"

	"github.com/OpenYiffGames/ilpatch/cil"
)

// InsertCallBeforeFirstReturn replaces the first ret of body with
// ldarg.0, call callee, ret. Branches and exception clauses which referred to
// the replaced ret now refer to the inserted ldarg.0, so every path that
// returned through it makes the call first.
func InsertCallBeforeFirstReturn(body *cil.Body, callee cil.Token) error {
	idx := -1
	for i, in := range body.Instructions {
		if in.OpCode == cil.Ret {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoReturnFound
	}
	old := body.Instructions[idx]
	first := &cil.Instruction{OpCode: cil.Ldarg0}
	seq := []*cil.Instruction{
		first,
		{OpCode: cil.Call, Operand: callee},
		{OpCode: cil.Ret},
	}

	retarget := func(in *cil.Instruction) *cil.Instruction {
		if in == old {
			return first
		}
		return in
	}
	for _, in := range body.Instructions {
		switch op := in.Operand.(type) {
		case *cil.Instruction:
			in.Operand = retarget(op)
		case []*cil.Instruction:
			for i, t := range op {
				op[i] = retarget(t)
			}
		}
	}
	for _, eh := range body.Handlers {
		eh.TryStart, eh.TryEnd = retarget(eh.TryStart), retarget(eh.TryEnd)
		eh.HandlerStart, eh.HandlerEnd = retarget(eh.HandlerStart), retarget(eh.HandlerEnd)
		eh.FilterStart = retarget(eh.FilterStart)
	}

	ins := make([]*cil.Instruction, 0, len(body.Instructions)+2)
	ins = append(ins, body.Instructions[:idx]...)
	ins = append(ins, seq...)
	ins = append(ins, body.Instructions[idx+1:]...)
	body.Instructions = ins
	if body.MaxStack < 2 {
		body.MaxStack = 2
	}
	return nil
}

// PatchMethod inserts a call to callee before the first return of m and
// stores the new body in img.
func PatchMethod(img *cil.Image, m *cil.Method, callee cil.Token) error {
	body, err := img.Body(m)
	if err != nil {
		return err
	}
	if err := InsertCallBeforeFirstReturn(body, callee); err != nil {
		return fmt.Errorf("patch %s: %w", m.FullName(), err)
	}
	return img.SetBody(m, body)
}

// CallTargets returns the operands of every call, callvirt and newobj
// instruction in body, in order.
func CallTargets(body *cil.Body) []cil.Token {
	var toks []cil.Token
	for _, in := range body.Instructions {
		switch in.OpCode {
		case cil.Call, cil.Callvirt, cil.Newobj:
			if tok, ok := in.Operand.(cil.Token); ok {
				toks = append(toks, tok)
			}
		}
	}
	return toks
}
