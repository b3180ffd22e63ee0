// Package dapshim adapts proc.Stackframe/proc.Variable into the
// google/go-dap wire types. It is a stateless, one-shot translation layer:
// no request loop, no session bookkeeping, no stdin/stdout plumbing. The
// actual Debug Adapter Protocol server (request dispatch, sequencing,
// breakpoints-as-state) is the excluded "CLI surface" external collaborator
// (spec §1, §6); this package only exists so a server built on top of it
// does not have to hand-roll the proc -> dap.StackFrame/dap.Variable shape
// conversion.
package dapshim

import (
	"github.com/google/go-dap"
	"github.com/mcuscope/dbgcore/pkg/proc"
)

// StackFrame converts one proc.Stackframe into its DAP representation. id
// is the caller-assigned DAP frame id (the protocol's own integer handle,
// distinct from the frame's CFA).
func StackFrame(id int, f proc.Stackframe) dap.StackFrame {
	return dap.StackFrame{
		Id:     id,
		Name:   f.FunctionName,
		Line:   f.Source.Line,
		Column: f.Source.Column,
		Source: dap.Source{
			Name: f.Source.File,
			Path: f.Source.AbsolutePath(),
		},
	}
}

// StackTrace converts an entire unwound stack, assigning sequential DAP
// frame ids starting at startID.
func StackTrace(frames []proc.Stackframe, startID int) []dap.StackFrame {
	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = StackFrame(startID+i, f)
	}
	return out
}

// Variable converts one proc.Variable into its DAP representation. ref is
// the caller-assigned variablesReference: 0 when the variable has no
// children, otherwise an id the caller's own reference table maps back to
// v.Children.
func Variable(v *proc.Variable, ref int) dap.Variable {
	return dap.Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.TypeName,
		VariablesReference: ref,
	}
}

// Variables converts a flat slice of top-level variables with no
// reference assignment (ref 0 throughout); a caller that needs expandable
// children should walk v.Children itself and assign references from its
// own table, which is exactly the bookkeeping this package deliberately
// does not own.
func Variables(vars []*proc.Variable) []dap.Variable {
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = Variable(v, 0)
	}
	return out
}

// EvaluateName renders a small dotted-path name for a variable, mirroring
// how delve's own eval scope addresses nested fields; used only to label
// DAP EvaluateResponse without re-deriving the path from the caller.
func EvaluateName(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	if s == "" {
		return "<unnamed>"
	}
	return s
}
