package proc

import (
	"debug/dwarf"
	"fmt"

	"github.com/mcuscope/dbgcore/internal/logflags"
	"github.com/mcuscope/dbgcore/pkg/coreapi"
	"github.com/mcuscope/dbgcore/pkg/dwarf/frame"
	"github.com/mcuscope/dbgcore/pkg/dwarf/op"
	"github.com/mcuscope/dbgcore/pkg/dwarf/reader"
	"github.com/mcuscope/dbgcore/pkg/errtag"
)

// Stackframe is one activation, physical or virtual (inlined), produced by
// the unwinder. Inlined frames share their enclosing physical frame's CFA
// and register file; only FunctionName and Source differ, per the call-site
// patch in step 4 of the unwind algorithm.
type Stackframe struct {
	// CFA is the Canonical Frame Address. Invariant 1 ties a physical
	// frame's identity to this value.
	CFA uint64
	PC  uint64

	FunctionName string
	Source       Location

	// Inlined marks a virtual frame synthesized from a DW_TAG_inlined_subroutine:
	// it shares its physical frame's CFA/registers and was never itself
	// register-rolled-back.
	Inlined bool

	Variables []*Variable

	cuIndex int
}

// stackIterator walks physical and virtual frames from innermost to
// outermost behind a Next/Frame/Err triad, so a caller can stop consuming
// frames early (e.g. a UI showing only the top N) without unwinding the
// rest of the stack.
type stackIterator struct {
	bi   *BinaryInfo
	arch *Arch
	core coreapi.Core

	pc      uint64
	regs    op.DwarfRegisters
	cuIndex int

	// queuedInline holds the inlined-subroutine DIEs still to be yielded
	// for the physical frame currently being unwound, innermost first: the
	// inner virtual frame is always produced before the outer physical one.
	queuedInline []*reader.Tree

	// queuedPhysical holds the physical frame once built, to be yielded
	// only after every queued inline frame has been. pendingRegs/pendingRetAddr
	// carry the register rollback computed alongside it, applied once the
	// physical frame is actually emitted.
	queuedPhysical *Stackframe
	pendingRegs    op.DwarfRegisters
	pendingRetAddr uint64

	// pendingErr holds a physical-frame build failure discovered while inline
	// frames for the same PC were already queued; it surfaces only once that
	// queue has fully drained, so a CFI lookup failure on the enclosing frame
	// never erases virtual frames already known to be valid.
	pendingErr error

	err  error
	done bool
	frm  Stackframe
}

// TryUnwind produces the frame sequence for a halted core starting at pc,
// up to depth frames (0 means unlimited).
func TryUnwind(bi *BinaryInfo, core coreapi.Core, pc uint64, depth int) ([]Stackframe, error) {
	arch, ok := ArchFor(core.Architecture())
	if !ok {
		return nil, errtag.New(errtag.Unimplemented, "unwind unsupported architecture %s", core.Architecture())
	}
	regs, err := readRegisterFile(core, arch)
	if err != nil {
		return nil, err
	}
	it := &stackIterator{bi: bi, arch: arch, core: core, pc: pc, regs: regs}
	var out []Stackframe
	for it.Next() {
		out = append(out, it.Frame())
		if depth > 0 && len(out) >= depth {
			break
		}
	}
	if it.Err() != nil {
		logflags.UnwindLogger().WithError(it.Err()).Debug("unwind ended")
	}
	return out, nil
}

func readRegisterFile(core coreapi.Core, arch *Arch) (op.DwarfRegisters, error) {
	regs := make([]*op.DwarfRegister, arch.NumDwarfRegs)
	for i := uint64(0); i < arch.NumDwarfRegs; i++ {
		v, err := core.ReadRegister(int(i))
		if err != nil {
			return op.DwarfRegisters{}, errtag.Wrap(errtag.Transport, err, "reading register %d", i)
		}
		regs[i] = op.DwarfRegisterFromUint64(uint64(v))
	}
	return *op.NewDwarfRegisters(0, regs, nil, arch.PCRegNum, arch.SPRegNum, arch.BPRegNum, arch.LRRegNum), nil
}

// Next advances to the next frame (physical or virtual) and reports
// whether one was produced.
func (it *stackIterator) Next() bool {
	if len(it.queuedInline) > 0 {
		t := it.queuedInline[0]
		it.queuedInline = it.queuedInline[1:]
		it.frm = it.buildInlinedFrame(t)
		return true
	}

	if it.queuedPhysical != nil {
		it.frm = *it.queuedPhysical
		it.queuedPhysical = nil
		return true
	}

	if it.done {
		return false
	}

	if it.pendingErr != nil {
		it.err = it.pendingErr
		it.done = true
		return false
	}

	fn := it.bi.FunctionForPC(it.pc)
	cu := it.bi.unitForPC(it.pc)
	if fn == nil || cu == nil {
		it.err = fmt.Errorf("proc: no function covers pc %#x", it.pc)
		it.done = true
		return false
	}
	it.cuIndex = fn.cuIndex

	tree, err := it.bi.loadTree(fn.dieOff)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}

	chain := reader.InlineStack(tree, it.pc) // outermost first, innermost last
	for i := len(chain) - 1; i >= 0; i-- {
		it.queuedInline = append(it.queuedInline, chain[i])
	}

	phys, newRegs, retAddr, err := it.buildPhysicalFrame(fn, tree)
	if err != nil {
		// Inline frames already queued above are still valid; surface this
		// failure only once they've all been yielded.
		if len(it.queuedInline) > 0 {
			it.pendingErr = err
			return it.Next()
		}
		it.err = err
		it.done = true
		return false
	}
	it.queuedPhysical = &phys
	it.pendingRegs = newRegs
	it.pendingRetAddr = retAddr

	// Apply this physical frame's register rollback right away, before its
	// queued frames are yielded, so it.pc/it.regs already describe the
	// caller once the queue drains.
	if err := it.advance(); err != nil {
		it.err = err
		it.done = true
	}

	return it.Next()
}

// buildPhysicalFrame constructs the physical frame at it.pc (CFI lookup,
// CFA computation, variable materialization) and computes the register
// file / return address the caller's frame will see, without yet applying
// them (spec §4.1 steps 2-3, 5-6).
func (it *stackIterator) buildPhysicalFrame(fn *Function, tree *reader.Tree) (Stackframe, op.DwarfRegisters, uint64, error) {
	fde, err := it.bi.frameData.FDEForPC(it.pc)
	if err != nil {
		return Stackframe{}, op.DwarfRegisters{}, 0, err
	}
	fctxt, err := fde.EstablishFrame(it.pc)
	if err != nil {
		return Stackframe{}, op.DwarfRegisters{}, 0, err
	}
	if fctxt.CFA.Rule != frame.RuleCFA {
		return Stackframe{}, op.DwarfRegisters{}, 0, &frame.ErrUnsupportedCFA{PC: it.pc, Rule: fctxt.CFA.Rule}
	}
	cfaReg := it.regs.Uint64Val(fctxt.CFA.Reg)
	cfa := uint32(int64(cfaReg) + fctxt.CFA.Offset) // 32-bit wrap, two's-complement offset

	loc := it.bi.sourceLocationAt(it.pc)
	name := functionDisplayName(it.bi, tree, fn.Name)

	frm := Stackframe{
		CFA:          uint64(cfa),
		PC:           it.pc,
		FunctionName: name,
		Source:       loc,
		cuIndex:      fn.cuIndex,
	}
	frm.Variables = resolveVariables(it.bi, tree, it.pc, int64(cfa), it.core)

	newRegs, retAddr, err := it.advanceRegs(fctxt, cfa)
	if err != nil {
		return Stackframe{}, op.DwarfRegisters{}, 0, err
	}
	return frm, newRegs, retAddr, nil
}

// buildInlinedFrame synthesizes a virtual frame sharing the current
// physical frame's CFA; only function name and call-site source location
// (spec §4.1 step 4) differ.
func (it *stackIterator) buildInlinedFrame(t *reader.Tree) Stackframe {
	name, _ := t.Val(dwarf.AttrName).(string)
	if name == "" {
		if origin, ok := t.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
			if origTree, err := it.bi.loadTree(origin); err == nil {
				name, _ = origTree.Val(dwarf.AttrName).(string)
			}
		}
	}
	callLine, _ := t.Val(dwarf.AttrCallLine).(int64)
	callColumn, _ := t.Val(dwarf.AttrCallColumn).(int64)

	var frameCFA uint64
	framePC := it.pc
	if it.queuedPhysical != nil {
		// it.pc has already moved on to the caller; use the physical frame's.
		frameCFA = it.queuedPhysical.CFA
		framePC = it.queuedPhysical.PC
	}

	return Stackframe{
		CFA:          frameCFA,
		PC:           framePC,
		FunctionName: name,
		Source: Location{
			File:   it.callFileName(),
			Line:   int(callLine),
			Column: int(callColumn),
			PC:     framePC,
		},
		Inlined: true,
		cuIndex: it.cuIndex,
	}
}

// callFileName approximates DW_AT_call_file resolution: the engine does
// not keep the raw per-CU file table as a separate indexable array (only
// the already-joined line rows), so it reports the current unit's own
// name, which is correct for the overwhelmingly common case of inlining
// within a single translation unit.
func (it *stackIterator) callFileName() string {
	if it.cuIndex < 0 || it.cuIndex >= len(it.bi.units) {
		return ""
	}
	return it.bi.units[it.cuIndex].name
}

// functionDisplayName honors DW_AT_abstract_origin when the subprogram DIE
// itself carries no direct name (an out-of-line concrete instance).
func functionDisplayName(bi *BinaryInfo, tree *reader.Tree, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if origin, ok := tree.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		if origTree, err := bi.loadTree(origin); err == nil {
			if n, ok := origTree.Val(dwarf.AttrName).(string); ok {
				return n
			}
		}
	}
	return "??"
}

// advance applies the pending register rollback and return address
// computed for the current physical frame and moves to the caller's PC
// (spec §4.1 step 6). Loop detection and unknown-PC termination happen
// here so that no frame beyond an already-yielded one is ever produced.
func (it *stackIterator) advance() error {
	retPC := it.pendingRetAddr
	if it.arch.ClearThumbBit {
		retPC &^= 1
	}
	if retPC == 0 || retPC == it.pc {
		it.done = true
		return nil
	}
	it.pc = retPC
	it.regs = it.pendingRegs
	return nil
}

// advanceRegs applies the CFI register rules for the outgoing frame and
// returns the register file the caller's frame will use, plus its return
// address (spec §4.1 step 5).
func (it *stackIterator) advanceRegs(fctxt *frame.FrameContext, cfa uint32) (op.DwarfRegisters, uint64, error) {
	newRegs := make([]*op.DwarfRegister, it.arch.NumDwarfRegs)
	for r := uint64(0); r < it.arch.NumDwarfRegs; r++ {
		if r == it.arch.SPRegNum {
			continue // CFA stored separately; written below
		}
		rule, ok := fctxt.Regs[r]
		if !ok {
			rule = frame.DWRule{Rule: frame.RuleUndefined}
		}
		reg, err := it.executeFrameRegRule(r, rule, int64(cfa))
		if err != nil {
			return op.DwarfRegisters{}, 0, err
		}
		newRegs[r] = reg
	}
	newRegs[it.arch.SPRegNum] = op.DwarfRegisterFromUint64(uint64(cfa))

	dr := *op.NewDwarfRegisters(0, newRegs, nil, it.arch.PCRegNum, it.arch.SPRegNum, it.arch.BPRegNum, it.arch.LRRegNum)
	return dr, dr.Uint64Val(it.arch.LRRegNum), nil
}

// executeFrameRegRule applies one register's CFI rule (spec §4.1 step 5).
func (it *stackIterator) executeFrameRegRule(regNum uint64, rule frame.DWRule, cfa int64) (*op.DwarfRegister, error) {
	switch rule.Rule {
	case frame.RuleUndefined:
		switch it.arch.roleOf(regNum) {
		case roleCalleeSaved:
			return it.regs.Reg(regNum), nil
		case rolePC:
			return op.DwarfRegisterFromUint64(it.pc), nil
		default:
			return nil, nil
		}
	case frame.RuleSameVal:
		return it.regs.Reg(regNum), nil
	case frame.RuleOffset:
		addr := uint64(cfa + rule.Offset)
		buf := make([]byte, 4)
		n, err := it.core.ReadMemory(addr, buf)
		if err != nil || n != len(buf) {
			return nil, errtag.Wrap(errtag.Transport, err, "reading register %d from CFA%+d", regNum, rule.Offset)
		}
		return op.DwarfRegisterFromBytes(buf), nil
	default:
		return nil, errtag.New(errtag.Unimplemented, "unsupported CFI rule %d for register %d", rule.Rule, regNum)
	}
}

// Frame returns the most recently produced frame.
func (it *stackIterator) Frame() Stackframe { return it.frm }

// Err returns the error, if any, that terminated iteration. A nil error
// after iteration ends means a natural stop (unknown PC or loop guard),
// not a failure.
func (it *stackIterator) Err() error { return it.err }
