// Package proc ties the DWARF support packages together into the two
// operations a debug session actually drives: unwinding a halted core's
// stack (stack.go) and materializing its variables (variable.go), plus the
// supporting BinaryInfo loader (binary.go), source-line lookup (source.go)
// and statics walk (statics.go).
package proc

import (
	"github.com/mcuscope/dbgcore/pkg/coreapi"
	"github.com/mcuscope/dbgcore/pkg/dwarf/regnum"
)

// registerRole classifies a DWARF register number's behavior across an
// unwind step when its CFI rule is Undefined (spec §4.1 step 5, §9: this
// table is externalized per architecture rather than hardcoded once).
type registerRole uint8

const (
	roleScratch registerRole = iota // Undefined -> becomes unknown
	roleCalleeSaved                 // Undefined -> preserve current value
	rolePC                          // Undefined -> becomes current PC
	roleCFA                         // not unwound by rule; CFA written here
)

// Arch names one target architecture's DWARF register conventions: how
// many registers the unwinder rolls back, which one is PC/SP/LR, whether
// bit 0 of a return address is a Thumb marker to clear, and the per-register
// role used when a CFI rule for that register is Undefined.
type Arch struct {
	Name coreapi.Architecture

	// NumDwarfRegs bounds the register-rollback loop (spec §4.1 step 5).
	NumDwarfRegs uint64

	PCRegNum uint64
	SPRegNum uint64
	LRRegNum uint64
	BPRegNum uint64 // 0 when the architecture has no dedicated frame pointer

	// ClearThumbBit gates the original source's blanket "clear bit 0 of
	// the return address" behavior (spec §9 open question) to ARM/Thumb
	// only; RISC-V return addresses are not bit-tagged.
	ClearThumbBit bool

	roles map[uint64]registerRole

	RegnumToString func(uint64) string
}

func (a *Arch) roleOf(regNum uint64) registerRole {
	if regNum == a.SPRegNum {
		return roleCFA
	}
	if regNum == a.PCRegNum {
		return rolePC
	}
	if r, ok := a.roles[regNum]; ok {
		return r
	}
	return roleScratch
}

// ARM returns the register-policy table for ARM Cortex-M cores (Thumb/Thumb-2
// only; there is no ARM-mode distinction on M-profile parts). Registers
// 4-8, 10, 11 and 14 (LR) are callee-saved per the AAPCS; r13 (SP) carries
// the CFA and is excluded from the rollback loop by the unwinder itself.
func ARM() *Arch {
	a := &Arch{
		Name:          coreapi.ArchARM,
		NumDwarfRegs:  16,
		PCRegNum:      regnum.ARM_PC,
		SPRegNum:      regnum.ARM_SP,
		LRRegNum:      regnum.ARM_LR,
		BPRegNum:      regnum.ARM_R7, // Thumb procedure-call convention frame pointer
		ClearThumbBit: true,
		roles:         map[uint64]registerRole{},
		RegnumToString: regnum.ARMToName,
	}
	for _, r := range []uint64{4, 5, 6, 7, 8, 10, 11, regnum.ARM_LR} {
		a.roles[r] = roleCalleeSaved
	}
	return a
}

// RISCV returns the register-policy table for RV32I cores. Per the RISC-V
// calling convention, s0-s11 (x8-x9, x18-x27) and ra (x1) are callee-saved;
// there is no Thumb-style return-address tag bit.
func RISCV() *Arch {
	a := &Arch{
		Name:          coreapi.ArchRISCV,
		NumDwarfRegs:  32,
		PCRegNum:      regnum.RISCV_PC,
		SPRegNum:      regnum.RISCV_SP,
		LRRegNum:      regnum.RISCV_RA,
		BPRegNum:      8, // x8 / s0, when used as a frame pointer
		ClearThumbBit: false,
		roles:         map[uint64]registerRole{},
		RegnumToString: regnum.RISCVToName,
	}
	a.roles[regnum.RISCV_RA] = roleCalleeSaved
	for _, r := range []uint64{8, 9, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27} {
		a.roles[r] = roleCalleeSaved
	}
	return a
}

// ArchFor resolves the register-policy table for a core's reported
// architecture. AVR is out of scope for the unwinder (spec §1 names only
// ARM Cortex-M/RISC-V); callers that attach to an AVR core use the variable
// resolver and memory-AP layers only.
func ArchFor(a coreapi.Architecture) (*Arch, bool) {
	switch a {
	case coreapi.ArchARM:
		return ARM(), true
	case coreapi.ArchRISCV:
		return RISCV(), true
	default:
		return nil, false
	}
}
