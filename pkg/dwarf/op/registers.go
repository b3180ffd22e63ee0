// Package op evaluates DWARF location expressions (DW_OP_*) against a
// register file and a target memory reader, and models the per-frame
// DWARF register file the unwinder in pkg/proc mutates one step at a time.
package op

import "encoding/binary"

// DwarfRegister is the value of a single DWARF-numbered register. Bytes
// holds the raw register bytes when wider than 64 bits (none of the
// architectures this core targets need that, but the shape matches the
// teacher's own representation so vector registers can be added later
// without reshaping callers).
type DwarfRegister struct {
	Uint64Val uint64
	Bytes     []byte
}

// DwarfRegisterFromUint64 builds a register value from a plain integer.
func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}

// DwarfRegisterFromBytes builds a register value from its little-endian
// byte representation, as read off target memory during register rollback.
func DwarfRegisterFromBytes(buf []byte) *DwarfRegister {
	r := &DwarfRegister{Bytes: buf}
	switch len(buf) {
	case 1:
		r.Uint64Val = uint64(buf[0])
	case 2:
		r.Uint64Val = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		r.Uint64Val = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		r.Uint64Val = binary.LittleEndian.Uint64(buf)
	}
	return r
}

// DwarfRegisters is the register file for one stack frame: a sparse slice
// indexed by DWARF register number, plus the frame's CFA and frame-base
// pseudo-registers and the architecture's canonical register numbers.
type DwarfRegisters struct {
	StaticBase uint64
	ByteOrder  binary.ByteOrder

	PCRegNum uint64
	SPRegNum uint64
	BPRegNum uint64
	LRRegNum uint64

	CFA       int64
	FrameBase int64

	regs []*DwarfRegister

	// ChangeFunc, when set, is invoked by callers that want a register
	// write on this file to propagate back to the live core (e.g. while
	// stepping). The debug core itself never calls it; it exists so a
	// higher layer embedding this package can reuse the same register
	// file for live register writes without a parallel type.
	ChangeFunc func(regNum uint64, reg *DwarfRegister) error
}

// NewDwarfRegisters builds a DwarfRegisters from a pre-populated slice.
func NewDwarfRegisters(staticBase uint64, regs []*DwarfRegister, byteOrder binary.ByteOrder, pcRegNum, spRegNum, bpRegNum, lrRegNum uint64) *DwarfRegisters {
	return &DwarfRegisters{
		StaticBase: staticBase,
		ByteOrder:  byteOrder,
		regs:       regs,
		PCRegNum:   pcRegNum,
		SPRegNum:   spRegNum,
		BPRegNum:   bpRegNum,
		LRRegNum:   lrRegNum,
	}
}

// CurrentSize returns the number of register slots currently allocated.
func (d *DwarfRegisters) CurrentSize() int { return len(d.regs) }

// Reg returns the register at regNum, or nil if it is not known.
func (d *DwarfRegisters) Reg(regNum uint64) *DwarfRegister {
	if regNum >= uint64(len(d.regs)) {
		return nil
	}
	return d.regs[regNum]
}

// AddReg stores a register value at regNum, growing the backing slice if
// needed. A nil reg explicitly marks the register as unknown/undefined.
func (d *DwarfRegisters) AddReg(regNum uint64, reg *DwarfRegister) {
	if regNum >= uint64(len(d.regs)) {
		newregs := make([]*DwarfRegister, regNum+1)
		copy(newregs, d.regs)
		d.regs = newregs
	}
	d.regs[regNum] = reg
}

// Uint64Val is a convenience accessor returning 0 for an unknown register.
func (d *DwarfRegisters) Uint64Val(regNum uint64) uint64 {
	r := d.Reg(regNum)
	if r == nil {
		return 0
	}
	return r.Uint64Val
}

// PC, SP, BP and LR read the architecture's canonical registers.
func (d *DwarfRegisters) PC() uint64 { return d.Uint64Val(d.PCRegNum) }
func (d *DwarfRegisters) SP() uint64 { return d.Uint64Val(d.SPRegNum) }
func (d *DwarfRegisters) BP() uint64 { return d.Uint64Val(d.BPRegNum) }
func (d *DwarfRegisters) LR() uint64 { return d.Uint64Val(d.LRRegNum) }
