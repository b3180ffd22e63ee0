// Package frame parses DWARF Call Frame Information (.debug_frame) and
// replays its opcode stream to produce, for an arbitrary PC, the set of
// rules needed to recover the previous frame's registers and Canonical
// Frame Address. It intentionally supports only what the unwinder in
// pkg/proc actually consumes: 32-bit addresses (DWARF v2-compatible
// .debug_frame, per the target's use of a 32-bit address space) and the
// CFI opcode subset real embedded toolchains (arm-none-eabi-gcc,
// riscv32-unknown-elf-gcc) emit.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Rule identifies how a register (or the CFA) is recovered at a given PC.
type Rule uint8

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA
	RuleFramePointer
)

// DWRule is a single recovery rule, either for a numbered register or for
// the CFA pseudo-register.
type DWRule struct {
	Rule       Rule
	Reg        uint64
	Offset     int64
	Expression []byte
}

// FrameContext is the set of rules in effect at one PC value: how to
// recover the CFA, and how to recover every register the CIE/FDE mention.
type FrameContext struct {
	Loc        uint64
	Address    uint64 // FDE's initial_location
	CFA        DWRule
	Regs       map[uint64]DWRule
	RetAddrReg uint64
	cie        *CommonInformationEntry
	// initial holds the register rules in effect right after the CIE's
	// initial instructions ran, the baseline DW_CFA_restore/restore_extended
	// reinstate a register to.
	initial map[uint64]DWRule
}

// ErrNoFDEForPC is returned by FrameEntries.FDEForPC when no FDE's range
// covers the requested PC.
type ErrNoFDEForPC struct{ PC uint64 }

func (e *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#x", e.PC)
}

// ErrUnsupportedCFA is returned when the CFA rule computed for a PC is not
// a register+offset rule. Per the debug core's contract an Expression CFA
// rule is a design gap to be surfaced, never silently papered over.
type ErrUnsupportedCFA struct {
	PC   uint64
	Rule Rule
}

func (e *ErrUnsupportedCFA) Error() string {
	return fmt.Sprintf("unsupported CFA rule %d at PC %#x: only register+offset CFA rules are implemented", e.Rule, e.PC)
}

// CommonInformationEntry holds the shared unwind parameters for a group of
// FDEs: alignment factors, the register holding the return address, and
// the initial instruction sequence every FDE inherits from.
type CommonInformationEntry struct {
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
}

// FrameDescriptionEntry describes the unwind program for one function's
// address range.
type FrameDescriptionEntry struct {
	CIE          *CommonInformationEntry
	Begin, End   uint64
	Instructions []byte
}

// Cover reports whether pc lies within this FDE's address range.
func (fde *FrameDescriptionEntry) Cover(pc uint64) bool {
	return pc >= fde.Begin && pc < fde.End
}

// EstablishFrame replays this FDE's (and its CIE's initial) instructions up
// to pc and returns the resulting FrameContext.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) (*FrameContext, error) {
	ctxt := &FrameContext{
		Address:    fde.Begin,
		Regs:       make(map[uint64]DWRule),
		RetAddrReg: fde.CIE.ReturnAddressRegister,
		cie:        fde.CIE,
	}
	if err := executeCFAProgram(fde.CIE.InitialInstructions, ctxt, fde, pc); err != nil {
		return nil, err
	}
	initial := make(map[uint64]DWRule, len(ctxt.Regs))
	for k, v := range ctxt.Regs {
		initial[k] = v
	}
	ctxt.initial = initial
	if err := executeCFAProgram(fde.Instructions, ctxt, fde, pc); err != nil {
		return nil, err
	}
	return ctxt, nil
}

// FrameEntries is the parsed contents of a .debug_frame section: every FDE,
// in file order, each pointing at the CIE it references.
type FrameEntries struct {
	fdes []*FrameDescriptionEntry
}

// FDEForPC returns the FDE whose address range covers pc.
func (fe *FrameEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	for _, fde := range fe.fdes {
		if fde.Cover(pc) {
			return fde, nil
		}
	}
	return nil, &ErrNoFDEForPC{PC: pc}
}

// Parse decodes a raw .debug_frame section into FrameEntries. byteOrder is
// almost always binary.LittleEndian for the targets this core supports.
func Parse(data []byte, byteOrder binary.ByteOrder) (*FrameEntries, error) {
	r := bytes.NewReader(data)
	cies := map[int64]*CommonInformationEntry{}
	fe := &FrameEntries{}

	for r.Len() > 0 {
		entryOff := int64(len(data)) - int64(r.Len())

		length, err := readU32(r, byteOrder)
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return nil, err
		}
		if length == 0 {
			continue
		}
		body := make([]byte, length)
		if _, err := r.Read(body); err != nil {
			return nil, fmt.Errorf("frame: truncated entry at offset %d: %w", entryOff, err)
		}
		br := bytes.NewReader(body)

		cieID, err := readU32(br, byteOrder)
		if err != nil {
			return nil, err
		}

		if cieID == 0xffffffff {
			cie, err := parseCIE(br, byteOrder)
			if err != nil {
				return nil, fmt.Errorf("frame: CIE at offset %d: %w", entryOff, err)
			}
			cies[entryOff] = cie
			continue
		}

		cieOff := int64(cieID)
		cie, ok := cies[cieOff]
		if !ok {
			return nil, fmt.Errorf("frame: FDE at offset %d references unknown CIE at %d", entryOff, cieOff)
		}

		begin, err := readU32(br, byteOrder)
		if err != nil {
			return nil, err
		}
		rangeLen, err := readU32(br, byteOrder)
		if err != nil {
			return nil, err
		}
		instr := make([]byte, br.Len())
		if _, err := br.Read(instr); err != nil && br.Len() != 0 {
			return nil, err
		}
		fe.fdes = append(fe.fdes, &FrameDescriptionEntry{
			CIE:          cie,
			Begin:        uint64(begin),
			End:          uint64(begin) + uint64(rangeLen),
			Instructions: instr,
		})
	}
	return fe, nil
}

func parseCIE(r *bytes.Reader, byteOrder binary.ByteOrder) (*CommonInformationEntry, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	aug, err := readCString(r)
	if err != nil {
		return nil, err
	}
	if aug != "" {
		return nil, fmt.Errorf("unsupported CIE augmentation %q", aug)
	}
	codeAlign, err := readUleb128(r)
	if err != nil {
		return nil, err
	}
	dataAlign, err := readSleb128(r)
	if err != nil {
		return nil, err
	}
	var retReg uint64
	if version == 1 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		retReg = uint64(b)
	} else {
		retReg, err = readUleb128(r)
		if err != nil {
			return nil, err
		}
	}
	rest := make([]byte, r.Len())
	r.Read(rest)
	return &CommonInformationEntry{
		Version:               version,
		Augmentation:          aug,
		CodeAlignmentFactor:   codeAlign,
		DataAlignmentFactor:   dataAlign,
		ReturnAddressRegister: retReg,
		InitialInstructions:   rest,
	}, nil
}

func readU32(r *bytes.Reader, byteOrder binary.ByteOrder) (uint32, error) {
	var buf [4]byte
	if _, err := r.Read(buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}
