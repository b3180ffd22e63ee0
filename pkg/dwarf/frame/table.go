package frame

import (
	"bytes"
	"encoding/binary"
)

var lowEndian = binary.LittleEndian

type cfaState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// executeCFAProgram replays instr (either a CIE's initial instructions or
// an FDE's instructions) against ctxt, stopping once the current location
// would advance past pc. ctxt.Loc tracks the running location; ctxt.CFA and
// ctxt.Regs accumulate the rules in effect.
func executeCFAProgram(instr []byte, ctxt *FrameContext, fde *FrameDescriptionEntry, pc uint64) error {
	if ctxt.Loc == 0 {
		ctxt.Loc = ctxt.Address
	}
	r := bytes.NewReader(instr)
	var stack []cfaState

	for r.Len() > 0 {
		if ctxt.Loc > pc {
			return nil
		}
		op, err := r.ReadByte()
		if err != nil {
			return err
		}

		high := op & 0xc0
		low := uint64(op & 0x3f)

		switch high {
		case 0x40: // DW_CFA_advance_loc
			ctxt.Loc += low * ctxt.cie.CodeAlignmentFactor
			continue
		case 0x80: // DW_CFA_offset
			off, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[low] = DWRule{Rule: RuleOffset, Offset: int64(off) * ctxt.cie.DataAlignmentFactor}
			continue
		case 0xc0: // DW_CFA_restore
			restoreReg(ctxt, low)
			continue
		}

		switch op {
		case 0x00: // nop
		case 0x01: // set_loc
			addr, err := readU32(r, lowEndian)
			if err != nil {
				return err
			}
			ctxt.Loc = uint64(addr)
		case 0x02: // advance_loc1
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			ctxt.Loc += uint64(b) * ctxt.cie.CodeAlignmentFactor
		case 0x03: // advance_loc2
			var buf [2]byte
			if _, err := r.Read(buf[:]); err != nil {
				return err
			}
			ctxt.Loc += uint64(lowEndian.Uint16(buf[:])) * ctxt.cie.CodeAlignmentFactor
		case 0x04: // advance_loc4
			v, err := readU32(r, lowEndian)
			if err != nil {
				return err
			}
			ctxt.Loc += uint64(v) * ctxt.cie.CodeAlignmentFactor
		case 0x05: // offset_extended
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(off) * ctxt.cie.DataAlignmentFactor}
		case 0x06: // restore_extended
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			restoreReg(ctxt, reg)
		case 0x07: // undefined
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleUndefined}
		case 0x08: // same_value
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleSameVal}
		case 0x09: // register
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			reg2, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleRegister, Reg: reg2}
		case 0x0a: // remember_state
			snap := cfaState{cfa: ctxt.CFA, regs: make(map[uint64]DWRule, len(ctxt.Regs))}
			for k, v := range ctxt.Regs {
				snap.regs[k] = v
			}
			stack = append(stack, snap)
		case 0x0b: // restore_state
			if len(stack) == 0 {
				break
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			ctxt.CFA = top.cfa
			ctxt.Regs = top.regs
		case 0x0c: // def_cfa
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
		case 0x0d: // def_cfa_register
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.CFA.Rule = RuleCFA
			ctxt.CFA.Reg = reg
		case 0x0e: // def_cfa_offset
			off, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.CFA.Rule = RuleCFA
			ctxt.CFA.Offset = int64(off)
		case 0x0f: // def_cfa_expression
			block, err := readBlock(r)
			if err != nil {
				return err
			}
			ctxt.CFA = DWRule{Rule: RuleExpression, Expression: block}
		case 0x10: // expression
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			block, err := readBlock(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleExpression, Expression: block}
		case 0x11: // offset_extended_sf
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readSleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleOffset, Offset: off * ctxt.cie.DataAlignmentFactor}
		case 0x12: // def_cfa_sf
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readSleb128(r)
			if err != nil {
				return err
			}
			ctxt.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * ctxt.cie.DataAlignmentFactor}
		case 0x13: // def_cfa_offset_sf
			off, err := readSleb128(r)
			if err != nil {
				return err
			}
			ctxt.CFA.Rule = RuleCFA
			ctxt.CFA.Offset = off * ctxt.cie.DataAlignmentFactor
		case 0x14: // val_offset
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readUleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(off) * ctxt.cie.DataAlignmentFactor}
		case 0x15: // val_offset_sf
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			off, err := readSleb128(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: off * ctxt.cie.DataAlignmentFactor}
		case 0x16: // val_expression
			reg, err := readUleb128(r)
			if err != nil {
				return err
			}
			block, err := readBlock(r)
			if err != nil {
				return err
			}
			ctxt.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: block}
		default:
			return &unsupportedOpcode{op}
		}
	}
	return nil
}

// restoreReg implements DW_CFA_restore/DW_CFA_restore_extended: reinstate
// reg's rule to whatever was in effect right after the CIE's initial
// instructions ran, or erase any FDE-local override when the CIE never set
// one.
func restoreReg(ctxt *FrameContext, reg uint64) {
	if rule, ok := ctxt.initial[reg]; ok {
		ctxt.Regs[reg] = rule
		return
	}
	delete(ctxt.Regs, reg)
}

type unsupportedOpcode struct{ op byte }

func (e *unsupportedOpcode) Error() string {
	return "unsupported CFI opcode"
}

func readBlock(r *bytes.Reader) ([]byte, error) {
	n, err := readUleb128(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
