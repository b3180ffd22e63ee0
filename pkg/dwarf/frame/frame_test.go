package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Minimal .debug_frame byte-stream builder mirroring what arm-none-eabi-gcc
// emits for a leaf-ish function: one CIE (initial CFA = r13+0, return
// address in r14) and one FDE covering [0x1000, 0x1020) whose prologue
// pushes r4 and lr (two words), expressed as:
//
//	advance_loc(1)
//	def_cfa_offset(8)
//	offset(r14, 1)   ; lr  saved at CFA-4
//	offset(r4, 2)    ; r4  saved at CFA-8
func buildULEB(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func buildSLEB(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func buildTestDebugFrame() []byte {
	var cieBody bytes.Buffer
	cieBody.Write([]byte{0xff, 0xff, 0xff, 0xff}) // CIE id marker
	cieBody.WriteByte(3)                          // version
	cieBody.WriteByte(0)                          // empty augmentation string
	cieBody.Write(buildULEB(1))                   // code alignment factor
	cieBody.Write(buildSLEB(-4))                  // data alignment factor
	cieBody.Write(buildULEB(14))                  // return address register (lr)
	// initial instructions: def_cfa(r13, 0)
	cieBody.WriteByte(0x0c)
	cieBody.Write(buildULEB(13))
	cieBody.Write(buildULEB(0))

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(cieBody.Len()))
	cieEntryOff := out.Len()
	out.Write(lenBuf[:])
	out.Write(cieBody.Bytes())

	var fdeBody bytes.Buffer
	var cieRef [4]byte
	binary.LittleEndian.PutUint32(cieRef[:], uint32(cieEntryOff))
	fdeBody.Write(cieRef[:])
	var beginBuf, rangeBuf [4]byte
	binary.LittleEndian.PutUint32(beginBuf[:], 0x1000)
	binary.LittleEndian.PutUint32(rangeBuf[:], 0x20)
	fdeBody.Write(beginBuf[:])
	fdeBody.Write(rangeBuf[:])
	fdeBody.WriteByte(0x41) // advance_loc(1)
	fdeBody.WriteByte(0x0e) // def_cfa_offset
	fdeBody.Write(buildULEB(8))
	fdeBody.WriteByte(0x80 | 14) // offset(r14, 1)
	fdeBody.Write(buildULEB(1))
	fdeBody.WriteByte(0x80 | 4) // offset(r4, 2)
	fdeBody.Write(buildULEB(2))

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(fdeBody.Len()))
	out.Write(lenBuf[:])
	out.Write(fdeBody.Bytes())

	return out.Bytes()
}

func TestParseAndEstablishFrame(t *testing.T) {
	data := buildTestDebugFrame()
	fe, err := Parse(data, binary.LittleEndian)
	require.NoError(t, err)

	fde, err := fe.FDEForPC(0x1005)
	require.NoError(t, err)
	require.True(t, fde.Cover(0x1005))

	ctxt, err := fde.EstablishFrame(0x1005)
	require.NoError(t, err)
	require.Equal(t, RuleCFA, ctxt.CFA.Rule)
	require.EqualValues(t, 13, ctxt.CFA.Reg)
	require.EqualValues(t, 8, ctxt.CFA.Offset)

	lrRule, ok := ctxt.Regs[14]
	require.True(t, ok)
	require.Equal(t, RuleOffset, lrRule.Rule)
	require.EqualValues(t, -4, lrRule.Offset)

	r4Rule, ok := ctxt.Regs[4]
	require.True(t, ok)
	require.Equal(t, RuleOffset, r4Rule.Rule)
	require.EqualValues(t, -8, r4Rule.Offset)
}

func TestEstablishFrameBeforeAdvance(t *testing.T) {
	// At the function's very first byte, the FDE's own instructions have
	// not executed yet: only the CIE's initial CFA rule is in effect.
	data := buildTestDebugFrame()
	fe, err := Parse(data, binary.LittleEndian)
	require.NoError(t, err)

	fde, err := fe.FDEForPC(0x1000)
	require.NoError(t, err)
	ctxt, err := fde.EstablishFrame(0x1000)
	require.NoError(t, err)
	require.EqualValues(t, 13, ctxt.CFA.Reg)
	require.EqualValues(t, 0, ctxt.CFA.Offset)
	_, ok := ctxt.Regs[14]
	require.False(t, ok, "lr rule should not apply before the prologue's advance_loc")
}

// buildTestDebugFrameWithRestore mirrors buildTestDebugFrame but gives the
// CIE an initial rule for r4 (offset(r4, 1), i.e. saved at CFA-4) and has
// the FDE clobber r4 mid-prologue, then restore it with DW_CFA_restore
// after a second advance_loc, the shape GCC emits for a single
// early-return path.
func buildTestDebugFrameWithRestore() []byte {
	var cieBody bytes.Buffer
	cieBody.Write([]byte{0xff, 0xff, 0xff, 0xff})
	cieBody.WriteByte(3)
	cieBody.WriteByte(0)
	cieBody.Write(buildULEB(1))
	cieBody.Write(buildSLEB(-4))
	cieBody.Write(buildULEB(14))
	cieBody.WriteByte(0x0c) // def_cfa(r13, 0)
	cieBody.Write(buildULEB(13))
	cieBody.Write(buildULEB(0))
	cieBody.WriteByte(0x80 | 4) // offset(r4, 1): the CIE baseline rule for r4
	cieBody.Write(buildULEB(1))

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(cieBody.Len()))
	cieEntryOff := out.Len()
	out.Write(lenBuf[:])
	out.Write(cieBody.Bytes())

	var fdeBody bytes.Buffer
	var cieRef [4]byte
	binary.LittleEndian.PutUint32(cieRef[:], uint32(cieEntryOff))
	fdeBody.Write(cieRef[:])
	var beginBuf, rangeBuf [4]byte
	binary.LittleEndian.PutUint32(beginBuf[:], 0x1000)
	binary.LittleEndian.PutUint32(rangeBuf[:], 0x20)
	fdeBody.Write(beginBuf[:])
	fdeBody.Write(rangeBuf[:])
	fdeBody.WriteByte(0x41)     // advance_loc(1)
	fdeBody.WriteByte(0x80 | 4) // offset(r4, 2): clobber the CIE baseline
	fdeBody.Write(buildULEB(2))
	fdeBody.WriteByte(0x42)    // advance_loc(2)
	fdeBody.WriteByte(0xc0 | 4) // restore(r4)
	fdeBody.WriteByte(0x06)    // restore_extended(r14), never offset in the CIE
	fdeBody.Write(buildULEB(14))

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(fdeBody.Len()))
	out.Write(lenBuf[:])
	out.Write(fdeBody.Bytes())

	return out.Bytes()
}

func TestRestoreOpcodesReinstateCIEBaseline(t *testing.T) {
	data := buildTestDebugFrameWithRestore()
	fe, err := Parse(data, binary.LittleEndian)
	require.NoError(t, err)
	fde, err := fe.FDEForPC(0x1002)
	require.NoError(t, err)

	// Before the restore opcodes execute, r4 holds the FDE's clobbered
	// offset and r14 has no rule at all (the CIE never set one).
	midCtxt, err := fde.EstablishFrame(0x1002)
	require.NoError(t, err)
	r4, ok := midCtxt.Regs[4]
	require.True(t, ok)
	require.EqualValues(t, -8, r4.Offset)
	_, ok = midCtxt.Regs[14]
	require.False(t, ok)

	// After DW_CFA_restore(r4) and DW_CFA_restore_extended(r14) both run,
	// r4 is back to the CIE's initial rule and r14 has none, matching what
	// was true right after the CIE's own instructions.
	endCtxt, err := fde.EstablishFrame(0x1004)
	require.NoError(t, err)
	r4, ok = endCtxt.Regs[4]
	require.True(t, ok)
	require.Equal(t, RuleOffset, r4.Rule)
	require.EqualValues(t, -4, r4.Offset)
	_, ok = endCtxt.Regs[14]
	require.False(t, ok, "r14 had no CIE baseline rule, restore_extended must erase the FDE-local one")
}

func TestFDEForPCNotFound(t *testing.T) {
	data := buildTestDebugFrame()
	fe, err := Parse(data, binary.LittleEndian)
	require.NoError(t, err)

	_, err = fe.FDEForPC(0x9999)
	require.Error(t, err)
	var notFound *ErrNoFDEForPC
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, uint64(0x9999), notFound.PC)
}
