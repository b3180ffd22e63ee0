package op

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func uleb(v uint64) []byte {
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

func sleb(v int64) []byte {
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

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func noMemory(buf []byte, addr uint64) (int, error) {
	return 0, fmt.Errorf("op_test: no memory backing at %#x", addr)
}

func TestEvalLocationFbreg(t *testing.T) {
	expr := append([]byte{opFbreg}, sleb(-8)...)
	pieces, err := EvalLocation(DwarfRegisters{}, 100, expr, 4, noMemory)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, AddrPiece, pieces[0].Kind)
	require.EqualValues(t, 92, pieces[0].Addr)
}

func TestEvalLocationBreg(t *testing.T) {
	regs := DwarfRegisters{}
	regs.AddReg(13, DwarfRegisterFromUint64(0x2000))
	expr := append([]byte{opBreg0 + 13}, sleb(4)...)
	pieces, err := EvalLocation(regs, 0, expr, 4, noMemory)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, AddrPiece, pieces[0].Kind)
	require.EqualValues(t, 0x2004, pieces[0].Addr)
}

func TestExecuteStackProgramArithmetic(t *testing.T) {
	expr := []byte{opConst1u, 5, opConst1u, 3, opPlus}
	v, pieces, err := ExecuteStackProgram(DwarfRegisters{}, expr, 4, noMemory)
	require.NoError(t, err)
	require.Empty(t, pieces)
	require.EqualValues(t, 8, v)
}

func TestRequiresMemoryIsBigEndian(t *testing.T) {
	mem := func(buf []byte, addr uint64) (int, error) {
		if addr != 0x2000 {
			return 0, fmt.Errorf("unexpected addr %#x", addr)
		}
		copy(buf, []byte{0x01, 0x00})
		return len(buf), nil
	}
	expr := append([]byte{opConst4u}, le32(0x2000)...)
	expr = append(expr, opDerefSize, 2)
	v, _, err := ExecuteStackProgram(DwarfRegisters{}, expr, 4, mem)
	require.NoError(t, err)
	// Big-endian composition of {0x01, 0x00} is 0x0100 = 256, not the
	// little-endian reading of 1.
	require.EqualValues(t, 256, v)
}

func TestDerefSizeRejectsNonStandardSize(t *testing.T) {
	mem := func(buf []byte, addr uint64) (int, error) { return len(buf), nil }
	expr := append([]byte{opConst4u}, le32(0x2000)...)
	expr = append(expr, opDerefSize, 3)
	_, _, err := ExecuteStackProgram(DwarfRegisters{}, expr, 4, mem)
	require.Error(t, err)
}

func TestPieceRecordsAddrAndSize(t *testing.T) {
	expr := append([]byte{opConst4u}, le32(0x3000)...)
	expr = append(expr, opPiece)
	expr = append(expr, uleb(4)...)
	pieces, err := EvalLocation(DwarfRegisters{}, 0, expr, 4, noMemory)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, AddrPiece, pieces[0].Kind)
	require.EqualValues(t, 0x3000, pieces[0].Addr)
	require.Equal(t, 4, pieces[0].Size)
}

func TestRelocatedAddressSentinelOnFirstOperand(t *testing.T) {
	expr := append([]byte{opAddr}, le32(0x1234)...)
	pieces, err := EvalLocation(DwarfRegisters{}, 0, expr, 4, noMemory)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.EqualValues(t, uint64(math.MaxUint64), pieces[0].Addr)
}

func TestRelocatedAddressSecondOperandPassesThrough(t *testing.T) {
	var expr []byte
	expr = append(expr, opAddr)
	expr = append(expr, le32(0xaaaaaaaa)...)
	expr = append(expr, opAddr)
	expr = append(expr, le32(5)...)
	v, _, err := ExecuteStackProgram(DwarfRegisters{}, expr, 4, noMemory)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)
}

func TestUnsupportedOpcodeIsReported(t *testing.T) {
	expr := []byte{0xff}
	_, _, err := ExecuteStackProgram(DwarfRegisters{}, expr, 4, noMemory)
	require.Error(t, err)
	var unsupported *ErrUnsupportedOp
	require.ErrorAs(t, err, &unsupported)
	require.EqualValues(t, 0xff, unsupported.Op)
}

func TestRegOpcodeMarksLastWasReg(t *testing.T) {
	expr := []byte{opReg0 + 3}
	pieces, err := EvalLocation(DwarfRegisters{}, 0, expr, 4, noMemory)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, RegPiece, pieces[0].Kind)
	require.EqualValues(t, 3, pieces[0].RegNum)
}
