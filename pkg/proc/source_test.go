package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario from spec §8's round-trip law: a PC at or past a line program's
// end-sequence marker resolves to no location, even though a real row
// precedes it in the same compilation unit.
func TestSourceLocationAtEndSequence(t *testing.T) {
	bi := newTestBinaryInfo()
	cu := &compilationUnit{off: 1, lowpc: 0x1000, highpc: 0x3000, compDir: "/src"}
	cu.lines = []lineRow{
		{pc: 0x1000, file: "main.c", line: 10},
		{pc: 0x1010, file: "main.c", line: 11},
		{pc: 0x1020, endSeq: true},
	}
	bi.units = append(bi.units, cu)

	loc := bi.GetSourceLocation(0x1015)
	require.Equal(t, "main.c", loc.File)
	require.Equal(t, 11, loc.Line)

	loc = bi.GetSourceLocation(0x1020)
	require.Empty(t, loc.File)
	require.Zero(t, loc.Line)

	loc = bi.GetSourceLocation(0x1025)
	require.Empty(t, loc.File)
	require.Zero(t, loc.Line)
}

func TestSourceLocationAtNoCoveringUnit(t *testing.T) {
	bi := newTestBinaryInfo()
	loc := bi.GetSourceLocation(0x9000)
	require.Equal(t, uint64(0x9000), loc.PC)
	require.Empty(t, loc.File)
}
