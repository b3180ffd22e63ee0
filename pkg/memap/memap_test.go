package memap

import (
	"testing"

	"github.com/mcuscope/dbgcore/pkg/dapaccess"
	"github.com/mcuscope/dbgcore/pkg/errtag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccess struct {
	regs map[dapaccess.RegisterAddress]uint32
	err  error
}

func newFakeAccess() *fakeAccess { return &fakeAccess{regs: map[dapaccess.RegisterAddress]uint32{}} }

func (f *fakeAccess) ReadAPRegister(apAddr uint8, reg dapaccess.RegisterAddress) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.regs[reg], nil
}

func (f *fakeAccess) WriteAPRegister(apAddr uint8, reg dapaccess.RegisterAddress, value uint32) error {
	if f.err != nil {
		return f.err
	}
	f.regs[reg] = value
	return nil
}

func (f *fakeAccess) ReadAPRegisterRepeated(apAddr uint8, reg dapaccess.RegisterAddress, values []uint32) error {
	for i := range values {
		values[i] = f.regs[reg]
	}
	return nil
}

func (f *fakeAccess) WriteAPRegisterRepeated(apAddr uint8, reg dapaccess.RegisterAddress, values []uint32) error {
	if len(values) > 0 {
		f.regs[reg] = values[len(values)-1]
	}
	return nil
}

func newAp(t *testing.T, typ ApType) (*MemoryAp, *fakeAccess) {
	t.Helper()
	iface := newFakeAccess()
	iface.regs[RegIDR] = uint32(typ) << idrTypeShift
	ap, err := New(iface, 0)
	require.NoError(t, err)
	return ap, iface
}

// S5: 64-bit address on a 32-bit-only AP is OutOfBounds, no TAR write.
func TestSetTargetAddressOutOfBoundsOnAPB2APB3(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaApb2Apb3)
	err := ap.SetTargetAddress(iface, 0x1_0000_0000)
	require.Error(t, err)
	var classified *errtag.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errtag.OutOfBounds, classified.Kind)
	assert.Zero(t, iface.regs[RegTAR])
}

// Invariant 3: OutOfBounds iff the variant lacks the large-address extension.
func TestSetTargetAddressInvariant(t *testing.T) {
	cases := []struct {
		typ      ApType
		expectOK bool
	}{
		{TypeAmbaAhb3, false},
		{TypeAmbaAhb5, true},
		{TypeAmbaAhb5Hprot, true},
		{TypeAmbaApb2Apb3, false},
		{TypeAmbaApb4Apb5, true},
		{TypeAmbaAxi3Axi4, false},
		{TypeAmbaAxi5, true},
	}
	for _, c := range cases {
		ap, iface := newAp(t, c.typ)
		err := ap.SetTargetAddress(iface, 0x1_2345_6789)
		if c.expectOK {
			assert.NoError(t, err, "%s should accept a >32-bit address", ap.Variant())
			assert.Equal(t, uint32(0x1), iface.regs[RegTAR2])
			assert.Equal(t, uint32(0x2345_6789), iface.regs[RegTAR])
		} else {
			require.Error(t, err, "%s should reject a >32-bit address", ap.Variant())
			var classified *errtag.Error
			require.ErrorAs(t, err, &classified)
			assert.Equal(t, errtag.OutOfBounds, classified.Kind)
		}
	}
}

func TestSetTargetAddressWritesTAR2BeforeTAR(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaAxi5)
	var order []dapaccess.RegisterAddress
	iface.regs = map[dapaccess.RegisterAddress]uint32{}
	wrap := &orderTrackingAccess{fakeAccess: iface, order: &order}
	require.NoError(t, ap.SetTargetAddress(wrap, 0x2_0000_0000))
	require.Len(t, order, 2)
	assert.Equal(t, RegTAR2, order[0])
	assert.Equal(t, RegTAR, order[1])
}

type orderTrackingAccess struct {
	*fakeAccess
	order *[]dapaccess.RegisterAddress
}

func (w *orderTrackingAccess) WriteAPRegister(apAddr uint8, reg dapaccess.RegisterAddress, value uint32) error {
	*w.order = append(*w.order, reg)
	return w.fakeAccess.WriteAPRegister(apAddr, reg, value)
}

// A high address followed by a low one must clear the stale upper bits in
// TAR2 rather than leave them from the previous call: TAR2 is rewritten on
// every SetTargetAddress call for a large-address-extension AP, never only
// when the upper word is nonzero or the AP is dirty.
func TestSetTargetAddressClearsStaleTAR2(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaAxi5)
	require.NoError(t, ap.SetTargetAddress(iface, 0x2_0000_1000))
	assert.Equal(t, uint32(0x2), iface.regs[RegTAR2])

	require.NoError(t, ap.SetTargetAddress(iface, 0x0000_2000))
	assert.Equal(t, uint32(0), iface.regs[RegTAR2], "TAR2 must be rewritten to 0, not left stale from the prior call")
	assert.Equal(t, uint32(0x2000), iface.regs[RegTAR])
}

// Invariant 4: BASE round trip.
func TestBaseAddressRoundTrip(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaAhb5)

	// Legacy format: BASEADDR << 12, present bit set, format bit clear.
	iface.regs[RegBASE] = (0xabcde << 12) | 0x1
	got, err := ap.BaseAddress(iface)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabcde)<<12, got)

	// ADIv5-wide format: (BASE2 << 32) | (BASEADDR << 12).
	iface.regs[RegBASE] = (0x12345 << 12) | 0x3 // present + format
	iface.regs[RegBASE2] = 0x9
	got, err = ap.BaseAddress(iface)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x9)<<32|uint64(0x12345)<<12, got)
}

func TestWrongApType(t *testing.T) {
	iface := newFakeAccess()
	iface.regs[RegIDR] = uint32(TypeJtagComAp) << idrTypeShift
	_, err := New(iface, 0)
	require.Error(t, err)
	var classified *errtag.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errtag.WrongApType, classified.Kind)
}

func TestTrySetDataSizeOnly32Bit(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaApb2Apb3)
	require.NoError(t, ap.TrySetDataSize(iface, Size32))
	err := ap.TrySetDataSize(iface, Size16)
	require.Error(t, err)
	assert.True(t, ap.SupportsOnly32BitDataSize())
}

func TestReadWriteDataSingleVsRepeated(t *testing.T) {
	ap, iface := newAp(t, TypeAmbaAhb3)
	require.NoError(t, ap.WriteData(iface, []uint32{0x42}))
	assert.Equal(t, uint32(0x42), iface.regs[RegDRW])

	out := make([]uint32, 1)
	require.NoError(t, ap.ReadData(iface, out))
	assert.Equal(t, uint32(0x42), out[0])

	multi := make([]uint32, 3)
	require.NoError(t, ap.ReadData(iface, multi))
}
