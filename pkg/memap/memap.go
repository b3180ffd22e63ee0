// Package memap implements the ARM Memory Access Port polymorphic façade
// (spec §4.4): one type exposing the same read_data/write_data/CSW/BASE/TAR
// operations regardless of which of the seven AMBA bus variants the AP at
// hand actually speaks. Rather than an open interface with seven
// implementations (which would let new call sites invent new behaviour per
// arm), the variant is modeled as a closed tag with per-arm forwarding, the
// same shape the design notes (spec §9) call for: "no open-ended
// extensibility is required."
package memap

import (
	"github.com/mcuscope/dbgcore/pkg/dapaccess"
	"github.com/mcuscope/dbgcore/pkg/errtag"
)

// Register addresses shared by every MEM-AP variant (ADIv5/ADIv6 layout).
const (
	RegCSW   dapaccess.RegisterAddress = 0x00
	RegTAR   dapaccess.RegisterAddress = 0x04
	RegTAR2  dapaccess.RegisterAddress = 0x08
	RegDRW   dapaccess.RegisterAddress = 0x0c
	RegBASE2 dapaccess.RegisterAddress = 0xf0
	RegBASE  dapaccess.RegisterAddress = 0xf8
	RegIDR   dapaccess.RegisterAddress = 0xfc
)

// ApType is the IDR.TYPE field identifying which bus an AP exposes.
type ApType uint8

const (
	TypeJtagComAp     ApType = 0x0
	TypeAmbaAhb3      ApType = 0x1
	TypeAmbaApb2Apb3  ApType = 0x2
	TypeAmbaAxi3Axi4  ApType = 0x4
	TypeAmbaAhb5      ApType = 0x5
	TypeAmbaApb4Apb5  ApType = 0x6
	TypeAmbaAxi5      ApType = 0x7
	TypeAmbaAhb5Hprot ApType = 0x8
)

const (
	idrTypeShift = 4
	idrTypeMask  = 0xf
)

// Variant identifies the seven supported MEM-AP bus flavors.
type Variant uint8

const (
	VariantAHB3 Variant = iota
	VariantAHB5
	VariantAHB5HPROT
	VariantAPB2APB3
	VariantAPB4APB5
	VariantAXI3AXI4
	VariantAXI5
)

func (v Variant) String() string {
	switch v {
	case VariantAHB3:
		return "AMBA-AHB3"
	case VariantAHB5:
		return "AMBA-AHB5"
	case VariantAHB5HPROT:
		return "AMBA-AHB5-HPROT"
	case VariantAPB2APB3:
		return "AMBA-APB2/APB3"
	case VariantAPB4APB5:
		return "AMBA-APB4/APB5"
	case VariantAXI3AXI4:
		return "AMBA-AXI3/AXI4"
	case VariantAXI5:
		return "AMBA-AXI5"
	default:
		return "unknown"
	}
}

// capabilities are constant per variant; spec §3's invariants are all
// phrased in terms of these three flags.
type capabilities struct {
	largeAddress  bool
	largeData     bool
	only32BitData bool
}

var variantCaps = map[Variant]capabilities{
	VariantAHB3:      {},
	VariantAHB5:      {largeAddress: true},
	VariantAHB5HPROT: {largeAddress: true},
	VariantAPB2APB3:  {only32BitData: true},
	VariantAPB4APB5:  {largeAddress: true, only32BitData: true},
	VariantAXI3AXI4:  {largeData: true},
	VariantAXI5:      {largeAddress: true, largeData: true},
}

var variantForType = map[ApType]Variant{
	TypeAmbaAhb3:      VariantAHB3,
	TypeAmbaAhb5:      VariantAHB5,
	TypeAmbaAhb5Hprot: VariantAHB5HPROT,
	TypeAmbaApb2Apb3:  VariantAPB2APB3,
	TypeAmbaApb4Apb5:  VariantAPB4APB5,
	TypeAmbaAxi3Axi4:  VariantAXI3AXI4,
	TypeAmbaAxi5:      VariantAXI5,
}

// DataSize is a MEM-AP transfer granularity.
type DataSize uint8

const (
	Size8  DataSize = 0
	Size16 DataSize = 1
	Size32 DataSize = 2
)

// MemoryAp is the polymorphic façade: one value, a fixed variant tag, and
// the variant's cached capability flags plus its logical data-size state
// (spec §3: "the current data-size setting is part of the AP's logical
// state").
type MemoryAp struct {
	variant  Variant
	apAddr   uint8
	caps     capabilities
	datasize DataSize
	// dirty is set whenever SetTargetAddress returns an error partway
	// through, per the original's cancellation-recovery behavior (spec
	// §4.8): the caller cannot trust TAR/TAR2 to hold any particular
	// value until the next successful SetTargetAddress call.
	dirty bool
}

// New reads the AP's IDR and constructs the matching variant. An AP whose
// IDR.TYPE is JtagComAp is not a memory AP at all.
func New(iface dapaccess.Access, apAddr uint8) (*MemoryAp, error) {
	idr, err := iface.ReadAPRegister(apAddr, RegIDR)
	if err != nil {
		return nil, errtag.Wrap(errtag.Transport, err, "reading IDR of AP %#x", apAddr)
	}
	typ := ApType((idr >> idrTypeShift) & idrTypeMask)
	if typ == TypeJtagComAp {
		return nil, errtag.New(errtag.WrongApType, "AP %#x (IDR %#08x) is a JTAG-COM-AP, not a memory AP", apAddr, idr)
	}
	variant, ok := variantForType[typ]
	if !ok {
		return nil, errtag.New(errtag.RegisterParse, "AP %#x: unrecognized IDR.TYPE %#x (IDR %#08x)", apAddr, typ, idr)
	}
	return &MemoryAp{
		variant: variant,
		apAddr:  apAddr,
		caps:    variantCaps[variant],
		// Reset/attach leaves CSW.Size undefined from our point of view;
		// force the first TrySetDataSize call to actually write it.
		datasize: Size32,
		dirty:    true,
	}, nil
}

// Variant reports which of the seven bus flavors this AP speaks.
func (ap *MemoryAp) Variant() Variant { return ap.variant }

// ApAddress returns the AP address this façade was constructed against.
func (ap *MemoryAp) ApAddress() uint8 { return ap.apAddr }

// HasLargeAddressExtension reports whether TAR2 must be honored for
// addresses above 4GiB.
func (ap *MemoryAp) HasLargeAddressExtension() bool { return ap.caps.largeAddress }

// HasLargeDataExtension reports whether this AP supports data-size
// settings above 32 bits.
func (ap *MemoryAp) HasLargeDataExtension() bool { return ap.caps.largeData }

// SupportsOnly32BitDataSize reports whether TrySetDataSize only ever
// succeeds for Size32.
func (ap *MemoryAp) SupportsOnly32BitDataSize() bool { return ap.caps.only32BitData }

// TrySetDataSize alters CSW's Size field. It fails without touching the AP
// when the variant cannot represent the requested size.
func (ap *MemoryAp) TrySetDataSize(iface dapaccess.Access, size DataSize) error {
	if ap.caps.only32BitData && size != Size32 {
		return errtag.New(errtag.RegisterParse, "%s only supports 32-bit transfers, requested size %d", ap.variant, size)
	}
	if ap.datasize == size && !ap.dirty {
		return nil
	}
	raw, err := ap.rawCSW(iface)
	if err != nil {
		return err
	}
	raw = setCSWSize(raw, size)
	if err := iface.WriteAPRegister(ap.apAddr, RegCSW, raw); err != nil {
		return errtag.Wrap(errtag.Transport, err, "writing CSW on AP %#x", ap.apAddr)
	}
	ap.datasize = size
	return nil
}

func (ap *MemoryAp) rawCSW(iface dapaccess.Access) (uint32, error) {
	raw, err := iface.ReadAPRegister(ap.apAddr, RegCSW)
	if err != nil {
		return 0, errtag.Wrap(errtag.Transport, err, "reading CSW on AP %#x", ap.apAddr)
	}
	return raw, nil
}

// Status returns the variant's full, raw CSW register value. CSW bit
// layout differs by variant (AHB5 exposes MasterType/HNONSEC where APB
// exposes Prot), so callers that need variant-specific bits read Status
// directly instead of going through GenericStatus.
func (ap *MemoryAp) Status(iface dapaccess.Access) (uint32, error) {
	return ap.rawCSW(iface)
}

// GenericCSW is CSW projected down to the fields the ADIv5 base
// specification defines for every MEM-AP, regardless of variant.
type GenericCSW struct {
	Size     DataSize
	AddrInc  uint8 // 0 = off, 1 = single, 2 = packed
	DeviceEn bool
	Prot     uint8
}

// GenericStatus projects this AP's variant-specific CSW down to the
// ADIv5 generic layout (spec §4.8).
func (ap *MemoryAp) GenericStatus(iface dapaccess.Access) (GenericCSW, error) {
	raw, err := ap.rawCSW(iface)
	if err != nil {
		return GenericCSW{}, err
	}
	return GenericCSW{
		Size:     DataSize(raw & 0x7),
		AddrInc:  uint8((raw >> 4) & 0x3),
		DeviceEn: raw&(1<<6) != 0,
		Prot:     uint8((raw >> 24) & 0x7f),
	}, nil
}

func setCSWSize(raw uint32, size DataSize) uint32 {
	return (raw &^ 0x7) | uint32(size&0x7)
}

// BaseAddress reads BASE (and, when its Format bit marks an ADIv5-wide
// base, BASE2 too) and composes the debug-component base address.
func (ap *MemoryAp) BaseAddress(iface dapaccess.Access) (uint64, error) {
	base, err := iface.ReadAPRegister(ap.apAddr, RegBASE)
	if err != nil {
		return 0, errtag.Wrap(errtag.Transport, err, "reading BASE on AP %#x", ap.apAddr)
	}
	const (
		formatBit  = 1 << 1
		presentBit = 1 << 0
	)
	if base&presentBit == 0 {
		return 0, errtag.New(errtag.RegisterParse, "AP %#x: no debug base address present", ap.apAddr)
	}
	baseAddr := uint64(base&0xfffff000) // low 12 bits are shifted-in zeroes
	if base&formatBit == 0 {
		return baseAddr, nil
	}
	base2, err := iface.ReadAPRegister(ap.apAddr, RegBASE2)
	if err != nil {
		return 0, errtag.Wrap(errtag.Transport, err, "reading BASE2 on AP %#x", ap.apAddr)
	}
	return uint64(base2)<<32 | baseAddr, nil
}

// SetTargetAddress splits addr into its upper and lower 32 bits and writes
// TAR2 (when applicable) before TAR, per the ordering guarantee in spec §5.
func (ap *MemoryAp) SetTargetAddress(iface dapaccess.Access, addr uint64) error {
	upper := uint32(addr >> 32)
	lower := uint32(addr)
	if upper != 0 && !ap.caps.largeAddress {
		return errtag.New(errtag.OutOfBounds, "%s AP %#x has no large-address extension, cannot address %#x", ap.variant, ap.apAddr, addr)
	}
	if ap.caps.largeAddress {
		if err := iface.WriteAPRegister(ap.apAddr, RegTAR2, upper); err != nil {
			ap.dirty = true
			return errtag.Wrap(errtag.Transport, err, "writing TAR2 on AP %#x", ap.apAddr)
		}
	}
	if err := iface.WriteAPRegister(ap.apAddr, RegTAR, lower); err != nil {
		ap.dirty = true
		return errtag.Wrap(errtag.Transport, err, "writing TAR on AP %#x", ap.apAddr)
	}
	ap.dirty = false
	return nil
}

// ReadData reads len(values) 32-bit words from target memory starting at
// the AP's current TAR, using a repeated DRW access for more than one word.
func (ap *MemoryAp) ReadData(iface dapaccess.Access, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		v, err := iface.ReadAPRegister(ap.apAddr, RegDRW)
		if err != nil {
			return errtag.Wrap(errtag.Transport, err, "register read error on AP %#x (DRW)", ap.apAddr)
		}
		values[0] = v
		return nil
	}
	if err := iface.ReadAPRegisterRepeated(ap.apAddr, RegDRW, values); err != nil {
		return errtag.Wrap(errtag.Transport, err, "register read error on AP %#x (DRW x%d)", ap.apAddr, len(values))
	}
	return nil
}

// WriteData writes values to target memory starting at the AP's current
// TAR, using a repeated DRW access for more than one word.
func (ap *MemoryAp) WriteData(iface dapaccess.Access, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		if err := iface.WriteAPRegister(ap.apAddr, RegDRW, values[0]); err != nil {
			return errtag.Wrap(errtag.Transport, err, "register write error on AP %#x (DRW)", ap.apAddr)
		}
		return nil
	}
	if err := iface.WriteAPRegisterRepeated(ap.apAddr, RegDRW, values); err != nil {
		return errtag.Wrap(errtag.Transport, err, "register write error on AP %#x (DRW x%d)", ap.apAddr, len(values))
	}
	return nil
}
