package proc

import (
	"debug/dwarf"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mcuscope/dbgcore/pkg/coreapi"
	"github.com/mcuscope/dbgcore/pkg/dwarf/reader"
)

// The tests in this package build DWARF DIE trees directly as Go values
// (reader.Tree wraps a plain *dwarf.Entry) and pre-populate BinaryInfo's
// dieCache with every offset a test exercises, rather than encoding a real
// .debug_info byte stream: dieCache is consulted before bi.loadTree ever
// falls back to reader.LoadTree(off, bi.dwarfData), so a BinaryInfo with a
// nil dwarfData works as long as every offset a code path resolves is
// present in the cache.

// dwOpFbreg is DW_OP_fbreg, used by test DIEs to build a frame-base-relative
// location expression without pulling in the op package's unexported opcode
// table.
const dwOpFbreg = 0x91

func sleb128(v int64) []byte {
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

func field(attr dwarf.Attr, val interface{}) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: val}
}

func die(off dwarf.Offset, tag dwarf.Tag, hasChildren bool, fields ...dwarf.Field) *reader.Tree {
	return &reader.Tree{
		Offset: off,
		Entry:  &dwarf.Entry{Offset: off, Tag: tag, Children: hasChildren, Field: fields},
	}
}

func withChildren(t *reader.Tree, children ...*reader.Tree) *reader.Tree {
	t.Children = children
	return t
}

func newTestBinaryInfo() *BinaryInfo {
	cache, _ := lru.New(dieCacheSize)
	return &BinaryInfo{dieCache: cache}
}

// seed populates bi's dieCache with off -> tree so bi.loadTree(off) resolves
// it without ever touching dwarfData.
func seed(bi *BinaryInfo, trees ...*reader.Tree) {
	for _, t := range trees {
		bi.dieCache.Add(t.Offset, t)
	}
}

// memCore is a coreapi.Core backed by a sparse byte map, enough to drive
// variable materialization and CFI register rollback in tests without a
// real attached target.
type memCore struct {
	mem  map[uint64]byte
	regs map[int]uint32
	arch coreapi.Architecture
}

func newMemCore(arch coreapi.Architecture) *memCore {
	return &memCore{mem: map[uint64]byte{}, regs: map[int]uint32{}, arch: arch}
}

func (c *memCore) set(addr uint64, data []byte) {
	for i, b := range data {
		c.mem[addr+uint64(i)] = b
	}
}

func (c *memCore) ReadMemory(addr uint64, buf []byte) (int, error) {
	for i := range buf {
		b, ok := c.mem[addr+uint64(i)]
		if !ok {
			return i, errNoByte(addr + uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (c *memCore) ReadRegister(n int) (uint32, error) {
	return c.regs[n], nil
}

func (c *memCore) Architecture() coreapi.Architecture { return c.arch }

type errNoByte uint64

func (e errNoByte) Error() string { return "memcore: no byte seeded at requested address" }
