// Package reader provides tree-shaped access on top of the standard
// library's debug/dwarf.Reader: it materializes a DIE and its children as
// an in-memory Tree (DWARF nodes reference each other only by unit-local
// offset, so the tree is rebuilt lazily per lookup rather than kept as a
// permanent pointer graph, per the engine's arena-and-index design) and
// offers the few structural queries the unwinder and variable resolver
// need: inline-call chains, low/high PC ranges, and range-list coverage.
package reader

import (
	"debug/dwarf"
	"fmt"
)

// Tree is one DIE together with its already-resolved children.
type Tree struct {
	Entry    *dwarf.Entry
	Children []*Tree
	Offset   dwarf.Offset
}

// Tag is a small convenience accessor.
func (t *Tree) Tag() dwarf.Tag { return t.Entry.Tag }

// Val looks up an attribute on this DIE.
func (t *Tree) Val(attr dwarf.Attr) interface{} {
	if t.Entry == nil {
		return nil
	}
	return t.Entry.Val(attr)
}

// LoadTree reads the DIE at off and all of its descendants into a Tree.
// off must be an offset within d; LoadTree opens its own reader on d and
// seeks it to off.
func LoadTree(off dwarf.Offset, d *dwarf.Data) (*Tree, error) {
	rdr := d.Reader()
	rdr.Seek(off)
	e, err := rdr.Next()
	if err != nil {
		return nil, fmt.Errorf("reader: could not read DIE at %#x: %w", off, err)
	}
	if e == nil {
		return nil, fmt.Errorf("reader: no DIE at %#x", off)
	}
	return loadChildren(rdr, e)
}

func loadChildren(rdr *dwarf.Reader, e *dwarf.Entry) (*Tree, error) {
	t := &Tree{Entry: e, Offset: e.Offset}
	if !e.Children {
		return t, nil
	}
	for {
		child, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return t, nil
		}
		if child.Tag == 0 {
			// DW_TAG null entry: end of this DIE's children.
			return t, nil
		}
		childTree, err := loadChildren(rdr, child)
		if err != nil {
			return nil, err
		}
		t.Children = append(t.Children, childTree)
	}
}

// InlineStack returns the chain of DW_TAG_inlined_subroutine DIEs, outermost
// first and deepest last, whose address ranges cover pc, starting the search from root (a
// DW_TAG_subprogram or another inlined_subroutine tree already known to
// cover pc).
func InlineStack(root *Tree, pc uint64) []*Tree {
	var stack []*Tree
	cur := root
	for {
		var next *Tree
		for _, c := range cur.Children {
			if c.Tag() != dwarf.TagInlinedSubroutine {
				continue
			}
			if Covers(c, pc) {
				next = c
				break
			}
		}
		if next == nil {
			break
		}
		stack = append(stack, next)
		cur = next
	}
	return stack
}

// Covers reports whether t's DW_AT_low_pc/DW_AT_high_pc (or DW_AT_ranges,
// handled by the caller separately when a range list is needed) cover pc.
func Covers(t *Tree, pc uint64) bool {
	low, lowOk := t.Val(dwarf.AttrLowpc).(uint64)
	if !lowOk {
		return false
	}
	high := t.Val(dwarf.AttrHighpc)
	switch hv := high.(type) {
	case uint64:
		// DWARF allows DW_AT_high_pc to be either an absolute address
		// (class address) or a length from low_pc (class constant);
		// debug/dwarf does not distinguish the two in its decoded
		// value, so treat anything smaller than low as a length.
		if hv < low {
			return pc >= low && pc < low+hv
		}
		return pc >= low && pc < hv
	case int64:
		return pc >= low && pc < low+uint64(hv)
	default:
		return false
	}
}

// FindSubprogram walks root looking for the innermost DW_TAG_subprogram (or
// DW_TAG_inlined_subroutine) whose range covers pc, recursing into lexical
// blocks and namespaces along the way. It returns the path from outermost
// to innermost matching DIE.
func FindSubprogram(root *Tree, pc uint64) []*Tree {
	var path []*Tree
	var walk func(t *Tree)
	walk = func(t *Tree) {
		switch t.Tag() {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			if !Covers(t, pc) {
				return
			}
			path = append(path, t)
		case dwarf.TagLexDwarfBlock:
			if !Covers(t, pc) {
				return
			}
		}
		for _, c := range t.Children {
			walk(c)
		}
	}
	for _, c := range root.Children {
		walk(c)
	}
	return path
}
