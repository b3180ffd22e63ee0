package proc

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mcuscope/dbgcore/internal/logflags"
	"github.com/mcuscope/dbgcore/pkg/coreapi"
	"github.com/mcuscope/dbgcore/pkg/dwarf/op"
	"github.com/mcuscope/dbgcore/pkg/dwarf/reader"
)

// VariableKind tags how a Variable's address relates to its parent: a
// plain named field, the pointee of a pointer (Referenced), or a synthetic
// array-element slot (Indexed).
type VariableKind uint8

const (
	KindPlain VariableKind = iota
	KindReferenced
	KindIndexed
)

// Variable is one node of a materialized variable tree: a name, its
// resolved type name, a rendered value, and any children (struct members,
// array elements, dereferenced pointee, matched enum variant). Per-variable
// failures never abort the tree (spec §7): they are recorded inline in
// Value as "UNIMPLEMENTED/ERROR: ...".
type Variable struct {
	Name     string
	TypeName string
	Value    string
	Address  uint64
	Kind     VariableKind
	Children []*Variable
}

// ptrSize is fixed at 4: every architecture this core targets (ARM
// Cortex-M, RISC-V RV32, AVR) uses a 32-bit address space.
const ptrSize = 4

// staticsSentinel is the documented compiler-bug marker for a static's
// DW_OP_addr operand that never got relocated (spec §4.2, spec.md
// RequiresRelocatedAddress(0) -> u64::MAX): preserved as an error note
// rather than silently treated as address 0.
const staticsSentinel = uint64(math.MaxUint64)

// visitKey identifies one (type, address) pair already visited while
// descending a pointer chain, so cyclic/self-referential structures
// terminate (spec §9).
type visitKey struct {
	typeOff dwarf.Offset
	addr    uint64
}

type buildCtx struct {
	bi      *BinaryInfo
	core    coreapi.Core
	regs    *op.DwarfRegisters
	visited map[visitKey]bool
}

func (c *buildCtx) readMemory(buf []byte, addr uint64) (int, error) {
	if c.core == nil {
		return 0, fmt.Errorf("proc: no core attached")
	}
	return c.core.ReadMemory(addr, buf)
}

// resolveVariables builds the variable tree visible at pc within scope
// (a DW_TAG_subprogram or, for statics, a DW_TAG_compile_unit), using cfa
// as DW_AT_frame_base's resolved value (spec §4.2).
func resolveVariables(bi *BinaryInfo, scope *reader.Tree, pc uint64, frameBase int64, core coreapi.Core) []*Variable {
	regs, _ := readRegistersForCore(core)
	regs.FrameBase = frameBase
	ctx := &buildCtx{bi: bi, core: core, regs: &regs, visited: map[visitKey]bool{}}
	return walkScope(ctx, scope, pc)
}

func readRegistersForCore(core coreapi.Core) (op.DwarfRegisters, error) {
	if core == nil {
		return op.DwarfRegisters{}, nil
	}
	arch, ok := ArchFor(core.Architecture())
	if !ok {
		return op.DwarfRegisters{}, nil
	}
	return readRegisterFile(core, arch)
}

// walkScope recurses DW_TAG_variable/namespace/lexical_block children of
// scope per the dispatch table's scoping rules, returning the visible
// variables in declaration order.
func walkScope(ctx *buildCtx, scope *reader.Tree, pc uint64) []*Variable {
	var out []*Variable
	for _, c := range scope.Children {
		switch c.Tag() {
		case dwarf.TagVariable:
			out = append(out, buildVariableDIE(ctx, c, 0, pc, ""))
		case dwarf.TagLexDwarfBlock:
			if reader.Covers(c, pc) {
				out = append(out, walkScope(ctx, c, pc)...)
			}
		case dwarf.TagNamespace:
			name, _ := c.Val(dwarf.AttrName).(string)
			for _, v := range walkScope(ctx, c, pc) {
				v.Name = name + "::" + v.Name
				out = append(out, v)
			}
		}
	}
	return out
}

// buildVariableDIE turns one DW_TAG_variable DIE into a Variable: evaluates
// its location, resolves its type, and dispatches type materialization.
// parentLoc backs the zero-location inheritance rule; members and their
// Udata-relative offsets go through buildMember/memberLocation instead.
func buildVariableDIE(ctx *buildCtx, die *reader.Tree, parentLoc uint64, pc uint64, forcedName string) *Variable {
	name, _ := die.Val(dwarf.AttrName).(string)
	if forcedName != "" {
		name = forcedName
	}
	typeOff, _ := die.Val(dwarf.AttrType).(dwarf.Offset)
	typeTree, typeErr := loadTypeTree(ctx.bi, typeOff)
	if typeErr == nil && typeTree != nil {
		if tn, _ := typeTree.Val(dwarf.AttrName).(string); strings.HasPrefix(tn, "PhantomData") {
			return nil
		}
	}

	v := &Variable{Name: name}

	loc, locErr := evaluateLocation(ctx, die)
	switch {
	case locErr != nil:
		v.Value = "UNIMPLEMENTED/ERROR: " + locErr.Error()
		return v
	case loc == staticsSentinel:
		v.Value = "UNIMPLEMENTED/ERROR: static address not relocated (compiler bug marker)"
		return v
	case loc == 0:
		loc = parentLoc
	}
	v.Address = loc

	if typeErr != nil {
		v.Value = "UNIMPLEMENTED/ERROR: " + typeErr.Error()
		return v
	}
	if typeTree == nil {
		v.TypeName = "()"
		return v
	}

	typeName, value, children, err := materializeType(ctx, typeTree, loc)
	v.TypeName = typeName
	if err != nil {
		v.Value = "UNIMPLEMENTED/ERROR: " + err.Error()
		return v
	}
	v.Value = value
	v.Children = children
	return v
}

// evaluateLocation resolves DW_AT_location (Exprloc form only is supported
// for top-level variables; members additionally accept Udata, handled by
// the member-specific caller) into an address. A zero return means
// "inherit the parent's location" per the propagation rule.
func evaluateLocation(ctx *buildCtx, die *reader.Tree) (uint64, error) {
	locAttr := die.Val(dwarf.AttrLocation)
	if locAttr == nil {
		return 0, nil
	}
	expr, ok := locAttr.([]byte)
	if !ok {
		return 0, fmt.Errorf("unsupported DW_AT_location encoding")
	}
	pieces, err := op.EvalLocation(*ctx.regs, ctx.regs.FrameBase, expr, ptrSize, ctx.readMemory)
	if err != nil {
		return 0, err
	}
	if len(pieces) != 1 {
		return 0, fmt.Errorf("location expression produced %d pieces, expected exactly 1", len(pieces))
	}
	p := pieces[0]
	switch p.Kind {
	case op.AddrPiece:
		if p.Addr == staticsSentinel {
			return staticsSentinel, nil
		}
		return p.Addr, nil
	case op.RegPiece:
		return ctx.regs.Uint64Val(p.RegNum), nil
	default:
		return 0, fmt.Errorf("unsupported immediate-value location")
	}
}

// loadTypeTree resolves a DW_AT_type offset into its DIE tree; a zero
// offset (no type, e.g. void) returns (nil, nil).
func loadTypeTree(bi *BinaryInfo, off dwarf.Offset) (*reader.Tree, error) {
	if off == 0 {
		return nil, nil
	}
	return bi.loadTree(off)
}

func byteSize(t *reader.Tree, fallback int64) int64 {
	if t == nil {
		return fallback
	}
	if v, ok := t.Val(dwarf.AttrByteSize).(int64); ok {
		return v
	}
	return fallback
}

// materializeType dispatches on a resolved type DIE's tag (spec §4.2's
// table) to produce the type's display name, its rendered value, and any
// children, given the address the variable was resolved to.
func materializeType(ctx *buildCtx, t *reader.Tree, addr uint64) (string, string, []*Variable, error) {
	name, _ := t.Val(dwarf.AttrName).(string)

	switch t.Tag() {
	case dwarf.TagBaseType:
		return materializeBaseType(ctx, t, name, addr)

	case dwarf.TagPointerType:
		return materializePointer(ctx, t, name, addr)

	case dwarf.TagStructureType:
		return materializeStruct(ctx, t, name, addr)

	case dwarf.TagEnumerationType:
		return materializeEnum(ctx, t, name, addr)

	case dwarf.TagArrayType:
		return materializeArray(ctx, t, name, addr)

	case dwarf.TagUnionType:
		return materializeUnion(ctx, t, name, addr)

	case dwarf.TagSubroutineType:
		retOff, _ := t.Val(dwarf.AttrType).(dwarf.Offset)
		retTree, _ := loadTypeTree(ctx.bi, retOff)
		retName := "()"
		if retTree != nil {
			if n, ok := retTree.Val(dwarf.AttrName).(string); ok {
				retName = n
			}
		}
		return fmt.Sprintf("fn() -> %s", retName), "<function>", nil, nil

	default:
		return name, "", nil, nil
	}
}

func materializeBaseType(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	size := byteSize(t, 4)
	buf := make([]byte, size)
	n, err := ctx.readMemory(buf, addr)
	if err != nil || int64(n) != size {
		return name, "", nil, fmt.Errorf("reading %d-byte value at %#x: %w", size, addr, err)
	}
	var u uint64
	switch size {
	case 1:
		u = uint64(buf[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		u = binary.LittleEndian.Uint64(buf)
	default:
		return name, fmt.Sprintf("% x", buf), nil, nil
	}
	if strings.Contains(name, "i8") || strings.Contains(name, "i16") || strings.Contains(name, "i32") ||
		strings.Contains(name, "int") && !strings.Contains(name, "uint") {
		return name, strconv.FormatInt(signExtend(u, size), 10), nil, nil
	}
	return name, strconv.FormatUint(u, 10), nil, nil
}

func signExtend(u uint64, size int64) int64 {
	switch size {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func materializePointer(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	buf := make([]byte, ptrSize)
	n, err := ctx.readMemory(buf, addr)
	if err != nil || n != ptrSize {
		return name, "", nil, fmt.Errorf("reading pointer at %#x: %w", addr, err)
	}
	pointee := binary.LittleEndian.Uint32(buf)

	pointeeOff, _ := t.Val(dwarf.AttrType).(dwarf.Offset)
	pointeeTree, err := loadTypeTree(ctx.bi, pointeeOff)
	if err != nil {
		return name, "", nil, err
	}
	if pointeeTree == nil {
		return name, fmt.Sprintf("%#x", pointee), nil, nil
	}
	if pn, _ := pointeeTree.Val(dwarf.AttrName).(string); pn == "()" {
		return name, fmt.Sprintf("%#x", pointee), nil, nil
	}

	key := visitKey{typeOff: pointeeTree.Offset, addr: uint64(pointee)}
	if ctx.visited[key] {
		child := &Variable{Name: "*", Address: uint64(pointee), Value: "<recursion>", Kind: KindReferenced}
		return name, fmt.Sprintf("%#x", pointee), []*Variable{child}, nil
	}
	ctx.visited[key] = true

	typeName, value, children, err := materializeType(ctx, pointeeTree, uint64(pointee))
	delete(ctx.visited, key)
	if err != nil {
		return name, "", nil, err
	}
	child := &Variable{
		Name: "*", TypeName: typeName, Value: value, Address: uint64(pointee),
		Kind: KindReferenced, Children: children,
	}
	return name, fmt.Sprintf("%#x", pointee), []*Variable{child}, nil
}

func materializeStruct(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	var children []*Variable
	for _, c := range t.Children {
		switch c.Tag() {
		case dwarf.TagMember:
			mv := buildMember(ctx, c, addr)
			if mv != nil {
				children = append(children, mv)
			}
		case dwarf.TagVariantPart:
			if v := buildVariantPart(ctx, c, addr); v != nil {
				children = append(children, v)
			}
		}
	}
	if len(children) == 0 {
		return name, name, nil, nil
	}
	return name, "", children, nil
}

func materializeUnion(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	var children []*Variable
	for _, c := range t.Children {
		if c.Tag() != dwarf.TagMember {
			continue
		}
		if mv := buildMember(ctx, c, addr); mv != nil {
			children = append(children, mv)
		}
	}
	return name, "", children, nil
}

func buildMember(ctx *buildCtx, m *reader.Tree, structAddr uint64) *Variable {
	mname, _ := m.Val(dwarf.AttrName).(string)
	typeOff, _ := m.Val(dwarf.AttrType).(dwarf.Offset)
	typeTree, err := loadTypeTree(ctx.bi, typeOff)
	if err == nil && typeTree != nil {
		if tn, _ := typeTree.Val(dwarf.AttrName).(string); strings.HasPrefix(tn, "PhantomData") {
			return nil
		}
	}

	loc := memberLocation(ctx, m, structAddr)
	v := &Variable{Name: mname, Address: loc}
	if err != nil {
		v.Value = "UNIMPLEMENTED/ERROR: " + err.Error()
		return v
	}
	if typeTree == nil {
		v.TypeName = "()"
		return v
	}
	typeName, value, children, err := materializeType(ctx, typeTree, loc)
	v.TypeName = typeName
	if err != nil {
		v.Value = "UNIMPLEMENTED/ERROR: " + err.Error()
		return v
	}
	v.Value = value
	v.Children = children
	return v
}

// memberLocation evaluates DW_AT_data_member_location: Exprloc via the
// interpreter, Udata as an offset from the struct's own address (spec
// §4.2's location-evaluation rule).
func memberLocation(ctx *buildCtx, m *reader.Tree, structAddr uint64) uint64 {
	loc := m.Val(dwarf.AttrDataMemberLoc)
	switch v := loc.(type) {
	case int64:
		return structAddr + uint64(v)
	case []byte:
		pieces, err := op.EvalLocation(*ctx.regs, ctx.regs.FrameBase, v, ptrSize, ctx.readMemory)
		if err == nil && len(pieces) > 0 && pieces[0].Kind == op.AddrPiece {
			return pieces[0].Addr
		}
		return structAddr
	default:
		return structAddr
	}
}

// buildVariantPart evaluates a Rust-style tagged enum encoded as a
// DW_TAG_variant_part: the discriminant named by DW_AT_discr is read, and
// the single matching DW_TAG_variant's own fields are wrapped under a
// Variable named for that variant (spec §4.2, scenario S3).
func buildVariantPart(ctx *buildCtx, vp *reader.Tree, structAddr uint64) *Variable {
	var discrVal int64
	if discrOff, ok := vp.Val(dwarf.AttrDiscr).(dwarf.Offset); ok {
		if discrTree, err := ctx.bi.loadTree(discrOff); err == nil {
			discrLoc := memberLocation(ctx, discrTree, structAddr)
			size := byteSize(mustTypeTree(ctx, discrTree), 1)
			buf := make([]byte, size)
			if n, err := ctx.readMemory(buf, discrLoc); err == nil && int64(n) == size {
				discrVal = int64(decodeLE(buf))
			}
		}
	}

	for _, variant := range vp.Children {
		if variant.Tag() != dwarf.TagVariant {
			continue
		}
		v, hasVal := variant.Val(dwarf.AttrDiscrValue).(int64)
		if !hasVal {
			v = 0
		}
		if v != discrVal {
			continue
		}
		vname, _ := variant.Val(dwarf.AttrName).(string)
		if vname == "" {
			vname = "variant"
		}
		var children []*Variable
		for _, c := range variant.Children {
			if c.Tag() != dwarf.TagMember {
				continue
			}
			if mv := buildMember(ctx, c, structAddr); mv != nil {
				children = append(children, mv)
			}
		}
		return &Variable{Name: vname, TypeName: vname, Children: children}
	}
	return nil
}

func mustTypeTree(ctx *buildCtx, die *reader.Tree) *reader.Tree {
	off, _ := die.Val(dwarf.AttrType).(dwarf.Offset)
	t, _ := loadTypeTree(ctx.bi, off)
	return t
}

func decodeLE(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		return 0
	}
}

func materializeEnum(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	size := byteSize(t, 1) // spec §4.8: honor DW_AT_byte_size instead of a hardcoded 1
	buf := make([]byte, size)
	n, err := ctx.readMemory(buf, addr)
	if err != nil || int64(n) != size {
		return name, "", nil, fmt.Errorf("reading %d-byte enum discriminant at %#x: %w", size, addr, err)
	}
	got := decodeLE(buf)
	for _, c := range t.Children {
		if c.Tag() != dwarf.TagEnumerator {
			continue
		}
		cv, _ := c.Val(dwarf.AttrConstValue).(int64)
		if uint64(cv) == got {
			ename, _ := c.Val(dwarf.AttrName).(string)
			return name, name + "::" + ename, nil, nil
		}
	}
	return name, fmt.Sprintf("%s::<unknown:%d>", name, got), nil, nil
}

func materializeArray(ctx *buildCtx, t *reader.Tree, name string, addr uint64) (string, string, []*Variable, error) {
	var sub *reader.Tree
	for _, c := range t.Children {
		if c.Tag() == dwarf.TagSubrangeType {
			sub = c
			break
		}
	}
	elemOff, _ := t.Val(dwarf.AttrType).(dwarf.Offset)
	elemTree, err := loadTypeTree(ctx.bi, elemOff)
	if err != nil {
		return name, "", nil, err
	}
	elemName, _ := elemTree.Val(dwarf.AttrName).(string)
	elemSize := byteSize(elemTree, 1)

	lower := int64(0)
	var count int64
	if sub != nil {
		if lb, ok := sub.Val(dwarf.AttrLowerBound).(int64); ok {
			lower = lb
		}
		if c, ok := sub.Val(dwarf.AttrCount).(int64); ok {
			count = c
		} else if ub, ok := sub.Val(dwarf.AttrUpperBound).(int64); ok {
			count = ub - lower + 1
		}
	}

	typeName := fmt.Sprintf("[%s;%d]", elemName, count)
	children := make([]*Variable, 0, count)
	for i := int64(0); i < count; i++ {
		offset := uint64(lower+i) * uint64(elemSize)
		elemAddr := addr + offset
		if elemAddr < addr {
			return typeName, "", nil, fmt.Errorf("array element %d address overflow", i)
		}
		etn, ev, ech, err := materializeType(ctx, elemTree, elemAddr)
		child := &Variable{
			Name: fmt.Sprintf("__%d", i), TypeName: etn, Address: elemAddr, Kind: KindIndexed, Children: ech,
		}
		if err != nil {
			child.Value = "UNIMPLEMENTED/ERROR: " + err.Error()
		} else {
			child.Value = ev
		}
		children = append(children, child)
	}
	return typeName, "", children, nil
}
