package proc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"

	"github.com/derekparker/trie"
	"github.com/edsrzf/mmap-go"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/exp/slices"

	"github.com/mcuscope/dbgcore/internal/logflags"
	"github.com/mcuscope/dbgcore/pkg/dwarf/frame"
	"github.com/mcuscope/dbgcore/pkg/dwarf/reader"
	"github.com/mcuscope/dbgcore/pkg/errtag"
)

// Function is one DW_TAG_subprogram, resolved once at load time so later
// lookups (unwinding, breakpoint placement) never re-walk the DIE tree.
type Function struct {
	Name    string
	Entry   uint64
	End     uint64
	cuIndex int
	dieOff  dwarf.Offset
}

// Location is a single resolved point in the source: which file, which
// line/column, and (when known) the compilation unit's directory, used to
// reconstruct an absolute path (spec §4.5).
type Location struct {
	File    string
	Line    int
	Column  int
	CompDir string
	PC      uint64
}

// compilationUnit is the per-CU state the engine keeps cached: the root DIE
// offset (resolved lazily through reader.LoadTree, per the arena+index
// design note) plus the decoded line-number program rows, sorted by PC.
type compilationUnit struct {
	off     dwarf.Offset
	lowpc   uint64
	highpc  uint64
	name    string
	compDir string
	lines   []lineRow
}

type lineRow struct {
	pc     uint64
	file   string
	line   int
	column int
	endSeq bool
}

// BinaryInfo is the loaded debug-information context for one target image:
// DWARF data, parsed CFI, and the small indexes (LRU caches, a name trie)
// that make repeated lookups during an interactive session cheap. Mirrors
// the teacher's own BinaryInfo in shape (one long-lived object a Target
// holds), narrowed to what the DWARF engine in this package needs.
type BinaryInfo struct {
	dwarfData *dwarf.Data
	frameData *frame.FrameEntries

	units []*compilationUnit
	funcs []*Function

	// dieCache memoizes reader.LoadTree results by offset; CU trees can be
	// large and the unwinder re-resolves the same subprogram repeatedly
	// while stepping through its local variables.
	dieCache *lru.Cache

	// names indexes function and static-variable names for prefix lookup
	// through SymbolsWithPrefix/FunctionsWithPrefix. GetBreakpointLocation
	// and GetStackStatics do not consult it; they scan the per-CU data.
	names      *trie.Trie
	funcByName map[string]*Function

	closer func() error
}

const dieCacheSize = 256

// OpenELF memory-maps path and loads its DWARF and CFI sections. The
// mapping is kept alive for the lifetime of the returned BinaryInfo;
// Close unmaps it.
func OpenELF(path string) (*BinaryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errtag.Wrap(errtag.Other, err, "opening %s", path)
	}
	mapping, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errtag.Wrap(errtag.Other, err, "mapping %s", path)
	}
	ef, err := elf.NewFile(mustReaderAt(mapping))
	if err != nil {
		mapping.Unmap()
		f.Close()
		return nil, errtag.Wrap(errtag.DebugData, err, "parsing ELF %s", path)
	}
	bi, err := loadFromELF(ef)
	if err != nil {
		mapping.Unmap()
		f.Close()
		return nil, err
	}
	bi.closer = func() error {
		ef.Close()
		if err := mapping.Unmap(); err != nil {
			return err
		}
		return f.Close()
	}
	return bi, nil
}

// LoadELFBytes loads DWARF and CFI straight out of an in-memory image, for
// callers (tests, a DAP client that already has the binary buffered) that
// would rather not touch the filesystem.
func LoadELFBytes(data []byte) (*BinaryInfo, error) {
	ef, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		return nil, errtag.Wrap(errtag.DebugData, err, "parsing in-memory ELF")
	}
	return loadFromELF(ef)
}

func loadFromELF(ef *elf.File) (*BinaryInfo, error) {
	dd, err := ef.DWARF()
	if err != nil {
		return nil, errtag.Wrap(errtag.DebugData, err, "loading DWARF")
	}
	cache, _ := lru.New(dieCacheSize)
	bi := &BinaryInfo{
		dwarfData:  dd,
		dieCache:   cache,
		names:      trie.New(),
		funcByName: map[string]*Function{},
	}
	if sec := ef.Section(".debug_frame"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, errtag.Wrap(errtag.DebugData, err, "reading .debug_frame")
		}
		fe, err := frame.Parse(data, ef.ByteOrder)
		if err != nil {
			return nil, errtag.Wrap(errtag.Parse, err, "parsing .debug_frame")
		}
		bi.frameData = fe
	} else {
		bi.frameData = &frame.FrameEntries{}
	}
	if err := bi.loadCompileUnits(); err != nil {
		return nil, err
	}
	bi.indexStaticNames()
	logflags.UnwindLogger().WithField("units", len(bi.units)).WithField("funcs", len(bi.funcs)).Debug("loaded debug information")
	return bi, nil
}

// indexStaticNames walks every compilation unit's namespace tree, adding
// each namespaced static variable's fully-qualified name to the symbol
// index alongside the function names collectSubprograms already added, so
// SymbolsWithPrefix covers both kinds of name.
func (bi *BinaryInfo) indexStaticNames() {
	for _, cu := range bi.units {
		root, err := bi.loadTree(cu.off)
		if err != nil {
			continue
		}
		bi.indexStaticNamesIn(root, "")
	}
}

func (bi *BinaryInfo) indexStaticNamesIn(scope *reader.Tree, prefix string) {
	for _, c := range scope.Children {
		switch c.Tag() {
		case dwarf.TagVariable:
			if name, ok := c.Val(dwarf.AttrName).(string); ok && name != "" {
				full := name
				if prefix != "" {
					full = prefix + "::" + name
				}
				bi.names.Add(full, c.Offset)
			}
		case dwarf.TagNamespace:
			name, _ := c.Val(dwarf.AttrName).(string)
			next := name
			if prefix != "" {
				next = prefix + "::" + name
			}
			bi.indexStaticNamesIn(c, next)
		}
	}
}

// SymbolsWithPrefix returns every function and static-variable name in the
// symbol index beginning with prefix (spec §4.7's SymbolIndex).
func (bi *BinaryInfo) SymbolsWithPrefix(prefix string) []string {
	return bi.names.PrefixSearch(prefix)
}

// FunctionsWithPrefix narrows SymbolsWithPrefix to names that resolve to a
// known function, for breakpoint-location path matching against a partial
// symbol name.
func (bi *BinaryInfo) FunctionsWithPrefix(prefix string) []*Function {
	var out []*Function
	for _, name := range bi.names.PrefixSearch(prefix) {
		if fn, ok := bi.funcByName[name]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// Close releases the memory mapping backing this BinaryInfo, if any.
func (bi *BinaryInfo) Close() error {
	if bi.closer != nil {
		return bi.closer()
	}
	return nil
}

// Dwarf exposes the underlying debug/dwarf.Data for callers (variable.go,
// source.go, statics.go) within this package that need raw DIE access.
func (bi *BinaryInfo) Dwarf() *dwarf.Data { return bi.dwarfData }

// loadTree resolves off through dieCache before falling back to
// reader.LoadTree: the unwinder and variable resolver re-resolve the same
// subprogram and type DIEs repeatedly (once per local variable, once per
// unwind step), so memoizing by offset avoids re-walking .debug_info on
// every one of those lookups.
func (bi *BinaryInfo) loadTree(off dwarf.Offset) (*reader.Tree, error) {
	if bi.dieCache != nil {
		if v, ok := bi.dieCache.Get(off); ok {
			return v.(*reader.Tree), nil
		}
	}
	t, err := reader.LoadTree(off, bi.dwarfData)
	if err != nil {
		return nil, err
	}
	if bi.dieCache != nil {
		bi.dieCache.Add(off, t)
	}
	return t, nil
}

// Frame exposes the parsed CFI table for the unwinder.
func (bi *BinaryInfo) Frame() *frame.FrameEntries { return bi.frameData }

func (bi *BinaryInfo) loadCompileUnits() error {
	rdr := bi.dwarfData.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			return errtag.Wrap(errtag.DebugData, err, "walking compilation units")
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}
		cu := &compilationUnit{off: e.Offset}
		if v, ok := e.Val(dwarf.AttrName).(string); ok {
			cu.name = v
		}
		if v, ok := e.Val(dwarf.AttrCompDir).(string); ok {
			cu.compDir = v
		}
		if v, ok := e.Val(dwarf.AttrLowpc).(uint64); ok {
			cu.lowpc = v
		}
		if hv := e.Val(dwarf.AttrHighpc); hv != nil {
			switch v := hv.(type) {
			case uint64:
				if v < cu.lowpc {
					cu.highpc = cu.lowpc + v
				} else {
					cu.highpc = v
				}
			case int64:
				cu.highpc = cu.lowpc + uint64(v)
			}
		}
		lr, err := bi.dwarfData.LineReader(e)
		if err != nil {
			return errtag.Wrap(errtag.DebugData, err, "reading line program for %s", cu.name)
		}
		if lr != nil {
			var entry dwarf.LineEntry
			for {
				if err := lr.Next(&entry); err != nil {
					break
				}
				cu.lines = append(cu.lines, lineRow{
					pc:     entry.Address,
					file:   fileName(entry),
					line:   entry.Line,
					column: entry.Column,
					endSeq: entry.EndSequence,
				})
			}
			slices.SortFunc(cu.lines, func(a, b lineRow) bool { return a.pc < b.pc })
		}
		bi.units = append(bi.units, cu)
		bi.collectSubprograms(rdr, e, len(bi.units)-1)
	}
	// bi.units is not re-sorted here: every Function's cuIndex is stamped as
	// a position into bi.units at collection time (collectSubprograms),
	// and reordering units after the fact would invalidate it.
	slices.SortFunc(bi.funcs, func(a, b *Function) bool { return a.Entry < b.Entry })
	return nil
}

func fileName(entry dwarf.LineEntry) string {
	if entry.File == nil {
		return ""
	}
	return entry.File.Name
}

func (bi *BinaryInfo) collectSubprograms(rdr *dwarf.Reader, cuRoot *dwarf.Entry, cuIndex int) {
	for {
		e, err := rdr.Next()
		if err != nil || e == nil {
			return
		}
		if e.Tag == 0 {
			return
		}
		if e.Tag == dwarf.TagSubprogram {
			name, _ := e.Val(dwarf.AttrName).(string)
			low, lowOk := e.Val(dwarf.AttrLowpc).(uint64)
			if lowOk && name != "" {
				high := e.Val(dwarf.AttrHighpc)
				var end uint64
				switch v := high.(type) {
				case uint64:
					if v < low {
						end = low + v
					} else {
						end = v
					}
				case int64:
					end = low + uint64(v)
				}
				fn := &Function{Name: name, Entry: low, End: end, cuIndex: cuIndex, dieOff: e.Offset}
				bi.funcs = append(bi.funcs, fn)
				bi.names.Add(name, e.Offset)
				bi.funcByName[name] = fn
			}
		}
		if e.Children {
			bi.collectSubprograms(rdr, cuRoot, cuIndex)
		}
	}
}

// FunctionForPC returns the innermost (by entry point) non-inlined function
// whose range covers pc.
func (bi *BinaryInfo) FunctionForPC(pc uint64) *Function {
	var best *Function
	for _, fn := range bi.funcs {
		if pc >= fn.Entry && pc < fn.End {
			if best == nil || fn.Entry > best.Entry {
				best = fn
			}
		}
	}
	return best
}

// FunctionName implements the exposed function_name(addr, find_inlined)
// operation (spec §6, §4.8): the innermost physical function covering addr,
// or, when findInlined is set and the innermost DIE at addr is itself a
// DW_TAG_inlined_subroutine, that inlined call's own name (resolved through
// DW_AT_abstract_origin when the DIE carries no direct DW_AT_name).
func (bi *BinaryInfo) FunctionName(addr uint64, findInlined bool) (string, bool) {
	fn := bi.FunctionForPC(addr)
	if fn == nil {
		return "", false
	}
	if findInlined {
		tree, err := bi.loadTree(fn.dieOff)
		if err == nil {
			if chain := reader.InlineStack(tree, addr); len(chain) > 0 {
				innermost := chain[len(chain)-1]
				if n, _ := innermost.Val(dwarf.AttrName).(string); n != "" {
					return n, true
				}
				if origin, ok := innermost.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
					if origTree, err := bi.loadTree(origin); err == nil {
						if n, ok := origTree.Val(dwarf.AttrName).(string); ok && n != "" {
							return n, true
						}
					}
				}
			}
		}
	}
	return fn.Name, true
}

// unitForPC returns the compilation unit whose address range covers pc.
func (bi *BinaryInfo) unitForPC(pc uint64) *compilationUnit {
	for _, cu := range bi.units {
		if cu.lowpc == 0 && cu.highpc == 0 {
			continue
		}
		if pc >= cu.lowpc && pc < cu.highpc {
			return cu
		}
	}
	return nil
}

func mustReaderAt(m mmap.MMap) *sliceReaderAt { return &sliceReaderAt{data: m} }
func bytesReaderAt(b []byte) *sliceReaderAt   { return &sliceReaderAt{data: b} }

// sliceReaderAt adapts a byte slice (mmap'd or in-memory) to io.ReaderAt
// for debug/elf.NewFile, which always requires random access.
type sliceReaderAt struct{ data []byte }

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.data)) {
		return 0, fmt.Errorf("proc: read past end of image at offset %d", off)
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("proc: short read at offset %d", off)
	}
	return n, nil
}
