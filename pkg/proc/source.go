package proc

import "path"

// sourceLocationAt implements get_source_location (spec §4.5): the
// compilation unit whose range covers addr, then the line-row whose
// [start, end) span covers addr exactly, or the last row before it when no
// row's range contains addr exactly. An end-sequence row's PC is a hard
// upper bound: addr at or past it is outside every row's coverage and
// resolves to no location, regardless of what real row precedes it.
func (bi *BinaryInfo) sourceLocationAt(addr uint64) Location {
	cu := bi.unitForPC(addr)
	if cu == nil {
		return Location{PC: addr}
	}
	var best *lineRow
	for i := range cu.lines {
		row := &cu.lines[i]
		if row.endSeq {
			if addr >= row.pc {
				return Location{PC: addr, CompDir: cu.compDir}
			}
			continue
		}
		if row.pc > addr {
			break
		}
		var end uint64
		if i+1 < len(cu.lines) {
			end = cu.lines[i+1].pc
		} else {
			end = row.pc + 1
		}
		if addr >= row.pc && addr < end {
			best = row
			break
		}
		best = row
	}
	if best == nil {
		return Location{PC: addr, CompDir: cu.compDir}
	}
	return Location{
		File:    best.file,
		Line:    best.line,
		Column:  best.column,
		CompDir: cu.compDir,
		PC:      addr,
	}
}

// GetSourceLocation is the exported form of sourceLocationAt (spec §6).
func (bi *BinaryInfo) GetSourceLocation(addr uint64) Location {
	return bi.sourceLocationAt(addr)
}

// GetBreakpointLocation implements get_breakpoint_location (spec §4.5):
// find every row whose file matches path (by base name, since DWARF file
// entries and a user-supplied path rarely share a directory prefix
// verbatim) and whose line matches, then pick the candidate with the
// greatest column not exceeding the requested one, or the first candidate
// when column is 0 (unspecified).
func (bi *BinaryInfo) GetBreakpointLocation(reqPath string, line int, column int) (Location, bool) {
	base := path.Base(reqPath)
	var best *lineRow
	var bestCU *compilationUnit
	for _, cu := range bi.units {
		for i := range cu.lines {
			row := &cu.lines[i]
			if row.endSeq || row.line != line || path.Base(row.file) != base {
				continue
			}
			if column == 0 {
				if best == nil {
					best = row
					bestCU = cu
				}
				continue
			}
			if row.column > column {
				continue
			}
			if best == nil || row.column > best.column {
				best = row
				bestCU = cu
			}
		}
	}
	if best == nil {
		return Location{}, false
	}
	loc := Location{File: best.file, Line: best.line, Column: best.column, PC: best.pc}
	if bestCU != nil {
		loc.CompDir = bestCU.compDir
	}
	return loc, true
}

// AbsolutePath reconstructs an absolute source path for a Location: when
// File is already absolute it is returned unchanged, otherwise CompDir is
// prepended.
func (l Location) AbsolutePath() string {
	if l.File == "" {
		return ""
	}
	if path.IsAbs(l.File) {
		return l.File
	}
	if l.CompDir == "" {
		return l.File
	}
	return path.Join(l.CompDir, l.File)
}
