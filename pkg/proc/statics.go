package proc

import (
	"fmt"

	"github.com/mcuscope/dbgcore/pkg/coreapi"
)

// GetStackStatics walks the compilation unit whose address range covers pc
// (the first one in load order, when several do; the others are not
// visited) and returns the flattened static/namespaced-static variable list
// (spec §4.8, scenario S6). It reuses the same tree-building logic locals
// use, rooted at the compilation unit's own DIE instead of a subprogram's,
// since DW_TAG_namespace/DW_TAG_variable dispatch is identical either way.
func GetStackStatics(bi *BinaryInfo, core coreapi.Core, pc uint64) ([]*Variable, error) {
	cu := bi.unitForPC(pc)
	if cu == nil {
		return nil, fmt.Errorf("proc: no compilation unit covers pc %#x", pc)
	}
	root, err := bi.loadTree(cu.off)
	if err != nil {
		return nil, err
	}
	return resolveVariables(bi, root, pc, 0, core), nil
}
