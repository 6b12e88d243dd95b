package version

import "runtime/debug"

func (i *Info) MergeForTest(bi *debug.BuildInfo) { i.merge(bi) }
