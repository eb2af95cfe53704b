package memory

// nearRange is how far from a hint an allocation may land and still be
// reachable by a rel32 branch from anywhere in the hinted page.
const nearRange = 0x7FFF0000

// WithinRel32 reports whether a 5-byte branch at from can reach to.
func WithinRel32(from, to uintptr) bool {
	if to >= from {
		return to-from < nearRange
	}
	return from-to < nearRange
}

// NearCandidates returns allocation addresses around hint, alternating
// above and below it, one granule apart, while they stay within rel32
// reach and inside [minAddr, maxAddr].
func NearCandidates(hint, granularity, minAddr, maxAddr uintptr, limit int) []uintptr {
	start := hint &^ (granularity - 1)
	lo := minAddr
	if start > nearRange && start-nearRange > lo {
		lo = start - nearRange
	}
	hi := maxAddr
	if start+nearRange > start && start+nearRange < hi {
		hi = start + nearRange
	}

	var out []uintptr
	for step := uintptr(1); len(out) < limit; step++ {
		off := step * granularity
		up := start + off
		upOK := up > start && up < hi
		downOK := start > off && start-off > lo
		if !upOK && !downOK {
			break
		}
		if upOK {
			out = append(out, up)
		}
		if downOK && len(out) < limit {
			out = append(out, start-off)
		}
	}
	return out
}
