package connector

// DiffLines computes the new content of a fresh capture relative to the
// previous one. It finds the longest suffix of old that appears as a
// contiguous block in new and returns everything after that block. When the
// captures are identical the overlap covers all of new and the result is
// empty; when no overlap exists (the pane was cleared or scrolled past the
// window) the whole new capture is treated as new content.
//
// Repeated identical lines can make the anchor ambiguous. The search takes
// the earliest match in new, so ambiguity errs toward re-reporting a line
// rather than dropping one; duplicates are recoverable downstream, lost
// output is not. TUIs also rewrite the final line in place (spinner frames,
// the prompt), so a capture whose last baseline line vanished is retried
// without it before giving up on the overlap.
//
// Cost is bounded by the scrollback window: O(len(old) * len(new)) line
// comparisons in the worst case.
func DiffLines(old, new []string) []string {
	if len(old) == 0 || len(new) == 0 {
		return new
	}
	if tail, ok := diffAfterOverlap(old, new); ok {
		return tail
	}
	if tail, ok := diffAfterOverlap(old[:len(old)-1], new); ok {
		return tail
	}
	return new
}

func diffAfterOverlap(old, new []string) ([]string, bool) {
	max := len(old)
	if len(new) < max {
		max = len(new)
	}
	for length := max; length > 0; length-- {
		suffix := old[len(old)-length:]
		for start := 0; start+length <= len(new); start++ {
			if linesEqual(new[start:start+length], suffix) {
				return new[start+length:], true
			}
		}
	}
	return nil, false
}

func linesEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
