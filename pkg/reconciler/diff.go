package reconciler

import "github.com/collabmd/collabmd/internal/ot"

// DiffOps computes the minimal edit from oldText to newText as at most
// one delete followed by one insert, by collapsing the common prefix
// and suffix between the two code-point sequences. This is the
// reconciler's "diff old->new" step: one keystroke, one paste, or one
// undo all produce a single delete+insert pair rather than a
// character-by-character op stream.
func DiffOps(oldText, newText string) []ot.Op {
	old := []rune(oldText)
	new := []rune(newText)

	prefix := 0
	for prefix < len(old) && prefix < len(new) && old[prefix] == new[prefix] {
		prefix++
	}

	oldEnd, newEnd := len(old), len(new)
	for oldEnd > prefix && newEnd > prefix && old[oldEnd-1] == new[newEnd-1] {
		oldEnd--
		newEnd--
	}

	var ops []ot.Op
	if oldEnd > prefix {
		ops = append(ops, ot.NewDelete(uint32(prefix), uint32(oldEnd-prefix)))
	}
	if newEnd > prefix {
		ops = append(ops, ot.NewInsert(uint32(prefix), string(new[prefix:newEnd])))
	}
	return ops
}
