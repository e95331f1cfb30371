package ot

import "github.com/collabmd/collabmd/internal/textbuf"

// Apply applies op to buf, clamping pos/len to the buffer's current
// bounds first.
func Apply(buf *textbuf.Buffer, op Op) {
	op = op.Clamp(uint32(buf.Len()))
	switch op.Kind {
	case Insert:
		buf.Insert(op.Pos, op.Text)
	case Delete:
		buf.Delete(op.Pos, op.Len)
	}
}

// TransformIndex transforms a single cursor position (code-point
// offset) through an already-applied operation, the way a document
// keeps presence entries in sync with the text. Ported in spirit from
// the teacher's transformIndex, which did the equivalent walk over a
// Retain/Insert/Delete op sequence instead of a single Insert/Delete
// pair.
func TransformIndex(op Op, position uint32) uint32 {
	switch op.Kind {
	case Insert:
		if op.Pos <= position {
			return position + op.textLen()
		}
		return position
	case Delete:
		end := op.Pos + op.Len
		switch {
		case position <= op.Pos:
			return position
		case position >= end:
			return position - op.Len
		default:
			return op.Pos
		}
	default:
		return position
	}
}
