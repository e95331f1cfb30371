// Package textbuf implements the code-point indexed text buffer that
// backs a document's authoritative content.
package textbuf

import "strings"

// Buffer is a Unicode code-point indexed character sequence. Indices
// passed to Insert and Delete are code-point offsets, not byte or
// UTF-16 offsets, so they agree with the client's string-length
// conventions.
type Buffer struct {
	runes []rune
}

// New creates a buffer seeded with the given text.
func New(text string) *Buffer {
	return &Buffer{runes: []rune(text)}
}

// Len returns the number of code points currently in the buffer.
func (b *Buffer) Len() int {
	return len(b.runes)
}

// Text returns the buffer's contents as a string.
func (b *Buffer) Text() string {
	return string(b.runes)
}

// Clamp bounds pos to [0, len] and len to [0, bufLen-pos]: out-of-range
// requests are clamped, never rejected, because a transform can
// legitimately push an operation past the buffer end.
func (b *Buffer) Clamp(pos, length uint32) (uint32, uint32) {
	n := uint32(len(b.runes))
	if pos > n {
		pos = n
	}
	if pos+length > n {
		length = n - pos
	}
	return pos, length
}

// Insert inserts text at code-point offset pos, clamping pos to the
// buffer's current length.
func (b *Buffer) Insert(pos uint32, text string) {
	if int(pos) > len(b.runes) {
		pos = uint32(len(b.runes))
	}
	inserted := []rune(text)
	if len(inserted) == 0 {
		return
	}
	grown := make([]rune, 0, len(b.runes)+len(inserted))
	grown = append(grown, b.runes[:pos]...)
	grown = append(grown, inserted...)
	grown = append(grown, b.runes[pos:]...)
	b.runes = grown
}

// Delete removes length code points starting at pos, clamping both to
// the buffer's current bounds.
func (b *Buffer) Delete(pos, length uint32) {
	pos, length = b.Clamp(pos, length)
	if length == 0 {
		return
	}
	b.runes = append(b.runes[:pos], b.runes[pos+length:]...)
}

// Slice returns the code points in [pos, pos+length) as a string,
// clamped to the buffer's bounds.
func (b *Buffer) Slice(pos, length uint32) string {
	pos, length = b.Clamp(pos, length)
	var sb strings.Builder
	sb.WriteString(string(b.runes[pos : pos+length]))
	return sb.String()
}
