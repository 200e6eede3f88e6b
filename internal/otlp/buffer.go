package otlp

const (
	// smallBufferSize is the initial allocation for a document.
	smallBufferSize = 4 * 1024
	// promoteThreshold is the size past which the buffer stops growing
	// its contiguous segment and switches to chunked appends.
	promoteThreshold = 32 * 1024
	// chunkSize is the allocation unit once promoted.
	chunkSize = 64 * 1024
)

// Buffer is an append-only byte buffer for document encoding. It
// starts with a small contiguous segment and past promoteThreshold
// switches to fixed-size chunks, so a document holding thousands of
// events never re-copies already-encoded content on growth.
type Buffer struct {
	small  []byte
	chunks [][]byte
	cur    []byte
	n      int
}

// NewBuffer returns an empty buffer with the small segment allocated.
func NewBuffer() *Buffer {
	return &Buffer{small: make([]byte, 0, smallBufferSize)}
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return b.n
}

// promoted reports whether the buffer has switched to chunked mode.
func (b *Buffer) promoted() bool {
	return b.chunks != nil
}

// promote seals the small segment as the first chunk. Its content is
// referenced, not copied.
func (b *Buffer) promote() {
	b.chunks = [][]byte{b.small}
	b.small = nil
	b.cur = make([]byte, 0, chunkSize)
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) {
	b.Write([]byte(s))
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) {
	b.Write([]byte{c})
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) {
	b.n += len(p)

	if !b.promoted() {
		if len(b.small)+len(p) <= promoteThreshold {
			b.small = append(b.small, p...)
			return
		}
		b.promote()
	}

	for len(p) > 0 {
		free := cap(b.cur) - len(b.cur)
		if free == 0 {
			b.chunks = append(b.chunks, b.cur)
			b.cur = make([]byte, 0, chunkSize)
			free = chunkSize
		}
		take := len(p)
		if take > free {
			take = free
		}
		b.cur = append(b.cur, p[:take]...)
		p = p[take:]
	}
}

// WriteEscaped appends s as a JSON string body (without surrounding
// quotes), escaping backslash first, then quotes, then control
// characters.
func (b *Buffer) WriteEscaped(s string) {
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' && c != '"' && c >= 0x20 {
			continue
		}
		if start < i {
			b.WriteString(s[start:i])
		}
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.Write([]byte{'\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf]})
		}
		start = i + 1
	}
	if start < len(s) {
		b.WriteString(s[start:])
	}
}

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// Bytes assembles the full document. In chunked mode this is the only
// copy made of the encoded content.
func (b *Buffer) Bytes() []byte {
	if !b.promoted() {
		return b.small
	}
	out := make([]byte, 0, b.n)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	out = append(out, b.cur...)
	return out
}
