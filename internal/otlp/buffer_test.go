package otlp

import (
	"bytes"
	"strings"
	"testing"
)

func TestBufferSmallStaysContiguous(t *testing.T) {
	b := NewBuffer()
	b.WriteString("hello ")
	b.WriteString("world")
	if b.promoted() {
		t.Error("small writes must not promote")
	}
	if got := string(b.Bytes()); got != "hello world" {
		t.Errorf("Bytes() = %q", got)
	}
	if b.Len() != 11 {
		t.Errorf("Len() = %d, want 11", b.Len())
	}
}

func TestBufferPromotesPastThreshold(t *testing.T) {
	b := NewBuffer()
	chunk := strings.Repeat("x", 1024)
	total := 0
	for total <= promoteThreshold+chunkSize {
		b.WriteString(chunk)
		total += len(chunk)
	}
	if !b.promoted() {
		t.Fatal("buffer should have promoted")
	}
	if b.Len() != total {
		t.Errorf("Len() = %d, want %d", b.Len(), total)
	}
	got := b.Bytes()
	if len(got) != total {
		t.Fatalf("Bytes() len = %d, want %d", len(got), total)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte("x"), total)) {
		t.Error("promoted content corrupted")
	}
}

func TestBufferContentPreservedAcrossPromotion(t *testing.T) {
	b := NewBuffer()
	prefix := "prefix-marker|"
	b.WriteString(prefix)
	filler := strings.Repeat("y", promoteThreshold)
	b.WriteString(filler)
	b.WriteString("|suffix-marker")

	got := string(b.Bytes())
	if !strings.HasPrefix(got, prefix) {
		t.Error("pre-promotion content lost")
	}
	if !strings.HasSuffix(got, "|suffix-marker") {
		t.Error("post-promotion content lost")
	}
	if len(got) != len(prefix)+len(filler)+len("|suffix-marker") {
		t.Errorf("length mismatch: %d", len(got))
	}
}

func TestBufferLargeSingleWrite(t *testing.T) {
	b := NewBuffer()
	big := bytes.Repeat([]byte("z"), 3*chunkSize+17)
	b.Write(big)
	if !bytes.Equal(b.Bytes(), big) {
		t.Error("large single write corrupted")
	}
}

func TestWriteEscaped(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`back\slash`, `back\\slash`},
		{`say "hi"`, `say \"hi\"`},
		{"line\nbreak", `line\nbreak`},
		{"tab\there", `tab\there`},
		{"cr\rhere", `cr\rhere`},
		{"bell\x07", `bell\u0007`},
		{"nul\x00", `nul\u0000`},
		// Backslash escaping must happen first so an existing escape
		// sequence is not double-interpreted.
		{`already \n escaped`, `already \\n escaped`},
	}
	for _, tt := range tests {
		b := NewBuffer()
		b.WriteEscaped(tt.in)
		if got := string(b.Bytes()); got != tt.want {
			t.Errorf("WriteEscaped(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteEscapedAcrossPromotion(t *testing.T) {
	b := NewBuffer()
	b.WriteString(strings.Repeat("a", promoteThreshold-2))
	b.WriteEscaped("x\"y")
	got := string(b.Bytes())
	if !strings.HasSuffix(got, `x\"y`) {
		t.Errorf("escape broken at promotion boundary: ...%s", got[len(got)-10:])
	}
}
