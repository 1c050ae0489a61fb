package chunk

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
)

func TestSplit_Scenario(t *testing.T) {
	chunks, err := Split("build.log", "AAAABBBB", 4, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"AAAA", "ABBB", "BBBB"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(want), len(chunks), chunks)
	}
	for i, c := range chunks {
		if c.Text != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], c.Text)
		}
		if c.Index != i {
			t.Errorf("chunk %d: expected index %d, got %d", i, i, c.Index)
		}
		if c.Source != "build.log" {
			t.Errorf("chunk %d: expected source build.log, got %q", i, c.Source)
		}
	}
	if chunks[1].Start != 3 || chunks[1].End != 7 {
		t.Errorf("expected second span [3,7), got [%d,%d)", chunks[1].Start, chunks[1].End)
	}
}

func TestSplit_ShortText(t *testing.T) {
	chunks, err := Split("a.log", "exit status 1", 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "exit status 1" || chunks[0].Start != 0 || chunks[0].End != 13 {
		t.Errorf("unexpected chunk %+v", chunks[0])
	}
}

func TestSplit_ExactSize(t *testing.T) {
	chunks, _ := Split("a.log", "abcd", 4, 2)
	if len(chunks) != 1 || chunks[0].Text != "abcd" {
		t.Fatalf("expected single chunk 'abcd', got %+v", chunks)
	}
}

func TestSplit_Empty(t *testing.T) {
	chunks, err := Split("a.log", "", 10, 2)
	if err != nil {
		t.Fatalf("empty text should not be an error, got %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
		ok            bool
	}{
		{"valid", 10, 2, true},
		{"zero_overlap", 10, 0, true},
		{"max_overlap", 10, 9, true},
		{"zero_size", 0, 0, false},
		{"negative_size", -5, 0, false},
		{"negative_overlap", 10, -1, false},
		{"overlap_equals_size", 10, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.size, tt.overlap)
			if tt.ok && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestSplit_PrefersLineBreak(t *testing.T) {
	text := "0123456789012345\n" + "abcdefghijklmnopqrstuvwxyz"
	chunks, _ := Split("a.log", text, 20, 5)
	if chunks[0].Text != "0123456789012345\n" {
		t.Errorf("expected first chunk to end at newline, got %q", chunks[0].Text)
	}
	if chunks[1].Start != chunks[0].End-5 {
		t.Errorf("expected next chunk to start overlap before end, got %d", chunks[1].Start)
	}
	assertInvariants(t, text, chunks, 20, 5)
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 14) + "\n\n" + "bb\n" + strings.Repeat("c", 30)
	chunks, _ := Split("a.log", text, 20, 2)
	want := strings.Repeat("a", 14) + "\n\n"
	if chunks[0].Text != want {
		t.Errorf("expected first chunk %q, got %q", want, chunks[0].Text)
	}
	assertInvariants(t, text, chunks, 20, 2)
}

func TestSplit_HardCutWithoutBoundary(t *testing.T) {
	text := strings.Repeat("x", 50)
	chunks, _ := Split("a.log", text, 10, 3)
	for i, c := range chunks[:len(chunks)-1] {
		if c.Len() != 10 {
			t.Errorf("chunk %d: expected hard cut length 10, got %d", i, c.Len())
		}
		if i > 0 && c.Start-chunks[i-1].Start != 7 {
			t.Errorf("chunk %d: expected stride 7, got %d", i, c.Start-chunks[i-1].Start)
		}
	}
	assertInvariants(t, text, chunks, 10, 3)
}

func TestSplit_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("é", 9) + "日本語"
	chunks, _ := Split("a.log", text, 5, 1)
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 5 {
			t.Errorf("chunk %q has %d runes, want <= 5", c.Text, n)
		}
	}
	assertInvariants(t, text, chunks, 5, 1)
}

func TestChunks_Restartable(t *testing.T) {
	s, _ := NewSplitter(8, 2)
	text := "2024-01-01 ERROR mysqld got signal 11\n2024-01-01 InnoDB: page corruption\n"
	seq := s.Chunks("crash.log", text)

	var first, second []string
	for c := range seq {
		first = append(first, c.Text)
	}
	for c := range seq {
		second = append(second, c.Text)
	}
	if len(first) == 0 || strings.Join(first, "|") != strings.Join(second, "|") {
		t.Errorf("sequence not restartable: %v vs %v", first, second)
	}
}

func TestChunks_EarlyBreak(t *testing.T) {
	s, _ := NewSplitter(4, 1)
	count := 0
	for range s.Chunks("a.log", strings.Repeat("z", 100)) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("expected to stop after 2 chunks, got %d", count)
	}
}

func TestSplit_CoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	alphabet := []rune("abc \n\n:ERROR[]é")
	for iter := 0; iter < 300; iter++ {
		n := 1 + rng.IntN(400)
		b := make([]rune, n)
		for i := range b {
			b[i] = alphabet[rng.IntN(len(alphabet))]
		}
		size := 1 + rng.IntN(60)
		overlap := rng.IntN(size)
		text := string(b)

		chunks, err := Split("prop.log", text, size, overlap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		assertInvariants(t, text, chunks, size, overlap)
	}
}

func assertInvariants(t *testing.T, text string, chunks []Chunk, size, overlap int) {
	t.Helper()
	runes := []rune(text)
	if len(chunks) == 0 {
		t.Fatalf("expected chunks for non-empty text")
	}
	if chunks[0].Start != 0 {
		t.Errorf("first chunk must start at 0, got %d", chunks[0].Start)
	}
	last := chunks[len(chunks)-1]
	if last.End != len(runes) {
		t.Errorf("last chunk must end at %d, got %d", len(runes), last.End)
	}
	for i, c := range chunks {
		if c.Len() <= 0 || c.Len() > size {
			t.Errorf("chunk %d: length %d outside (0, %d]", i, c.Len(), size)
		}
		if c.Text != string(runes[c.Start:c.End]) {
			t.Errorf("chunk %d: text does not match span", i)
		}
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		if c.Start > prev.End {
			t.Errorf("chunk %d: gap between %d and %d", i, prev.End, c.Start)
		}
		if c.Start <= prev.Start {
			t.Errorf("chunk %d: no progress (%d <= %d)", i, c.Start, prev.Start)
		}
		if i < len(chunks)-1 && prev.End-c.Start != overlap {
			t.Errorf("chunk %d: expected overlap %d, got %d", i, overlap, prev.End-c.Start)
		}
	}
}
