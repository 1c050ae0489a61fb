// Package chunk splits log text into overlapping, size-bounded windows.
//
// Sizes and offsets are counted in runes. A chunk ends after the last blank
// line (or, failing that, the last newline) found within the final quarter of
// the window, so structured log lines are not cut mid-record. If neither
// exists the window is cut hard at size. The next chunk starts overlap runes
// before the previous end. The last chunk is aligned to the end of the text.
package chunk

import (
	"errors"
	"fmt"
	"iter"
	"slices"
)

// ErrInvalidParams is returned for a non-positive size or an overlap outside [0, size).
var ErrInvalidParams = errors.New("invalid chunk parameters")

// Chunk is a window of a source document.
type Chunk struct {
	Index  int    `json:"index"`
	Start  int    `json:"start"` // rune offset, inclusive
	End    int    `json:"end"`   // rune offset, exclusive
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int { return c.End - c.Start }

// Validate checks the chunking parameters.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidParams, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidParams, size, overlap)
	}
	return nil
}

// Splitter produces chunks with fixed parameters.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter validates size and overlap.
func NewSplitter(size, overlap int) (*Splitter, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in runes.
func (s *Splitter) Size() int { return s.size }

// Overlap returns the number of runes consecutive chunks share.
func (s *Splitter) Overlap() int { return s.overlap }

// Chunks returns a lazy sequence over the chunks of text. The sequence can be
// ranged over any number of times. Empty text yields nothing.
func (s *Splitter) Chunks(source, text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		runes := []rune(text)
		n := len(runes)
		if n == 0 {
			return
		}

		emit := func(idx, start, end int) bool {
			return yield(Chunk{
				Index:  idx,
				Start:  start,
				End:    end,
				Source: source,
				Text:   string(runes[start:end]),
			})
		}

		start, idx := 0, 0
		for {
			if start+s.size >= n {
				emit(idx, max(0, n-s.size), n)
				return
			}
			end := start + s.size
			if b := s.boundary(runes, start, end); b > 0 {
				end = b
			}
			if !emit(idx, start, end) {
				return
			}
			start = end - s.overlap
			idx++
		}
	}
}

// Split collects Chunks into a slice.
func (s *Splitter) Split(source, text string) []Chunk {
	return slices.Collect(s.Chunks(source, text))
}

// boundary returns the offset just past the preferred line break inside the
// lookback window of [start, end), or 0 when there is none. The result is
// always greater than start+overlap so the next chunk makes progress.
func (s *Splitter) boundary(runes []rune, start, end int) int {
	lookback := max(s.size/4, 1)
	lo := max(end-lookback, start+s.overlap+1)
	if lo >= end {
		return 0
	}
	for i := end - 1; i >= lo; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i >= lo; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

// Split is a convenience wrapper for one-off splitting.
func Split(source, text string, size, overlap int) ([]Chunk, error) {
	s, err := NewSplitter(size, overlap)
	if err != nil {
		return nil, err
	}
	return s.Split(source, text), nil
}
