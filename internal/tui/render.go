package tui

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/efebarandurmaz/lograg/internal/rag"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// sectionRe matches answer headings written as "**Root Cause:**".
var sectionRe = regexp.MustCompile(`^\s*\*\*([^*]+?)(?::\*\*|\*\*:)\s*(.*)$`)

// RenderAnswer formats an answer with its sources. Source content is cut
// to previewChars runes; 0 shows it whole.
func RenderAnswer(s *Styles, a *rag.Answer, previewChars int) string {
	var b strings.Builder

	badge := s.Grounded.Render("grounded")
	if !a.Grounded {
		badge = s.Ungrounded.Render("no evidence")
	}
	b.WriteString(s.Title.Render("Answer") + " " + badge + " " + s.Subtitle.Render("collection "+a.Collection))
	b.WriteString("\n\n")

	for _, line := range strings.Split(strings.TrimSpace(a.Text), "\n") {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			b.WriteString(s.Section.Render(m[1] + ":"))
			if m[2] != "" {
				b.WriteString(" " + m[2])
			}
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}

	if len(a.Sources) == 0 {
		return b.String()
	}
	b.WriteString("\n" + s.Title.Render(fmt.Sprintf("Sources (%d)", len(a.Sources))) + "\n")
	for _, m := range a.Sources {
		p := m.Record.Payload
		label := fmt.Sprintf("[%d] %s chunk %d", m.Rank, p.Source, p.ChunkIndex)
		b.WriteString(s.SourceLabel.Render(label) + " " + ScoreColor(m.Score).Render(fmt.Sprintf("%.3f", m.Score)) + "\n")
		b.WriteString(s.Source.Render(preview(p.Content, previewChars)) + "\n")
	}
	return b.String()
}

// RenderCollections formats a collection listing.
func RenderCollections(s *Styles, infos []vector.CollectionInfo) string {
	if len(infos) == 0 {
		return s.Help.Render("No collections.") + "\n"
	}
	width := len("COLLECTION")
	for _, info := range infos {
		width = max(width, len(info.Name))
	}
	var b strings.Builder
	b.WriteString(s.Title.Render(fmt.Sprintf("%-*s  %s", width, "COLLECTION", "VECTORS")) + "\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "%-*s  %d\n", width, info.Name, info.Count)
	}
	return b.String()
}

// RenderCollection formats one collection with its catalog entries.
func RenderCollection(s *Styles, d *rag.CollectionDetails) string {
	var b strings.Builder
	b.WriteString(s.Title.Render(d.Name) + "\n")
	fmt.Fprintf(&b, "  vectors:   %d\n", d.Count)
	if d.Dimension > 0 {
		fmt.Fprintf(&b, "  dimension: %d\n", d.Dimension)
	}
	if d.Metric != "" {
		fmt.Fprintf(&b, "  metric:    %s\n", d.Metric)
	}
	if d.Status != "" {
		fmt.Fprintf(&b, "  status:    %s\n", d.Status)
	}
	if len(d.Documents) > 0 {
		b.WriteString("\n" + s.Title.Render("Documents") + "\n")
		for _, doc := range d.Documents {
			fmt.Fprintf(&b, "  %-30s %5d chunks  %s\n", doc.Name, doc.Chunks, doc.IngestedAt.Format(time.RFC3339))
		}
	}
	return s.Border.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

// RenderError formats a pipeline error with its kind.
func RenderError(s *Styles, err error) string {
	kind := rag.KindOf(err)
	if kind == 0 {
		return s.Error.Render("error: ") + err.Error()
	}
	return s.Error.Render(kind.String()+": ") + err.Error()
}

func preview(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 {
		return text
	}
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos] + "…"
		}
		i++
	}
	return text
}
