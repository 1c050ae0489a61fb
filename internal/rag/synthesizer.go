package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// InsufficientEvidence is the phrase the model is told to use for anything
// the logs do not establish.
const InsufficientEvidence = "Not specified in logs"

// minFragment is the smallest truncated source worth adding after at least
// one whole source is already in the prompt.
const minFragment = 200

const systemPreamble = `You are a site reliability engineer analyzing system and application logs.

Rules:
1. Answer only from the numbered log excerpts you are given. Do not use outside knowledge about the system.
2. Report timestamps, service names, error codes and repeated messages exactly as they appear.
3. Quote the exact log lines that support each statement and cite their source number, e.g. [2].
4. For anything the excerpts do not establish, write "` + InsufficientEvidence + `".`

const answerFormat = `Answer in this format:

**Observations from Logs:** events, timestamps, error codes and repeated messages
**Root Cause:** what the logs state as the problem, or "` + InsufficientEvidence + `"
**Evidence:** the exact supporting log lines with their source numbers
**Recommended Actions:** steps the logs point to
**Prevention:** strategies based on the observed patterns, or "` + InsufficientEvidence + `"`

// Answer is the result of a question against a collection.
type Answer struct {
	Query      string
	Collection string
	Text       string
	Sources    []vector.Match // the sources actually placed in the prompt
	Grounded   bool           // false when no context was retrieved
}

// NoContextAnswer returns the canned text used when retrieval finds nothing.
func NoContextAnswer(collection string) string {
	return fmt.Sprintf("No relevant context found in collection %s.", collection)
}

// Synthesizer turns retrieved matches into an answer with a single
// low-temperature completion.
type Synthesizer struct {
	llm     llm.Completer
	cfg     Config
	model   string
	log     zerolog.Logger
	metrics *observability.RAGMetrics
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(c llm.Completer, cfg Config) *Synthesizer {
	return &Synthesizer{llm: c, cfg: cfg, log: zerolog.Nop()}
}

// Synthesize answers query from matches. With no matches it returns the
// canned answer without calling the model.
func (s *Synthesizer) Synthesize(ctx context.Context, query, collection string, matches []vector.Match) (*Answer, error) {
	if len(matches) == 0 {
		return &Answer{
			Query:      query,
			Collection: collection,
			Text:       NoContextAnswer(collection),
			Sources:    []vector.Match{},
		}, nil
	}

	ordered := slices.Clone(matches)
	vector.SortMatches(ordered)
	excerpts, used := BuildContext(ordered, s.cfg.MaxContextChars)

	prompt := llm.NewPrompt(systemPreamble, excerpts+"Question: "+query+"\n\n"+answerFormat)
	opts := llm.WithTemperature(s.cfg.Temperature)
	if s.cfg.MaxTokens > 0 {
		opts.MaxTokens = &s.cfg.MaxTokens
	}

	ctx, span := observability.StartLLMSpan(ctx, s.providerName(), s.model)
	defer span.End()
	start := time.Now()

	resp, err := s.llm.Complete(ctx, prompt, opts)
	if err == nil && resp == nil {
		err = errors.New("nil response")
	}
	var text string
	if err == nil {
		text = llm.StripThinkingTags(resp.Content)
		if text == "" {
			err = errors.New("model returned an empty answer")
		}
	}
	tokens := resp.TotalTokens()
	if resp != nil {
		observability.RecordLLMMetrics(span, resp.InputTokens, resp.OutputTokens, time.Since(start))
	}
	if s.metrics != nil {
		s.metrics.RecordLLMRequest(time.Since(start), tokens, err)
	}
	if err != nil {
		e := &Error{Kind: KindGeneration, Stage: StageGenerate, Dependency: "llm", Err: err}
		observability.RecordError(span, e)
		return nil, e
	}

	s.log.Debug().
		Str("collection", collection).
		Int("sources", len(used)).
		Int("dropped", len(ordered)-len(used)).
		Int("tokens", tokens).
		Msg("answer generated")

	return &Answer{
		Query:      query,
		Collection: collection,
		Text:       text,
		Sources:    used,
		Grounded:   true,
	}, nil
}

func (s *Synthesizer) providerName() string {
	if n, ok := s.llm.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}

// BuildContext renders matches as labelled sources within a budget of
// maxChars runes of source text. Sources are added whole while they fit;
// the first one that does not fit is truncated to the remaining budget and
// the rest are dropped. It returns the rendered block and the matches
// that made it in.
func BuildContext(matches []vector.Match, maxChars int) (string, []vector.Match) {
	var b strings.Builder
	b.WriteString("Log excerpts:\n\n")

	remaining := maxChars
	used := make([]vector.Match, 0, len(matches))
	for _, m := range matches {
		if remaining <= 0 {
			break
		}
		content := m.Record.Payload.Content
		n := utf8.RuneCountInString(content)
		if n > remaining {
			if len(used) > 0 && remaining < minFragment {
				break
			}
			content = truncateRunes(content, remaining)
			n = remaining
		}
		fmt.Fprintf(&b, "[%d] source=%s chunk=%d score=%.4f\n%s\n\n",
			len(used)+1, m.Record.Payload.Source, m.Record.Payload.ChunkIndex, m.Score, content)
		used = append(used, m)
		remaining -= n
	}
	return b.String(), used
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
