package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/retry"
)

// fakeClient encodes each text as [len, first byte, 1] and can be told to
// fail any batch containing a marker text.
type fakeClient struct {
	mu       sync.Mutex
	calls    atomic.Int32
	batches  [][]string
	failOn   string
	failWith error
	failFor  int // number of times to fail before succeeding; <0 = always
	failed   int
	dim      func(text string) int
	delay    time.Duration
}

func (f *fakeClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.failOn != "" && contains(texts, f.failOn) && (f.failFor < 0 || f.failed < f.failFor) {
		f.failed++
		f.mu.Unlock()
		return nil, f.failWith
	}
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		n := 3
		if f.dim != nil {
			n = f.dim(t)
		}
		v := make([]float32, n)
		if n > 0 {
			v[0] = float32(len(t))
		}
		if n > 1 && t != "" {
			v[1] = float32(t[0])
		}
		if n > 2 {
			v[2] = 1
		}
		out[i] = v
	}
	return out, nil
}

func contains(texts []string, s string) bool {
	for _, t := range texts {
		if t == s {
			return true
		}
	}
	return false
}

func testConfig(batch, concurrency int) Config {
	return Config{
		BatchSize:   batch,
		Concurrency: concurrency,
		Retry: retry.Policy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Timeout:      time.Second,
		},
	}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("line %d %s", i, strings.Repeat("x", i%7))
	}
	return out
}

var unavailable = &llm.ProviderError{Kind: llm.KindUnavailable, Provider: "fake", Message: "503"}

func TestEmbed_PreservesOrderAndLength(t *testing.T) {
	for _, tc := range []struct{ n, batch, conc int }{
		{1, 64, 4},
		{10, 3, 4},
		{64, 64, 4},
		{65, 64, 4},
		{200, 7, 3},
	} {
		t.Run(fmt.Sprintf("n%d_b%d_c%d", tc.n, tc.batch, tc.conc), func(t *testing.T) {
			client := &fakeClient{}
			e := New(client, testConfig(tc.batch, tc.conc))
			in := texts(tc.n)

			vecs, err := e.Embed(context.Background(), in)
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if len(vecs) != len(in) {
				t.Fatalf("got %d vectors for %d texts", len(vecs), len(in))
			}
			for i, v := range vecs {
				if v[0] != float32(len(in[i])) {
					t.Fatalf("vector %d out of order: %v for %q", i, v, in[i])
				}
			}
			if got, want := int(client.calls.Load()), e.Batches(tc.n); got != want {
				t.Errorf("expected %d batch calls, got %d", want, got)
			}
		})
	}
}

func TestEmbed_Empty(t *testing.T) {
	client := &fakeClient{}
	vecs, err := New(client, testConfig(4, 2)).Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", vecs, err)
	}
	if client.calls.Load() != 0 {
		t.Error("expected no service call for empty input")
	}
}

func TestEmbed_BatchSizes(t *testing.T) {
	client := &fakeClient{}
	e := New(client, testConfig(4, 1))
	if _, err := e.Embed(context.Background(), texts(10)); err != nil {
		t.Fatal(err)
	}
	sizes := []int{}
	for _, b := range client.batches {
		sizes = append(sizes, len(b))
	}
	if fmt.Sprint(sizes) != "[4 4 2]" {
		t.Errorf("batch sizes = %v, want [4 4 2]", sizes)
	}
}

func TestEmbed_TransientRetried(t *testing.T) {
	in := texts(6)
	client := &fakeClient{failOn: in[4], failWith: unavailable, failFor: 1}
	vecs, err := New(client, testConfig(2, 2)).Embed(context.Background(), in)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(vecs) != 6 {
		t.Fatalf("expected 6 vectors, got %d", len(vecs))
	}
	if client.calls.Load() != 4 {
		t.Errorf("expected 4 calls (3 batches + 1 retry), got %d", client.calls.Load())
	}
}

func TestEmbed_SecondBatchFailsAllOrNothing(t *testing.T) {
	in := texts(6)
	client := &fakeClient{failOn: in[2], failWith: unavailable, failFor: -1}
	m := observability.NewRAGMetrics()
	e := New(client, testConfig(2, 1), WithMetrics(m))

	vecs, err := e.Embed(context.Background(), in)
	if err == nil {
		t.Fatal("expected error")
	}
	if vecs != nil {
		t.Fatalf("expected no vectors, got %d", len(vecs))
	}

	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BatchError, got %T: %v", err, err)
	}
	if be.Batch != 1 || be.Total != 3 || be.Succeeded != 1 {
		t.Errorf("BatchError = batch %d total %d succeeded %d, want 1/3/1", be.Batch, be.Total, be.Succeeded)
	}
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Errorf("expected wrapped unavailable error, got %v", err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected retries exhausted, got %v", err)
	}
	// Third batch never starts with concurrency 1.
	for _, b := range client.batches {
		if contains(b, in[4]) {
			t.Error("third batch should not run after second failed")
		}
	}
	if m.EmbedErrors.Value() != 1 {
		t.Errorf("expected 1 embed error recorded, got %v", m.EmbedErrors.Value())
	}
}

func TestEmbed_NonTransientNotRetried(t *testing.T) {
	in := texts(2)
	client := &fakeClient{
		failOn:   in[0],
		failWith: &llm.ProviderError{Kind: llm.KindAuth, Provider: "fake"},
		failFor:  -1,
	}
	_, err := New(client, testConfig(8, 1)).Embed(context.Background(), in)
	if !errors.Is(err, llm.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if client.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", client.calls.Load())
	}
}

func TestEmbed_FailureCancelsInFlight(t *testing.T) {
	in := texts(8)
	client := &fakeClient{
		failOn:   in[0],
		failWith: &llm.ProviderError{Kind: llm.KindInvalidInput, Provider: "fake"},
		failFor:  -1,
		delay:    20 * time.Millisecond,
	}
	start := time.Now()
	_, err := New(client, testConfig(2, 4)).Embed(context.Background(), in)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("embedding did not abort promptly")
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	client := &fakeClient{dim: func(text string) int {
		if strings.HasPrefix(text, "line 3") {
			return 2
		}
		return 3
	}}
	_, err := New(client, testConfig(2, 2)).Embed(context.Background(), texts(5))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

type shortClient struct{}

func (shortClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{1, 2}}, nil
}

func TestEmbed_CountMismatch(t *testing.T) {
	_, err := New(shortClient{}, testConfig(4, 1)).Embed(context.Background(), texts(3))
	if !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("expected ErrCountMismatch, got %v", err)
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeClient{}, testConfig(2, 2)).Embed(ctx, texts(4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmbedOne(t *testing.T) {
	e := New(&fakeClient{}, testConfig(4, 1))
	v, err := e.EmbedOne(context.Background(), "why did it fail")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 3 || v[0] != float32(len("why did it fail")) {
		t.Errorf("unexpected vector %v", v)
	}
	if _, err := e.EmbedOne(context.Background(), ""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(&fakeClient{}, Config{})
	if e.cfg.BatchSize != 64 || e.cfg.Concurrency != 4 {
		t.Errorf("unexpected defaults: %+v", e.cfg)
	}
	if e.Batches(129) != 3 {
		t.Errorf("Batches(129) = %d, want 3", e.Batches(129))
	}
}
