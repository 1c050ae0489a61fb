package llm

// RequestOptions overrides sampling parameters for a single completion.
// Nil fields use the provider default.
type RequestOptions struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	StopSeqs    []string
}

// WithTemperature returns options carrying only a temperature.
func WithTemperature(t float64) *RequestOptions {
	return &RequestOptions{Temperature: &t}
}
