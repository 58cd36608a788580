package ollama

import "net/http"

// Option configures an Ollama chat request.
type Option func(*requestOptions)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *requestOptions) { o.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p.
func WithTopP(p float64) Option {
	return func(o *requestOptions) { o.TopP = &p }
}

// WithMaxTokens sets the maximum number of tokens to predict.
func WithMaxTokens(n int) Option {
	return func(o *requestOptions) { o.NumPredict = &n }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(o *requestOptions) { o.Seed = &s }
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options applied to every request made
// by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
