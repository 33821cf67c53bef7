package httptransport

import (
	"log/slog"
	"net/http"
	"time"
)

// ClientOption configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables gzip responses
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithLimits sets the response size limits
func WithLimits(l Limits) ClientOption {
	return func(opts *ClientOptions) {
		opts.Limits = l
	}
}

// WithClientTimeout sets the timeout for non-streaming requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) ClientOption {
	return func(opts *ClientOptions) {
		if opts.Headers == nil {
			opts.Headers = make(http.Header)
		}
		opts.Headers.Add(key, value)
	}
}

// WithHeaders adds headers sent with every request
func WithHeaders(h http.Header) ClientOption {
	return func(opts *ClientOptions) {
		if opts.Headers == nil {
			opts.Headers = make(http.Header)
		}
		for k, vs := range h {
			for _, v := range vs {
				opts.Headers.Add(k, v)
			}
		}
	}
}

// WithBasicAuth sets the credentials sent with every request
func WithBasicAuth(username, password string) ClientOption {
	return func(opts *ClientOptions) {
		opts.Username = username
		opts.Password = password
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) ClientOption {
	return func(opts *ClientOptions) {
		opts.UserAgent = ua
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	options.Limits.setDefaults()
	return options
}
