package llms

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/httpclient"
)

// HTTPTransport executes plugin wire requests through the retrying HTTP
// client. One transport is shared by all plugins of a bridge client.
type HTTPTransport struct {
	client *httpclient.Client

	// streamClient carries no overall timeout: http.Client.Timeout
	// covers the whole body read, which would sever long SSE streams.
	// Streaming deadlines flow through the request context instead.
	streamClient *httpclient.Client
}

// NewHTTPTransport builds a transport from the validated client config.
// The retry policy maps onto the client's backoff options; the top-level
// timeout bounds every exchange.
func NewHTTPTransport(cfg *config.ValidatedConfig) *HTTPTransport {
	// Backoff honors provider rate-limit hints across header dialects.
	opts := []httpclient.Option{
		httpclient.WithHeaderParser(httpclient.ParseRateLimitHeaders),
	}

	if rp := cfg.RetryPolicy; rp != nil {
		opts = append(opts,
			httpclient.WithMaxRetries(rp.Attempts),
			httpclient.WithBaseDelay(time.Duration(rp.BaseDelayMs)*time.Millisecond),
			httpclient.WithMaxDelay(time.Duration(rp.MaxDelayMs)*time.Millisecond),
		)
		if rp.Jitter != nil {
			opts = append(opts, httpclient.WithJitter(*rp.Jitter))
		}
		if len(rp.RetryableStatusCodes) > 0 {
			opts = append(opts, httpclient.WithRetryableStatusCodes(rp.RetryableStatusCodes))
		}
	}

	if t := cfg.TLS; t != nil {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: t.InsecureSkipVerify,
			CACertificate:      t.CACertificate,
		}))
	}

	fetchOpts := append([]httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Millisecond,
		}),
	}, opts...)
	streamOpts := append([]httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{}),
	}, opts...)

	return &HTTPTransport{
		client:       httpclient.New(fetchOpts...),
		streamClient: httpclient.New(streamOpts...),
	}
}

// Fetch executes a full exchange. Non-2xx responses are returned with a
// nil error; classification is the plugin's job via NormalizeError.
func (t *HTTPTransport) Fetch(ctx context.Context, req *HTTPRequest) (*http.Response, error) {
	return t.do(ctx, t.client, req)
}

// Stream executes the exchange and leaves the body open for incremental
// consumption.
func (t *HTTPTransport) Stream(ctx context.Context, req *HTTPRequest) (*http.Response, error) {
	return t.do(ctx, t.streamClient, req)
}

func (t *HTTPTransport) do(ctx context.Context, client *httpclient.Client, req *HTTPRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "failed to create HTTP request", err)
	}

	body := req.Body
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// Non-2xx comes back with a response attached; hand it to the
		// plugin for taxonomy mapping instead of failing here.
		if resp != nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.CodeTimeout, "request cancelled or timed out", ctx.Err())
		}
		return nil, errs.Wrap(errs.CodeTransport, "HTTP request failed", err)
	}

	return resp, nil
}
