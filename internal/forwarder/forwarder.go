package forwarder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/mocktap/internal/logger"
)

// Forwarder is the real-network http.RoundTripper behind the interceptor. It bounds concurrency,
// strips blacklisted headers and retries idempotent requests on transport errors.
type Forwarder struct {
	transport   *http.Transport
	logger      logger.Logger
	timeout     time.Duration
	retries     int
	backoff     time.Duration
	workerPool  chan struct{}
	blacklist   map[string]struct{}
	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// Options forwarder configuration
type Options struct {
	Timeout               time.Duration
	Retries               int
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
	HeaderBlacklist       []string
	// Backoff is the first retry delay; later retries double it up to maxBackoff.
	Backoff time.Duration
}

const maxBackoff = 30 * time.Second

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

// NewForwarder creates new forwarder
func NewForwarder(logger logger.Logger, opts Options) *Forwarder {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}

	transport := &http.Transport{
		// HTTP_PROXY in this process usually points back at the proxy itself.
		Proxy:               nil,
		MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
		MaxConnsPerHost:     positiveOrDefault(opts.MaxConnsPerHost, opts.MaxConcurrent*2),
		IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(
			opts.ResponseHeaderTimeout,
			15*time.Second,
		),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	blacklist := make(map[string]struct{}, len(opts.HeaderBlacklist))
	for _, h := range opts.HeaderBlacklist {
		if h = strings.TrimSpace(h); h != "" {
			blacklist[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}

	f := &Forwarder{
		transport:  transport,
		logger:     logger,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		backoff:    durationOrDefault(opts.Backoff, time.Second),
		workerPool: make(chan struct{}, opts.MaxConcurrent),
		blacklist:  blacklist,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// RoundTrip sends req to the real network.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrForwarderClosed
	}
	f.activeCalls++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activeCalls--
		if f.activeCalls == 0 {
			f.cond.Broadcast()
		}
		f.mu.Unlock()
	}()

	ctx := req.Context()
	// Get worker token (control concurrent count)
	select {
	case f.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.workerPool }()

	out := f.prepare(req)
	retries := 0
	if retryable(out) {
		retries = f.retries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * f.backoff
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if out.GetBody != nil {
				body, err := out.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				out.Body = body
			}
		}

		resp, err := f.do(out)
		if err == nil {
			if attempt > 0 {
				f.logger.Info("Upstream request succeeded after retry",
					"url", out.URL.String(),
					"attempt", attempt+1,
				)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("Upstream attempt failed",
			"url", out.URL.String(),
			"method", out.Method,
			"error", err.Error(),
			"attempt", attempt+1,
		)
	}
	return nil, lastErr
}

// do performs one attempt. The per-attempt timeout covers the whole exchange, body included.
func (f *Forwarder) do(req *http.Request) (*http.Response, error) {
	if f.timeout <= 0 {
		return f.transport.RoundTrip(req)
	}
	ctx, cancel := context.WithTimeout(req.Context(), f.timeout)
	resp, err := f.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// prepare clones req without blacklisted headers.
func (f *Forwarder) prepare(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	for key := range out.Header {
		if f.shouldStripHeader(key) {
			out.Header.Del(key)
		}
	}
	return out
}

func (f *Forwarder) shouldStripHeader(key string) bool {
	_, blocked := f.blacklist[http.CanonicalHeaderKey(key)]
	return blocked
}

// retryable reports whether req can be resent safely: an idempotent method and a replayable body.
func retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// Close waits for in-flight calls, then drops idle connections.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	f.transport.CloseIdleConnections()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
