package intercept

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/funnyzak/mocktap/pkg/exchange"
)

// BypassHeader on a request skips interception entirely. The header is removed before forwarding.
const BypassHeader = "X-Mocktap-Bypass"

// ErrNoFixture is returned in replay mode when FallbackOnMiss is off and no fixture matches.
var ErrNoFixture = errors.New("no fixture for request")

// errBodyAbandoned marks a capture whose response body was closed before EOF.
var errBodyAbandoned = errors.New("response body closed before EOF")

// sampleSize bounds the bytes kept for binary detection.
const sampleSize = 512

// Observer receives every finished exchange. It is called at most once per request.
type Observer func(*exchange.Exchange)

// Transport routes requests through a Session: fixtures in replay mode, recording in capture mode.
type Transport struct {
	Session *Session
	// Next performs real network round trips. http.DefaultTransport is used when nil.
	Next http.RoundTripper
	// FallbackOnMiss sends unmocked replay requests to the network instead of failing them.
	FallbackOnMiss bool
	Observer       Observer
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := exchange.New(req, t.Session.Mode().String())

	if req.Header.Get(BypassHeader) != "" {
		out := req.Clone(req.Context())
		out.Header.Del(BypassHeader)
		return t.forward(out, ex, exchange.OutcomeBypassed)
	}

	url := req.URL.String()
	if t.Session.Mode() == ModeCapture {
		if !t.Session.ShouldIntercept(req.Method, url) {
			return t.forward(req, ex, exchange.OutcomePassthrough)
		}
		return t.capture(req, ex)
	}

	if resp, ok := t.Session.ResolveAndSynthesize(req.Method, url); ok {
		httpResp := resp.HTTPResponse(req)
		ex.Outcome = exchange.OutcomeReplayed
		ex.Fixture = &exchange.Fixture{Data: resp.Entry.Data, Response: resp.Entry.Response}
		ex.SetResponse(httpResp)
		ex.Finish(int64(len(resp.Body)), head(resp.Body))
		t.observe(ex)
		return httpResp, nil
	}
	if !t.FallbackOnMiss {
		ex.Outcome = exchange.OutcomeFailed
		ex.Error = ErrNoFixture.Error()
		ex.Finish(0, nil)
		t.observe(ex)
		return nil, ErrNoFixture
	}
	return t.forward(req, ex, exchange.OutcomePassthrough)
}

func (t *Transport) next() http.RoundTripper {
	if t.Next != nil {
		return t.Next
	}
	return http.DefaultTransport
}

func (t *Transport) forward(req *http.Request, ex *exchange.Exchange, outcome exchange.Outcome) (*http.Response, error) {
	resp, err := t.next().RoundTrip(req)
	if err != nil {
		ex.Outcome = exchange.OutcomeFailed
		ex.Error = err.Error()
		ex.Finish(0, nil)
		t.observe(ex)
		return nil, err
	}
	ex.Outcome = outcome
	ex.SetResponse(resp)
	resp.Body = &observedBody{
		ReadCloser: resp.Body,
		empty:      resp.ContentLength == 0,
		onDone: func(b *observedBody, _ bodyEnd, _ error) {
			ex.Finish(b.size, b.sample)
			t.observe(ex)
		},
	}
	return resp, nil
}

func (t *Transport) capture(req *http.Request, ex *exchange.Exchange) (*http.Response, error) {
	url := req.URL.String()
	id, err := t.Session.OnRequestStart(req.Method, url)
	if err != nil {
		// Recording problems never change what the application receives.
		t.Session.log.Warn("Capture could not start, passing through", "method", req.Method, "url", url, "error", err)
		return t.forward(req, ex, exchange.OutcomeCaptureFailed)
	}
	ex.SessionID = id

	// Let the transport negotiate and decode compression so artifacts hold plain bodies.
	out := req.Clone(req.Context())
	out.Header.Del("Accept-Encoding")

	resp, err := t.next().RoundTrip(out)
	if err != nil {
		t.Session.OnRequestFailed(id, err)
		ex.Outcome = exchange.OutcomeFailed
		ex.Error = err.Error()
		ex.Finish(0, nil)
		t.observe(ex)
		return nil, err
	}
	resp.Request = req
	ex.SetResponse(resp)

	header := resp.Header.Clone()
	status := resp.StatusCode
	resp.Body = &observedBody{
		ReadCloser: resp.Body,
		empty:      resp.ContentLength == 0,
		onChunk: func(chunk []byte) {
			if err := t.Session.OnDataChunk(id, chunk); err != nil {
				t.Session.log.Warn("Capture chunk dropped", "url", url, "error", err)
			}
		},
		onDone: func(b *observedBody, end bodyEnd, cause error) {
			if end == endEOF {
				entry, err := t.Session.OnRequestComplete(id, header, status)
				if err != nil {
					ex.Outcome = exchange.OutcomeCaptureFailed
					ex.Error = err.Error()
				} else {
					ex.Outcome = exchange.OutcomeCaptured
					ex.Fixture = &exchange.Fixture{Data: entry.Data, Response: entry.Response}
				}
			} else {
				if cause == nil {
					cause = errBodyAbandoned
				}
				t.Session.OnRequestFailed(id, cause)
				ex.Outcome = exchange.OutcomeCaptureFailed
				ex.Error = cause.Error()
			}
			ex.Finish(b.size, b.sample)
			t.observe(ex)
		},
	}
	return resp, nil
}

func (t *Transport) observe(ex *exchange.Exchange) {
	if t.Observer != nil {
		t.Observer(ex)
	}
}

type bodyEnd int

const (
	endEOF bodyEnd = iota
	endError
	endClosed
)

// observedBody reports every chunk read and fires onDone exactly once: at EOF, on a read error,
// or on Close, whichever comes first.
type observedBody struct {
	io.ReadCloser
	empty   bool
	onChunk func([]byte)
	onDone  func(b *observedBody, end bodyEnd, cause error)

	size   int64
	sample []byte
	once   sync.Once
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.size += int64(n)
		if room := sampleSize - len(b.sample); room > 0 {
			b.sample = append(b.sample, p[:min(n, room)]...)
		}
		if b.onChunk != nil {
			b.onChunk(p[:n])
		}
	}
	switch {
	case err == io.EOF:
		b.finish(endEOF, nil)
	case err != nil:
		b.finish(endError, err)
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.ReadCloser.Close()
	if b.empty && b.size == 0 {
		b.finish(endEOF, nil)
	} else {
		b.finish(endClosed, nil)
	}
	return err
}

func (b *observedBody) finish(end bodyEnd, cause error) {
	b.once.Do(func() {
		if b.onDone != nil {
			b.onDone(b, end, cause)
		}
	})
}

func head(body []byte) []byte {
	if len(body) > sampleSize {
		return body[:sampleSize]
	}
	return body
}
