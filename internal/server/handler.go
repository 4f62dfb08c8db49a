package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/intercept"
)

var (
	errRequestBodyTooLarge = errors.New("request body exceeds configured limit")
	errNoTarget            = errors.New("request has no target host")
	errSelfTarget          = errors.New("request is addressed to the proxy itself")
)

// viaToken marks requests that already passed through a mocktap instance.
const viaToken = "1.1 mocktap"

// hopHeaders are connection-scoped and never travel past a proxy.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler is the forward-proxy front end. Every request goes through the intercepting transport.
type Handler struct {
	transport    http.RoundTripper
	logger       logger.Logger
	maxBodyBytes int64
	listenPort   string
}

// NewHandler creates a new proxy handler. listenPort is used to refuse requests that would loop
// back into the proxy.
func NewHandler(transport http.RoundTripper, logger logger.Logger, maxBodyBytes int64, listenPort int) *Handler {
	return &Handler{
		transport:    transport,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
		listenPort:   fmt.Sprint(listenPort),
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		w.Header().Set("Allow", "GET, POST, PUT, DELETE, HEAD, OPTIONS, PATCH")
		http.Error(w, "CONNECT tunnelling is not supported", http.StatusMethodNotAllowed)
		return
	}

	if strings.Contains(r.Header.Get("Via"), "mocktap") {
		http.Error(w, "proxy loop detected", http.StatusLoopDetected)
		return
	}

	target, err := h.targetURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Buffer the body so the upstream client can replay it on retry.
	body, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	out.Header.Add("Via", viaToken)
	out.RemoteAddr = r.RemoteAddr

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		h.handleRoundTripError(w, r, target, err)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	if err := copyFlushing(w, resp.Body); err != nil {
		h.logger.Debug("Response copy interrupted", "url", target.String(), "error", err)
	}
}

// targetURL resolves the upstream URL from an absolute-form request, or from the Host header of an
// origin-form one.
func (h *Handler) targetURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		if u.Path == "" {
			u.Path = "/"
		}
		return &u, nil
	}
	if r.Host == "" {
		return nil, errNoTarget
	}
	if h.loopsBack(r.Host) {
		return nil, errSelfTarget
	}
	return url.Parse("http://" + r.Host + r.URL.RequestURI())
}

func (h *Handler) loopsBack(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, "80"
	}
	if port != h.listenPort {
		return false
	}
	switch strings.ToLower(host) {
	case "", "localhost", "0.0.0.0", "::":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Handler) handleRoundTripError(w http.ResponseWriter, r *http.Request, target *url.URL, err error) {
	switch {
	case errors.Is(err, intercept.ErrNoFixture):
		http.Error(w, fmt.Sprintf("no fixture for %s %s", r.Method, target), http.StatusNotFound)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away.
	default:
		h.logger.Warn("Upstream request failed", "url", target.String(), "error", err)
		http.Error(w, "Bad Gateway: "+err.Error(), http.StatusBadGateway)
	}
}

func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if h.maxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, h.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (h *Handler) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		h.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", h.maxBodyBytes,
		)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		h.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// removeHopHeaders drops the standard hop-by-hop headers and any listed in Connection.
func removeHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); httpguts.ValidHeaderFieldName(token) {
				header.Del(token)
			}
		}
	}
	for _, key := range hopHeaders {
		header.Del(key)
	}
}

// copyFlushing streams src to w, flushing after every chunk so slow responses arrive incrementally.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
