package printer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/exchange"
	"golang.org/x/term"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	HeaderKey    *color.Color
	HeaderValue  *color.Color
	Separator    *color.Color
	Timestamp    *color.Color
	Replayed     *color.Color
	Captured     *color.Color
	Passthrough  *color.Color
	Failure      *color.Color
	StatusOK     *color.Color
	StatusError  *color.Color
	Fixture      *color.Color
	Query        *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		HeaderKey:    color.New(color.FgCyan),
		HeaderValue:  color.New(color.FgWhite),
		Separator:    color.New(color.FgYellow, color.Bold),
		Timestamp:    color.New(color.FgHiBlack),
		Replayed:     color.New(color.FgHiGreen, color.Bold),
		Captured:     color.New(color.FgHiMagenta, color.Bold),
		Passthrough:  color.New(color.FgHiBlue, color.Bold),
		Failure:      color.New(color.FgHiRed, color.Bold),
		StatusOK:     color.New(color.FgGreen),
		StatusError:  color.New(color.FgRed),
		Fixture:      color.New(color.FgHiYellow),
		Query:        color.New(color.FgHiMagenta),
	}
}

// ConsolePrinter renders exchanges as human-readable blocks.
type ConsolePrinter struct {
	mu          sync.Mutex
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
	counter     uint64
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(logger logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      logger,
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	width := 80
	if testWidth := os.Getenv("MOCKTAP_TEST_WIDTH"); testWidth != "" {
		if w, err := strconv.Atoi(testWidth); err == nil {
			width = w
		}
	} else if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}

	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified width, preserving words
func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	if maxWidth <= 0 {
		return []string{text}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := utf8.RuneCountInString(currentLine)
	for _, word := range words[1:] {
		wordWidth := utf8.RuneCountInString(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

// PrintExchange prints one finished exchange. The block is rendered in full before it is
// written so concurrent exchanges never interleave.
func (p *ConsolePrinter) PrintExchange(ex *exchange.Exchange) error {
	width := p.getTerminalWidth()
	var buf bytes.Buffer

	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++

	separator := strings.Repeat("-", width)
	p.colorScheme.Separator.Fprintln(&buf, separator)
	p.colorScheme.Separator.Fprintf(&buf, "Exchange #%d  ", p.counter)
	p.colorScheme.Timestamp.Fprint(&buf, ex.Timestamp.Format("2006-01-02T15:04:05-07:00"))
	fmt.Fprint(&buf, "  ")
	p.outcomeColor(ex.Outcome).Fprintln(&buf, strings.ToUpper(string(ex.Outcome)))
	p.printRequestLine(&buf, ex)
	p.printResultLine(&buf, ex)
	if ex.Fixture != nil {
		fmt.Fprint(&buf, "Fixture: ")
		p.colorScheme.Fixture.Fprintln(&buf, strings.TrimSpace(ex.Fixture.Data+" "+ex.Fixture.Response))
	}
	if ex.Error != "" {
		fmt.Fprint(&buf, "Error: ")
		p.colorScheme.Failure.Fprintln(&buf, ex.Error)
	}
	p.colorScheme.Separator.Fprintln(&buf, separator)
	p.printHeaders(&buf, ex.RequestHeaders, width)
	if len(ex.ResponseHeaders) > 0 {
		fmt.Fprintln(&buf)
		p.printHeaders(&buf, ex.ResponseHeaders, width)
	}
	fmt.Fprintln(&buf)

	if _, err := p.out.Write(buf.Bytes()); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to print exchange", "error", err)
		}
		return err
	}
	return nil
}

func (p *ConsolePrinter) printRequestLine(w io.Writer, ex *exchange.Exchange) {
	p.getMethodColor(ex.Method).Fprintf(w, "%s ", strings.ToUpper(ex.Method))
	base, query, found := strings.Cut(ex.URL, "?")
	fmt.Fprint(w, base)
	if found {
		fmt.Fprint(w, "?")
		p.colorScheme.Query.Fprint(w, query)
	}
	fmt.Fprintln(w)
}

func (p *ConsolePrinter) printResultLine(w io.Writer, ex *exchange.Exchange) {
	if ex.StatusCode == 0 {
		p.colorScheme.StatusError.Fprint(w, "no response")
	} else {
		status := p.colorScheme.StatusOK
		if ex.StatusCode >= 400 {
			status = p.colorScheme.StatusError
		}
		status.Fprintf(w, "%d %s", ex.StatusCode, http.StatusText(ex.StatusCode))
	}

	fields := []string{humanize.Bytes(uint64(ex.ResponseSize))}
	if ex.ContentType != "" {
		fields = append(fields, ex.ContentType)
	}
	if ex.IsBinary {
		fields = append(fields, "binary")
	}
	fields = append(fields, fmt.Sprintf("%dms", ex.DurationMs))
	if ex.RemoteAddr != "" {
		fields = append(fields, "from "+ex.RemoteAddr)
	}
	fmt.Fprintf(w, " | %s\n", strings.Join(fields, " | "))
}

func (p *ConsolePrinter) printHeaders(w io.Writer, headers http.Header, width int) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		if !shouldSkipHeader(strings.ToLower(key)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.Join(headers[key], ", ")
		if isSensitiveHeader(strings.ToLower(key)) {
			value = "[REDACTED]"
		}

		prefix := key + ": "
		available := width - utf8.RuneCountInString(prefix)
		if available < 20 {
			available = 20
		}
		lines := wrapText(value, available)
		p.colorScheme.HeaderKey.Fprint(w, prefix)
		p.colorScheme.HeaderValue.Fprintln(w, lines[0])
		indent := strings.Repeat(" ", utf8.RuneCountInString(prefix))
		for _, line := range lines[1:] {
			fmt.Fprint(w, indent)
			p.colorScheme.HeaderValue.Fprintln(w, line)
		}
	}
}

func (p *ConsolePrinter) outcomeColor(outcome exchange.Outcome) *color.Color {
	switch outcome {
	case exchange.OutcomeReplayed:
		return p.colorScheme.Replayed
	case exchange.OutcomeCaptured:
		return p.colorScheme.Captured
	case exchange.OutcomePassthrough, exchange.OutcomeBypassed:
		return p.colorScheme.Passthrough
	default:
		return p.colorScheme.Failure
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return p.colorScheme.MethodGET
	case http.MethodPost:
		return p.colorScheme.MethodPOST
	case http.MethodPut:
		return p.colorScheme.MethodPUT
	case http.MethodDelete:
		return p.colorScheme.MethodDELETE
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-session-token":     true,
}

func isSensitiveHeader(key string) bool {
	return sensitiveHeaders[key]
}

var skippedHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// shouldSkipHeader reports hop-by-hop headers that are noise in the output.
func shouldSkipHeader(key string) bool {
	return skippedHeaders[key]
}
