package web

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/funnyzak/mocktap/pkg/exchange"
)

// ExchangeIter yields exchanges until the callback returns false.
type ExchangeIter func(yield func(*exchange.Exchange) bool)

// DescribeFormat returns the content type and file extension of an export format.
func DescribeFormat(format string) (string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		return "application/json", "json", nil
	case "csv":
		return "text/csv", "csv", nil
	case "txt", "text":
		return "text/plain; charset=utf-8", "txt", nil
	default:
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// StreamExport writes every exchange yielded by iter to w without buffering the whole journal.
func StreamExport(w io.Writer, iter ExchangeIter, format string) (string, string, error) {
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		return "", "", err
	}
	bw := bufio.NewWriter(w)
	switch ext {
	case "json":
		err = streamJSON(bw, iter)
	case "csv":
		err = streamCSV(bw, iter)
	default:
		err = streamText(bw, iter)
	}
	if err != nil {
		return "", "", err
	}
	return contentType, ext, bw.Flush()
}

func streamJSON(w *bufio.Writer, iter ExchangeIter) error {
	var err error
	first := true
	w.WriteString("[")
	iter(func(ex *exchange.Exchange) bool {
		var data []byte
		if data, err = json.Marshal(ex); err != nil {
			return false
		}
		if !first {
			w.WriteString(",")
		}
		first = false
		w.WriteString("\n  ")
		_, err = w.Write(data)
		return err == nil
	})
	if err != nil {
		return err
	}
	if !first {
		w.WriteString("\n")
	}
	_, err = w.WriteString("]\n")
	return err
}

var csvColumns = []string{
	"id", "timestamp", "mode", "outcome", "method", "url", "status_code",
	"content_type", "response_size", "duration_ms", "fixture_data", "fixture_response", "error",
}

func streamCSV(w io.Writer, iter ExchangeIter) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvColumns); err != nil {
		return err
	}

	var err error
	iter(func(ex *exchange.Exchange) bool {
		var data, response string
		if ex.Fixture != nil {
			data, response = ex.Fixture.Data, ex.Fixture.Response
		}
		err = writer.Write([]string{
			ex.ID,
			ex.Timestamp.Format(time.RFC3339),
			ex.Mode,
			string(ex.Outcome),
			ex.Method,
			ex.URL,
			strconv.Itoa(ex.StatusCode),
			ex.ContentType,
			strconv.FormatInt(ex.ResponseSize, 10),
			strconv.FormatInt(ex.DurationMs, 10),
			data,
			response,
			ex.Error,
		})
		return err == nil
	})
	if err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func streamText(w io.Writer, iter ExchangeIter) error {
	var err error
	n := 0
	iter(func(ex *exchange.Exchange) bool {
		n++
		var b strings.Builder
		fmt.Fprintf(&b, "Exchange %d  %s  %s\n", n, ex.Timestamp.Format(time.RFC3339), strings.ToUpper(string(ex.Outcome)))
		fmt.Fprintf(&b, "%s %s\n", strings.ToUpper(ex.Method), ex.URL)
		writeHeaderBlock(&b, ex.RequestHeaders)
		if ex.StatusCode > 0 {
			fmt.Fprintf(&b, "\n%d %s (%s, %dms)\n", ex.StatusCode, http.StatusText(ex.StatusCode),
				humanize.Bytes(uint64(ex.ResponseSize)), ex.DurationMs)
			writeHeaderBlock(&b, ex.ResponseHeaders)
		}
		if ex.Fixture != nil {
			fmt.Fprintf(&b, "Fixture: %s %s\n", ex.Fixture.Data, ex.Fixture.Response)
		}
		if ex.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", ex.Error)
		}
		b.WriteString("\n")
		_, err = io.WriteString(w, b.String())
		return err == nil
	})
	return err
}

func writeHeaderBlock(b *strings.Builder, headers http.Header) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "%s: %s\n", key, strings.Join(headers[key], ", "))
	}
}

// AllowedFormats normalizes configured export formats.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "text" {
			f = "txt"
		}
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}
