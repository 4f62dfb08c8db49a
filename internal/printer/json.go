package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

// JSONPrinter writes one JSON object per exchange.
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	counter uint64
}

// NewJSONPrinter creates a JSON line printer on stdout.
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer.
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.mu.Lock()
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonExchangeEnvelope struct {
	Type     string             `json:"type"`
	Seq      uint64             `json:"seq"`
	Exchange *exchange.Exchange `json:"exchange"`
}

// PrintExchange encodes ex as a single line.
func (p *JSONPrinter) PrintExchange(ex *exchange.Exchange) error {
	env := jsonExchangeEnvelope{
		Type:     "exchange",
		Seq:      atomic.AddUint64(&p.counter, 1),
		Exchange: ex,
	}
	p.mu.Lock()
	err := p.encoder.Encode(env)
	p.mu.Unlock()
	if err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode exchange JSON", "error", err)
		}
		return err
	}
	return nil
}
