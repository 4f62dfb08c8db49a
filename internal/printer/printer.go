package printer

import (
	"github.com/funnyzak/mocktap/internal/config"
	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

// Printer writes finished exchanges to the terminal.
type Printer interface {
	PrintExchange(*exchange.Exchange) error
}

type silentPrinter struct{}

func (silentPrinter) PrintExchange(*exchange.Exchange) error { return nil }

// New creates the printer selected by the output configuration.
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return silentPrinter{}
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}
