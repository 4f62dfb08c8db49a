package server

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/mocktap/internal/logger"
	"github.com/funnyzak/mocktap/internal/printer"
	"github.com/funnyzak/mocktap/internal/storage"
	"github.com/funnyzak/mocktap/pkg/exchange"
)

// Publisher pushes exchanges to live clients.
type Publisher interface {
	Publish(*exchange.Exchange)
}

// dispatcher fans every finished exchange out to the journal, the printer and live clients
// off the request path.
type dispatcher struct {
	store     storage.Store
	printer   printer.Printer
	publisher Publisher
	logger    logger.Logger
	wg        sync.WaitGroup
}

func newDispatcher(store storage.Store, p printer.Printer, pub Publisher, log logger.Logger) *dispatcher {
	return &dispatcher{store: store, printer: p, publisher: pub, logger: log}
}

// Observe satisfies intercept.Observer.
func (d *dispatcher) Observe(ex *exchange.Exchange) {
	fields := []interface{}{
		"id", ex.ID,
		"outcome", string(ex.Outcome),
		"method", ex.Method,
		"url", ex.URL,
		"status", ex.StatusCode,
		"bytes", ex.ResponseSize,
		"duration_ms", ex.DurationMs,
	}
	if ex.Error != "" {
		d.logger.Warn("Exchange finished with error", append(fields, "error", ex.Error)...)
	} else {
		d.logger.Info("Exchange finished", fields...)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.process(ex)
	}()
}

func (d *dispatcher) process(ex *exchange.Exchange) {
	var group errgroup.Group
	if d.store != nil {
		group.Go(func() error {
			if err := d.store.Record(ex); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			return nil
		})
	}
	if d.printer != nil {
		group.Go(func() error {
			if err := d.printer.PrintExchange(ex); err != nil {
				return fmt.Errorf("print: %w", err)
			}
			return nil
		})
	}
	if d.publisher != nil {
		group.Go(func() error {
			d.publisher.Publish(ex)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		d.logger.Error("Exchange post-processing failed", "id", ex.ID, "error", err)
	}
}

// Wait blocks until every observed exchange has been processed.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}
