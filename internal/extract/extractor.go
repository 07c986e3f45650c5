// Package extract turns rendered pages into structured rows.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pricewatch-io/harvester/internal/detector"
	"github.com/pricewatch-io/harvester/internal/engine"
)

// FieldMap names the CSS selector for each output field, relative to the
// row selector. The mapping itself is owned by the per-site pipeline; this
// package only applies it.
type FieldMap map[string]string

// Config describes how to locate records on a page.
type Config struct {
	RowSelector string
	Fields      FieldMap
}

// Extractor performs the primary extraction attempt: navigate with the
// owned session, screen the response for block pages, then map fields out
// of the DOM.
type Extractor struct {
	cfg      Config
	detector *detector.Detector
}

// New builds an Extractor.
func New(cfg Config, det *detector.Detector) (*Extractor, error) {
	if cfg.RowSelector == "" {
		return nil, fmt.Errorf("row selector is required")
	}
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("at least one field selector is required")
	}
	if det == nil {
		det = detector.New()
	}
	return &Extractor{cfg: cfg, detector: det}, nil
}

// Extract runs one attempt against the session. A block-page match returns
// engine.BlockedError; an empty result set returns zero rows, which the
// worker treats as no-data rather than failure.
func (e *Extractor) Extract(ctx context.Context, sess engine.Session, item engine.WorkItem) ([]engine.Row, error) {
	if err := sess.Navigate(ctx, item.Payload); err != nil {
		return nil, err
	}
	html, err := sess.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.detector.Inspect(html, item.Payload.URL); err != nil {
		return nil, err
	}
	return e.parse(html)
}

func (e *Extractor) parse(html string) ([]engine.Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var rows []engine.Row
	doc.Find(e.cfg.RowSelector).Each(func(_ int, sel *goquery.Selection) {
		row := make(engine.Row, len(e.cfg.Fields))
		for field, selector := range e.cfg.Fields {
			row[field] = strings.TrimSpace(sel.Find(selector).First().Text())
		}
		rows = append(rows, row)
	})
	return engine.MeaningfulRows(rows), nil
}
