package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	graphstore "github.com/nlstn/go-graphstore"
	"github.com/nlstn/go-graphstore/internal/observability"
)

// DefaultWriterName names the writer Context of ModeWriterNamed imports.
const DefaultWriterName = "workerContext"

// DroppedReference is a category id an inventory item referenced that the
// batch does not define.
type DroppedReference struct {
	InventoryID string
	CategoryID  string
}

// ImportReport summarizes one import.
type ImportReport struct {
	Mode           graphstore.Mode
	Categories     int
	Products       int
	Carts          int
	InventoryItems int
	Dropped        []DroppedReference
	Duration       time.Duration
}

// Importer writes batches into a store.
type Importer struct {
	store        *graphstore.Store
	logger       *slog.Logger
	writerName   string
	waitForMerge bool
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithoutMergeWait makes writer-mode imports return once their commit is
// durable, before the main Context has merged it.
func WithoutMergeWait() ImporterOption {
	return func(im *Importer) {
		im.waitForMerge = false
	}
}

// WithWriterName sets the writer Context name used by ModeWriterNamed.
func WithWriterName(name string) ImporterOption {
	return func(im *Importer) {
		if name != "" {
			im.writerName = name
		}
	}
}

// WithImportLogger sets the importer's logger. Defaults to slog.Default().
func WithImportLogger(logger *slog.Logger) ImporterOption {
	return func(im *Importer) {
		if logger != nil {
			im.logger = logger
		}
	}
}

// NewImporter creates an importer for store.
func NewImporter(store *graphstore.Store, opts ...ImporterOption) *Importer {
	im := &Importer{
		store:        store,
		logger:       slog.Default(),
		writerName:   DefaultWriterName,
		waitForMerge: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(im)
		}
	}
	return im
}

// Import inserts the whole batch in mode with a single commit. Existing rows
// are never matched or updated; importing the same batch twice stores it
// twice. Category ids an inventory item references but the batch does not
// define are skipped and listed in the report.
func (im *Importer) Import(ctx context.Context, mode graphstore.Mode, batch *Batch) (*ImportReport, error) {
	if batch == nil {
		return nil, fmt.Errorf("catalog: import: batch is required")
	}
	start := time.Now()
	ctx, span := im.store.Tracer().StartImport(ctx, mode.String())
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, im.logger)

	report := &ImportReport{Mode: mode}
	err := im.store.Run(ctx, mode, im.writerName, func(s *graphstore.Session) error {
		*report = ImportReport{Mode: mode}
		if err := stage(s, batch, report, logger); err != nil {
			return err
		}
		return s.Commit()
	})
	if err != nil {
		im.store.Tracer().RecordError(span, err)
		return nil, fmt.Errorf("catalog: import (%s): %w", mode, err)
	}

	if mode != graphstore.ModeMainLine && im.waitForMerge {
		if err := im.store.WaitForMerges(ctx); err != nil {
			return nil, fmt.Errorf("catalog: import (%s): waiting for merge: %w", mode, err)
		}
	}
	report.Duration = time.Since(start)
	span.SetAttributes(observability.ObjectCountAttr(report.Categories + report.Products + report.Carts + report.InventoryItems))
	logger.Info("catalog: batch imported",
		"mode", mode.String(),
		"categories", report.Categories,
		"products", report.Products,
		"carts", report.Carts,
		"inventory_items", report.InventoryItems,
		"dropped", len(report.Dropped),
		"duration", report.Duration)
	return report, nil
}

// stage inserts every object of the batch into the Session's Context.
func stage(s *graphstore.Session, batch *Batch, report *ImportReport, logger *slog.Logger) error {
	categories := make(map[string]graphstore.Ref, len(batch.Categories))
	for _, c := range batch.Categories {
		ref, err := s.Insert(EntityCategory, graphstore.Attrs{
			"categoryId":   c.ID,
			"categoryName": c.Name,
		})
		if err != nil {
			return err
		}
		report.Categories++

		products := make([]graphstore.Ref, 0, len(c.Products))
		for _, p := range c.Products {
			attrs := graphstore.Attrs{"productId": p.ID, "productName": p.Name}
			if p.Quantity != nil {
				attrs["quantity"] = *p.Quantity
			}
			pref, err := s.Insert(EntityProduct, attrs)
			if err != nil {
				return err
			}
			products = append(products, pref)
			report.Products++
		}
		if len(products) > 0 {
			if err := s.SetOrderedRelationship(ref, RelCategoryProducts, products); err != nil {
				return err
			}
		}
		if _, seen := categories[c.ID]; !seen {
			categories[c.ID] = ref
		}
	}

	for _, c := range batch.Carts {
		cart, err := s.Insert(EntityCart, graphstore.Attrs{
			"cartId":   c.ID,
			"cartName": c.Name,
		})
		if err != nil {
			return err
		}
		report.Carts++

		items := make([]graphstore.Ref, 0, len(c.InventoryItems))
		for _, item := range c.InventoryItems {
			ref, err := s.Insert(EntityInventoryItem, graphstore.Attrs{"inventoryId": item.ID})
			if err != nil {
				return err
			}
			report.InventoryItems++

			tagged := make([]graphstore.Ref, 0, len(item.CategoryIDs))
			seen := make(map[graphstore.ObjectID]bool, len(item.CategoryIDs))
			for _, id := range item.CategoryIDs {
				category, ok := categories[id.CatID]
				if !ok {
					logger.Debug("catalog: dropping unknown category reference",
						"inventory_id", item.ID, "category_id", id.CatID)
					report.Dropped = append(report.Dropped, DroppedReference{InventoryID: item.ID, CategoryID: id.CatID})
					continue
				}
				if seen[category.ID] {
					continue
				}
				seen[category.ID] = true
				tagged = append(tagged, category)
			}
			if len(tagged) > 0 {
				if err := s.SetOrderedRelationship(ref, RelInventoryCategories, tagged); err != nil {
					return err
				}
			}
			items = append(items, ref)
		}
		if len(items) > 0 {
			if err := s.SetOrderedRelationship(cart, RelCartInventoryItems, items); err != nil {
				return err
			}
		}
	}
	return nil
}
