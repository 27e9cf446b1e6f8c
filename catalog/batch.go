package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Batch is one import: categories with their products, and carts with their
// inventory items.
type Batch struct {
	Categories []CategoryInput `json:"Categories"`
	Carts      []CartInput     `json:"cart"`
}

// CategoryInput is a category and its products.
type CategoryInput struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Products []ProductInput `json:"products"`
}

// ProductInput is one product. A nil Quantity is stored as absent.
type ProductInput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity *int64 `json:"quantity,omitempty"`
}

// CartInput is a cart and its inventory items.
type CartInput struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	InventoryItems []InventoryItemInput `json:"inventoryItems"`
}

// InventoryItemInput is one inventory item and the category ids it is
// tagged with.
type InventoryItemInput struct {
	ID          string          `json:"id"`
	CategoryIDs []CategoryIDRef `json:"categoryIds"`
}

// CategoryIDRef names a category of the same batch by its categoryId.
type CategoryIDRef struct {
	CatID string `json:"catId"`
}

// Counts returns the number of rows the batch inserts per entity.
func (b *Batch) Counts() map[string]int {
	counts := map[string]int{
		EntityCategory:      len(b.Categories),
		EntityProduct:       0,
		EntityCart:          len(b.Carts),
		EntityInventoryItem: 0,
	}
	for _, c := range b.Categories {
		counts[EntityProduct] += len(c.Products)
	}
	for _, c := range b.Carts {
		counts[EntityInventoryItem] += len(c.InventoryItems)
	}
	return counts
}

// DecodeBatch reads a JSON batch. Missing strings decode as "" and a missing
// quantity stays absent.
func DecodeBatch(r io.Reader) (*Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("catalog: decode batch: %w", err)
	}
	return &b, nil
}

// ReadBatchFile decodes the JSON batch stored at path.
func ReadBatchFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open batch: %w", err)
	}
	defer f.Close()
	return DecodeBatch(f)
}
