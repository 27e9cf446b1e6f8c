// Package catalog is the linked entity graph persisted through a graph store:
// categories owning ordered products, and carts owning ordered inventory items
// that reference categories. It provides the bulk importer, the delete-all
// reset and a read-back of the whole graph.
package catalog

import (
	"sync"

	graphstore "github.com/nlstn/go-graphstore"
)

// Entity names.
const (
	EntityCategory      = "Category"
	EntityProduct       = "Product"
	EntityCart          = "Cart"
	EntityInventoryItem = "InventoryItem"
)

// Relationship names.
const (
	RelCategoryProducts    = "products"
	RelProductCategory     = "category"
	RelCartInventoryItems  = "inventoryItems"
	RelInventoryItemCart   = "cart"
	RelInventoryCategories = "categories"
)

// DeleteOrder is the order DeleteAll removes entities in. Each entity is
// deleted on its own; nothing relies on cascades.
var DeleteOrder = []string{EntityCart, EntityInventoryItem, EntityCategory, EntityProduct}

// Category groups products.
type Category struct {
	ID           string   `gorm:"primaryKey;size:36" graph:"id"`
	Version      int64    `graph:"version"`
	CategoryID   string   `gorm:"size:128;index" graph:"attr=categoryId" validate:"required"`
	CategoryName string   `gorm:"size:256" graph:"attr=categoryName"`
	Products     []string `gorm:"-" graph:"toMany=products,target=Product,inverse=category,ordered"`
}

// Product belongs to one category.
type Product struct {
	ID               string  `gorm:"primaryKey;size:36" graph:"id"`
	Version          int64   `graph:"version"`
	ProductID        string  `gorm:"size:128;index" graph:"attr=productId"`
	ProductName      string  `gorm:"size:256" graph:"attr=productName"`
	Quantity         *int64  `graph:"attr=quantity,optional" validate:"omitempty,gte=0"`
	CategoryRef      *string `gorm:"size:36;index" graph:"toOne=category,target=Category,inverse=products"`
	CategoryPosition int     `graph:"position=category"`
}

// Cart owns inventory items.
type Cart struct {
	ID             string   `gorm:"primaryKey;size:36" graph:"id"`
	Version        int64    `graph:"version"`
	CartID         string   `gorm:"size:128;index" graph:"attr=cartId" validate:"required"`
	CartName       string   `gorm:"size:256" graph:"attr=cartName"`
	InventoryItems []string `gorm:"-" graph:"toMany=inventoryItems,target=InventoryItem,inverse=cart,ordered"`
}

// InventoryItem belongs to a cart and is tagged with categories it does not
// own.
type InventoryItem struct {
	ID           string   `gorm:"primaryKey;size:36" graph:"id"`
	Version      int64    `graph:"version"`
	InventoryID  string   `gorm:"size:128;index" graph:"attr=inventoryId"`
	CartRef      *string  `gorm:"size:36;index" graph:"toOne=cart,target=Cart,inverse=inventoryItems"`
	CartPosition int      `graph:"position=cart"`
	Categories   []string `gorm:"-" graph:"toMany=categories,target=Category,ordered,join=inventory_item_categories"`
}

var model = sync.OnceValues(func() (*graphstore.Model, error) {
	return graphstore.NewModel(&Category{}, &Product{}, &Cart{}, &InventoryItem{})
})

// Model returns the catalog entity model.
func Model() (*graphstore.Model, error) {
	return model()
}
