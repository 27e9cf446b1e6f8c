package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	graphstore "github.com/nlstn/go-graphstore"
)

// Graph is the catalog as seen by one Context, in insertion order.
type Graph struct {
	Categories []GraphCategory
	Carts      []GraphCart

	// Products and InventoryItems left without a parent.
	OrphanProducts []GraphProduct
	OrphanItems    []GraphItem
}

// GraphCategory is a category with its ordered products.
type GraphCategory struct {
	CategoryID string
	Name       string
	Products   []GraphProduct
}

// GraphProduct is a product. Category is the categoryId of the category it
// links back to, or "".
type GraphProduct struct {
	ProductID string
	Name      string
	Quantity  *int64
	Category  string
}

// GraphCart is a cart with its ordered inventory items.
type GraphCart struct {
	CartID string
	Name   string
	Items  []GraphItem
}

// GraphItem is an inventory item. Cart is the cartId of its cart, or "".
type GraphItem struct {
	InventoryID string
	Cart        string
	CategoryIDs []string
}

// Rows returns the number of rows per entity in the graph.
func (g *Graph) Rows() map[string]int {
	counts := map[string]int{
		EntityCategory:      len(g.Categories),
		EntityProduct:       len(g.OrphanProducts),
		EntityCart:          len(g.Carts),
		EntityInventoryItem: len(g.OrphanItems),
	}
	for _, c := range g.Categories {
		counts[EntityProduct] += len(c.Products)
	}
	for _, c := range g.Carts {
		counts[EntityInventoryItem] += len(c.Items)
	}
	return counts
}

// LoadGraph reads the whole catalog through c.
func LoadGraph(ctx context.Context, c *graphstore.Context) (*Graph, error) {
	var g *Graph
	err := c.PerformAndWait(ctx, func(s *graphstore.Session) error {
		var err error
		g, err = loadGraph(s)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: load graph: %w", err)
	}
	return g, nil
}

func loadGraph(s *graphstore.Session) (*Graph, error) {
	g := &Graph{}
	linked := make(map[graphstore.ObjectID]bool)

	categories, err := s.Query(EntityCategory, nil)
	if err != nil {
		return nil, err
	}
	for _, ref := range categories {
		o, err := s.Object(ref)
		if err != nil {
			return nil, err
		}
		gc := GraphCategory{CategoryID: o.String("categoryId"), Name: o.String("categoryName")}
		products, err := s.Related(ref, RelCategoryProducts)
		if err != nil {
			return nil, err
		}
		for _, pref := range products {
			p, err := loadProduct(s, pref)
			if err != nil {
				return nil, err
			}
			gc.Products = append(gc.Products, p)
			linked[pref.ID] = true
		}
		g.Categories = append(g.Categories, gc)
	}

	products, err := s.Query(EntityProduct, nil)
	if err != nil {
		return nil, err
	}
	for _, ref := range products {
		if linked[ref.ID] {
			continue
		}
		p, err := loadProduct(s, ref)
		if err != nil {
			return nil, err
		}
		g.OrphanProducts = append(g.OrphanProducts, p)
	}

	carts, err := s.Query(EntityCart, nil)
	if err != nil {
		return nil, err
	}
	for _, ref := range carts {
		o, err := s.Object(ref)
		if err != nil {
			return nil, err
		}
		gc := GraphCart{CartID: o.String("cartId"), Name: o.String("cartName")}
		items, err := s.Related(ref, RelCartInventoryItems)
		if err != nil {
			return nil, err
		}
		for _, iref := range items {
			item, err := loadItem(s, iref)
			if err != nil {
				return nil, err
			}
			gc.Items = append(gc.Items, item)
			linked[iref.ID] = true
		}
		g.Carts = append(g.Carts, gc)
	}

	items, err := s.Query(EntityInventoryItem, nil)
	if err != nil {
		return nil, err
	}
	for _, ref := range items {
		if linked[ref.ID] {
			continue
		}
		item, err := loadItem(s, ref)
		if err != nil {
			return nil, err
		}
		g.OrphanItems = append(g.OrphanItems, item)
	}
	return g, nil
}

func loadProduct(s *graphstore.Session, ref graphstore.Ref) (GraphProduct, error) {
	o, err := s.Object(ref)
	if err != nil {
		return GraphProduct{}, err
	}
	p := GraphProduct{ProductID: o.String("productId"), Name: o.String("productName")}
	if q, ok := o.Int64("quantity"); ok {
		p.Quantity = &q
	}
	if category, ok := o.ToOne[RelProductCategory]; ok {
		c, err := s.Object(category)
		if err != nil {
			return GraphProduct{}, err
		}
		p.Category = c.String("categoryId")
	}
	return p, nil
}

func loadItem(s *graphstore.Session, ref graphstore.Ref) (GraphItem, error) {
	o, err := s.Object(ref)
	if err != nil {
		return GraphItem{}, err
	}
	item := GraphItem{InventoryID: o.String("inventoryId")}
	if cart, ok := o.ToOne[RelInventoryItemCart]; ok {
		c, err := s.Object(cart)
		if err != nil {
			return GraphItem{}, err
		}
		item.Cart = c.String("cartId")
	}
	categories, err := s.Related(ref, RelInventoryCategories)
	if err != nil {
		return GraphItem{}, err
	}
	for _, cref := range categories {
		c, err := s.Object(cref)
		if err != nil {
			return GraphItem{}, err
		}
		item.CategoryIDs = append(item.CategoryIDs, c.String("categoryId"))
	}
	return item, nil
}

// Fingerprint hashes the graph's attributes and relationships. Generated
// object ids are left out, so equal imports fingerprint equally.
func (g *Graph) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(g.String()))
}

// String renders the graph canonically, one line per object.
func (g *Graph) String() string {
	var b strings.Builder
	writeProduct := func(indent string, p GraphProduct) {
		quantity := "-"
		if p.Quantity != nil {
			quantity = fmt.Sprintf("%d", *p.Quantity)
		}
		fmt.Fprintf(&b, "%sproduct %q %q quantity=%s category=%q\n", indent, p.ProductID, p.Name, quantity, p.Category)
	}
	writeItem := func(indent string, item GraphItem) {
		fmt.Fprintf(&b, "%sitem %q cart=%q categories=%q\n", indent, item.InventoryID, item.Cart, item.CategoryIDs)
	}
	for _, c := range g.Categories {
		fmt.Fprintf(&b, "category %q %q\n", c.CategoryID, c.Name)
		for _, p := range c.Products {
			writeProduct("  ", p)
		}
	}
	for _, p := range g.OrphanProducts {
		writeProduct("", p)
	}
	for _, c := range g.Carts {
		fmt.Fprintf(&b, "cart %q %q\n", c.CartID, c.Name)
		for _, item := range c.Items {
			writeItem("  ", item)
		}
	}
	for _, item := range g.OrphanItems {
		writeItem("", item)
	}
	return b.String()
}
