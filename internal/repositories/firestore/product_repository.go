package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/mobishop/api/internal/domain"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog entries from the products collection.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewProductRepository constructs a Firestore-backed product lookup.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
	}, nil
}

// GetProducts fetches the requested products in a single batch.
func (r *ProductRepository) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("product repository not initialised")
	}
	docs, err := r.products.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	products := make(map[string]domain.Product, len(docs))
	for _, doc := range docs {
		products[doc.ID] = doc.Data.toDomain(doc.ID)
	}
	return products, nil
}

type productDocument struct {
	Name          string   `firestore:"name"`
	Price         any      `firestore:"price"`
	Images        []string `firestore:"images"`
	Image         string   `firestore:"image"`
	InStock       *bool    `firestore:"inStock"`
	StockQuantity int      `firestore:"stockQuantity"`
}

func (d productDocument) toDomain(id string) domain.Product {
	price, ok := domain.DecimalFrom(d.Price)
	if !ok {
		price = decimal.Zero
	}
	image := strings.TrimSpace(d.Image)
	if image == "" && len(d.Images) > 0 {
		image = strings.TrimSpace(d.Images[0])
	}
	inStock := d.StockQuantity > 0
	if d.InStock != nil {
		inStock = *d.InStock
	}
	return domain.Product{
		ID:            id,
		Name:          strings.TrimSpace(d.Name),
		Price:         price,
		Image:         image,
		InStock:       inStock,
		StockQuantity: d.StockQuantity,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
