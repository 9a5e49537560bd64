package checkout

import "sort"

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
}

var products = map[string]Product{
	"doc_premium_1": {
		ID:          "doc_premium_1",
		Name:        "Premium Document Bundle 1",
		Description: "Access to exclusive technical documents",
		Type:        "document_bundle",
		Price:       50000,
		Currency:    "IDR",
	},
	"doc_premium_2": {
		ID:          "doc_premium_2",
		Name:        "Premium Document Bundle 2",
		Description: "Advanced technical manuals and guides",
		Type:        "document_bundle",
		Price:       100000,
		Currency:    "IDR",
	},
	"monthly_subscription": {
		ID:          "monthly_subscription",
		Name:        "Monthly Subscription",
		Description: "Unlimited access for 30 days",
		Type:        "subscription",
		Price:       75000,
		Currency:    "IDR",
	},
}

func LookupProduct(id string) (Product, bool) {
	p, ok := products[id]
	return p, ok
}

// Catalogue returns all products ordered by price.
func Catalogue() []Product {
	out := make([]Product, 0, len(products))
	for _, p := range products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].ID < out[j].ID
		}
		return out[i].Price < out[j].Price
	})
	return out
}
