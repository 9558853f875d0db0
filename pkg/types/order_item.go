package types

import "github.com/google/uuid"

// OrderItem is one product line on an order.
type OrderItem struct {
	ProductID uuid.UUID `json:"productId"`
	Quantity  int       `json:"quantity"`
}

// OrderItems is stored as a JSON array on the order row.
type OrderItems []OrderItem

// TotalQuantity sums quantities per product.
func (items OrderItems) TotalQuantity() map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		out[item.ProductID] += item.Quantity
	}
	return out
}
