package orders

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultCurrency = "USD"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type CreateOrderRequest struct {
	Items           []OrderItem `json:"items"`
	ShippingAddress *Address    `json:"shipping_address"`
	BillingAddress  *Address    `json:"billing_address,omitempty"`
	Currency        string      `json:"currency,omitempty"`
}

// Normalize fills defaults in place; it runs before hashing so equivalent
// requests hash identically.
func (r *CreateOrderRequest) Normalize() {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	for i := range r.Items {
		r.Items[i].SKU = strings.TrimSpace(r.Items[i].SKU)
	}
}

func (r *CreateOrderRequest) Validate() error {
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Message: "at least one item is required"}
	}
	for i, item := range r.Items {
		if item.SKU == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].sku", i), Message: "is required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}
		if item.UnitPrice.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Message: "must not be negative"}
		}
	}
	if r.ShippingAddress == nil || r.ShippingAddress.Line1 == "" || r.ShippingAddress.City == "" || r.ShippingAddress.Country == "" {
		return &ValidationError{Field: "shipping_address", Message: "line1, city and country are required"}
	}
	if !currencyPattern.MatchString(r.Currency) {
		return &ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
	}
	return nil
}
