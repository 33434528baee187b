package orders

import "github.com/shopspring/decimal"

var (
	TaxRate               = decimal.RequireFromString("0.08")
	FreeShippingThreshold = decimal.RequireFromString("100.00")
	FlatShippingFee       = decimal.RequireFromString("9.99")
)

type Amounts struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

// Price computes the order amounts. Tax is rounded to cents; shipping is
// free from FreeShippingThreshold upward.
func Price(items []OrderItem) Amounts {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	subtotal = subtotal.Round(2)

	tax := subtotal.Mul(TaxRate).Round(2)
	shipping := FlatShippingFee
	if subtotal.GreaterThanOrEqual(FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	return Amounts{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}
