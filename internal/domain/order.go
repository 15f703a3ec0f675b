package domain

import "github.com/shopspring/decimal"

// OpenOrder is one of the caller's resting orders. Only price and side matter to the
// book; size is carried for display.
type OpenOrder struct {
	ID    string
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}
