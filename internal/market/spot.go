package market

import (
	"encoding/binary"
	"fmt"

	"depthbook/internal/domain"
	"depthbook/internal/orderbook"

	"github.com/shopspring/decimal"
)

const spotHeader = 4

// Spot decodes order-book accounts laid out as
//
//	u32 count | count x (i64 priceLots, i64 sizeLots)
//
// little-endian, prices in tick lots and sizes in min-order lots.
type Spot struct {
	base
}

// NewSpot creates a spot market.
func NewSpot(p Params) (*Spot, error) {
	b, err := newBase(p)
	if err != nil {
		return nil, err
	}
	return &Spot{base: b}, nil
}

// Decode returns the side's levels best-first.
func (m *Spot) Decode(data []byte, side domain.Side) ([]domain.RawLevel, error) {
	if len(data) < spotHeader {
		return nil, domain.NewDecodeError(side, errTruncated)
	}
	count := int(binary.LittleEndian.Uint32(data))
	body := data[spotHeader:]
	if count > len(body)/levelWidth {
		return nil, domain.NewDecodeError(side, fmt.Errorf("%w: %d levels in %d bytes", errTruncated, count, len(body)))
	}

	levels := make([]domain.RawLevel, 0, count)
	for i := 0; i < count; i++ {
		off := i * levelWidth
		price := int64(binary.LittleEndian.Uint64(body[off:]))
		size := int64(binary.LittleEndian.Uint64(body[off+8:]))
		if price <= 0 {
			return nil, domain.NewDecodeError(side, fmt.Errorf("%w: %d lots at %d", errNonPositive, price, i))
		}
		if size < 0 {
			return nil, domain.NewDecodeError(side, fmt.Errorf("negative size %d lots at %d", size, i))
		}
		levels = append(levels, m.level(decimal.NewFromInt(price), decimal.NewFromInt(size)))
	}
	return orderbook.Normalize(side, levels), nil
}
