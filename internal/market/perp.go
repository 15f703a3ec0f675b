package market

import (
	"encoding/binary"
	"fmt"

	"depthbook/internal/domain"
	"depthbook/internal/orderbook"
)

const perpHeader = 5

// Perp side tags.
const (
	perpTagBid byte = 0
	perpTagAsk byte = 1
)

// Perp decodes order-book accounts laid out as
//
//	u8 sideTag | u32 count | count x (u64 priceLots, u64 sizeLots)
//
// little-endian. The side tag must match the side being decoded.
type Perp struct {
	base
}

// NewPerp creates a perpetual market.
func NewPerp(p Params) (*Perp, error) {
	b, err := newBase(p)
	if err != nil {
		return nil, err
	}
	return &Perp{base: b}, nil
}

// Decode returns the side's levels best-first.
func (m *Perp) Decode(data []byte, side domain.Side) ([]domain.RawLevel, error) {
	if len(data) < perpHeader {
		return nil, domain.NewDecodeError(side, errTruncated)
	}
	want := perpTagBid
	if side == domain.SideAsk {
		want = perpTagAsk
	}
	if data[0] != want {
		return nil, domain.NewDecodeError(side, fmt.Errorf("%w: got %d", errBadSideTag, data[0]))
	}

	count := int(binary.LittleEndian.Uint32(data[1:]))
	body := data[perpHeader:]
	if count > len(body)/levelWidth {
		return nil, domain.NewDecodeError(side, fmt.Errorf("%w: %d levels in %d bytes", errTruncated, count, len(body)))
	}

	levels := make([]domain.RawLevel, 0, count)
	for i := 0; i < count; i++ {
		off := i * levelWidth
		price := binary.LittleEndian.Uint64(body[off:])
		size := binary.LittleEndian.Uint64(body[off+8:])
		if price == 0 {
			return nil, domain.NewDecodeError(side, fmt.Errorf("%w: 0 lots at %d", errNonPositive, i))
		}
		levels = append(levels, m.level(fromUint64(price), fromUint64(size)))
	}
	return orderbook.Normalize(side, levels), nil
}
