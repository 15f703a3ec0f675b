// Package market provides the spot and perpetual market variants. Both expose the same
// domain.Market surface; callers never switch on the concrete type.
package market

import (
	"errors"
	"fmt"
	"math/big"

	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

const levelWidth = 16

var (
	errTruncated   = errors.New("account data truncated")
	errBadSideTag  = errors.New("side tag does not match requested side")
	errNonPositive = errors.New("non-positive price")
	errUnknownKind = errors.New("unknown market kind")
	errNotPositive = errors.New("must be positive")
)

// base carries the constants shared by every variant.
type base struct {
	id           string
	name         string
	tickSize     decimal.Decimal
	minOrderSize decimal.Decimal
	accounts     [2]string
}

func (b *base) ID() string                    { return b.id }
func (b *base) Name() string                  { return b.name }
func (b *base) TickSize() decimal.Decimal     { return b.tickSize }
func (b *base) MinOrderSize() decimal.Decimal { return b.minOrderSize }

func (b *base) SideAccount(side domain.Side) string {
	return b.accounts[side]
}

// level converts lot counts into a price/size pair.
func (b *base) level(priceLots, sizeLots decimal.Decimal) domain.RawLevel {
	return domain.RawLevel{
		Price: priceLots.Mul(b.tickSize),
		Size:  sizeLots.Mul(b.minOrderSize),
	}
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// Params describes a market independent of its variant.
type Params struct {
	ID           string
	Name         string
	TickSize     decimal.Decimal
	MinOrderSize decimal.Decimal
	BidsAccount  string
	AsksAccount  string
}

func newBase(p Params) (base, error) {
	if !p.TickSize.IsPositive() {
		return base{}, &domain.ConfigError{Field: p.ID + ".tick_size", Err: errNotPositive}
	}
	if !p.MinOrderSize.IsPositive() {
		return base{}, &domain.ConfigError{Field: p.ID + ".min_order_size", Err: errNotPositive}
	}
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return base{
		id:           p.ID,
		name:         name,
		tickSize:     p.TickSize,
		minOrderSize: p.MinOrderSize,
		accounts:     [2]string{p.BidsAccount, p.AsksAccount},
	}, nil
}

// FromInfo builds the variant a catalog row describes.
func FromInfo(info domain.MarketInfo) (domain.Market, error) {
	tick, err := decimal.NewFromString(info.TickSize)
	if err != nil {
		return nil, &domain.ConfigError{Field: info.ID + ".tick_size", Err: err}
	}
	minSize, err := decimal.NewFromString(info.MinOrderSize)
	if err != nil {
		return nil, &domain.ConfigError{Field: info.ID + ".min_order_size", Err: err}
	}

	p := Params{
		ID:           info.ID,
		Name:         info.Name,
		TickSize:     tick,
		MinOrderSize: minSize,
		BidsAccount:  info.BidsAccount,
		AsksAccount:  info.AsksAccount,
	}

	switch info.Kind {
	case domain.MarketKindSpot:
		m, err := NewSpot(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	case domain.MarketKindPerp:
		m, err := NewPerp(p)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, &domain.ConfigError{Field: info.ID + ".kind", Err: fmt.Errorf("%w: %q", errUnknownKind, info.Kind)}
	}
}
