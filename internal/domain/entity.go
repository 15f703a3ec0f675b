package domain

import (
	"time"
)

// MarketKind selects the market variant a catalog row builds.
type MarketKind string

const (
	MarketKindSpot MarketKind = "spot"
	MarketKindPerp MarketKind = "perp"
)

// MarketInfo is the persisted catalog entry for a market
type MarketInfo struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	Name         string     `json:"name" gorm:"uniqueIndex"`
	Kind         MarketKind `json:"kind"`
	TickSize     string     `json:"tick_size"`
	MinOrderSize string     `json:"min_order_size"`
	BidsAccount  string     `json:"bids_account"`
	AsksAccount  string     `json:"asks_account"`
	IsActive     bool       `json:"is_active" gorm:"index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
