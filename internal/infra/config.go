package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MarketConfig is one catalog entry seeded from the config file.
type MarketConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	TickSize     string `yaml:"tick_size"`
	MinOrderSize string `yaml:"min_order_size"`
	BidsAccount  string `yaml:"bids_account"`
	AsksAccount  string `yaml:"asks_account"`
}

// Info converts the entry into a catalog row.
func (m MarketConfig) Info() domain.MarketInfo {
	return domain.MarketInfo{
		ID:           m.ID,
		Name:         m.Name,
		Kind:         domain.MarketKind(m.Kind),
		TickSize:     m.TickSize,
		MinOrderSize: m.MinOrderSize,
		BidsAccount:  m.BidsAccount,
		AsksAccount:  m.AsksAccount,
		IsActive:     true,
	}
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 엔드포인트를 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		Enabled              bool   `yaml:"enabled"`
		URL                  string `yaml:"url"`
		ReconnectIntervalMS  int    `yaml:"reconnect_interval_ms"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		PingIntervalSec      int    `yaml:"ping_interval_sec"`
	} `yaml:"feed"`

	RPC struct {
		HTTPURL    string `yaml:"http_url"`
		WSURL      string `yaml:"ws_url"`
		Commitment string `yaml:"commitment"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"rpc"`

	Book struct {
		Depth            int             `yaml:"depth"`
		DefaultGrouping  decimal.Decimal `yaml:"default_grouping"`
		SizePercentFloor decimal.Decimal `yaml:"size_percent_floor"`
		InboxSize        int             `yaml:"inbox_size"`
	} `yaml:"book"`

	Markets      []MarketConfig `yaml:"markets"`
	ActiveMarket string         `yaml:"active_market"`

	Server struct {
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the values used for keys the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "depthbook"
	cfg.Feed.Enabled = true
	cfg.Feed.ReconnectIntervalMS = 2000
	cfg.Feed.MaxReconnectAttempts = 5
	cfg.Feed.PingIntervalSec = 30
	cfg.RPC.Commitment = "confirmed"
	cfg.RPC.TimeoutSec = 10
	cfg.Book.Depth = 40
	cfg.Book.SizePercentFloor = decimal.NewFromFloat(0.5)
	cfg.Book.InboxSize = 1024
	cfg.Server.Addr = ":8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Feed
	if c.Feed.Enabled && !hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://") {
		return &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("invalid websocket URL %q", c.Feed.URL)}
	}
	if c.Feed.ReconnectIntervalMS < 0 || c.Feed.MaxReconnectAttempts < 0 {
		return &domain.ConfigError{Field: "feed", Err: errors.New("reconnect settings must not be negative")}
	}

	// RPC
	if !hasPrefix(c.RPC.HTTPURL, "http://") && !hasPrefix(c.RPC.HTTPURL, "https://") {
		return &domain.ConfigError{Field: "rpc.http_url", Err: fmt.Errorf("invalid HTTP URL %q", c.RPC.HTTPURL)}
	}
	if !hasPrefix(c.RPC.WSURL, "ws://") && !hasPrefix(c.RPC.WSURL, "wss://") {
		return &domain.ConfigError{Field: "rpc.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.RPC.WSURL)}
	}

	// Book
	if c.Book.Depth <= 0 {
		return &domain.ConfigError{Field: "book.depth", Err: errors.New("depth must be positive")}
	}
	if c.Book.DefaultGrouping.IsNegative() {
		return &domain.ConfigError{Field: "book.default_grouping", Err: errors.New("grouping must not be negative")}
	}

	// Markets
	if len(c.Markets) == 0 {
		return &domain.ConfigError{Field: "markets", Err: errors.New("at least one market is required")}
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.ID == "" || m.BidsAccount == "" || m.AsksAccount == "" {
			return &domain.ConfigError{Field: "markets", Err: fmt.Errorf("market %q needs id and both side accounts", m.ID)}
		}
		if seen[m.ID] {
			return &domain.ConfigError{Field: "markets", Err: fmt.Errorf("duplicate market %q", m.ID)}
		}
		seen[m.ID] = true
	}
	if c.ActiveMarket == "" {
		c.ActiveMarket = c.Markets[0].ID
	}
	if !seen[c.ActiveMarket] {
		return &domain.ConfigError{Field: "active_market", Err: fmt.Errorf("%q: %w", c.ActiveMarket, domain.ErrMarketNotFound)}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("DEPTHBOOK_FEED_URL"); url != "" {
		cfg.Feed.URL = url
	}
	if v := os.Getenv("DEPTHBOOK_FEED_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Feed.Enabled = enabled
		}
	}
	if url := os.Getenv("DEPTHBOOK_RPC_HTTP_URL"); url != "" {
		cfg.RPC.HTTPURL = url
	}
	if url := os.Getenv("DEPTHBOOK_RPC_WS_URL"); url != "" {
		cfg.RPC.WSURL = url
	}
	if market := os.Getenv("DEPTHBOOK_MARKET"); market != "" {
		cfg.ActiveMarket = market
	}
}
