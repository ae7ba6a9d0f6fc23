// Package config holds the server configuration bound to command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/friespotatotissue/please/internal/core"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
	StoreMemory = "memory"
)

// Identity strategies.
const (
	IdentityAddress = "address"
	IdentityToken   = "token"
)

// Config is the serve command configuration.
type Config struct {
	Addr            string
	WTAddr          string
	WTHost          string
	DBPath          string
	Store           string
	Identity        string
	TrustProxy      bool
	Heartbeat       time.Duration
	Rate            float64
	Burst           int
	MetricsInterval time.Duration
	Debug           bool
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Addr:            ":8080",
		WTHost:          "localhost",
		DBPath:          "please.db",
		Store:           StoreSQLite,
		Identity:        IdentityAddress,
		Heartbeat:       core.DefaultHeartbeatInterval,
		Rate:            60,
		Burst:           120,
		MetricsInterval: 5 * time.Second,
	}
}

// BindFlags registers every field on fs using the current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP and websocket listen address")
	fs.StringVar(&c.WTAddr, "wt-addr", c.WTAddr, "WebTransport (HTTP/3) listen address; empty disables it")
	fs.StringVar(&c.WTHost, "wt-host", c.WTHost, "Hostname for the self-signed WebTransport certificate")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "Identity store path (SQLite database or JSON file)")
	fs.StringVar(&c.Store, "store", c.Store, "Identity store backend: sqlite, json or memory")
	fs.StringVar(&c.Identity, "identity", c.Identity, "Identity strategy: address or token")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "Derive client addresses from X-Forwarded-For")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "Liveness sweep interval")
	fs.Float64Var(&c.Rate, "rate", c.Rate, "Inbound frames per second per connection; 0 disables limiting")
	fs.IntVar(&c.Burst, "burst", c.Burst, "Inbound frame burst per connection")
	fs.DurationVar(&c.MetricsInterval, "metrics-interval", c.MetricsInterval, "Stats log interval; 0 disables it")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Store {
	case StoreSQLite, StoreJSON:
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, fmt.Errorf("db path is required for the %s store", c.Store))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Identity {
	case IdentityAddress, IdentityToken:
	default:
		errs = append(errs, fmt.Errorf("unknown identity strategy %q", c.Identity))
	}
	if c.WTAddr != "" && strings.TrimSpace(c.WTHost) == "" {
		errs = append(errs, errors.New("wt-host is required when wt-addr is set"))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, errors.New("heartbeat must be positive"))
	}
	if c.Rate < 0 {
		errs = append(errs, errors.New("rate must not be negative"))
	}
	if c.Rate > 0 && c.Burst < 1 {
		errs = append(errs, errors.New("burst must be at least 1 when rate limiting"))
	}
	if c.MetricsInterval < 0 {
		errs = append(errs, errors.New("metrics-interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Resolver builds the configured identity strategy.
func (c Config) Resolver() core.IdentityResolver {
	addr := core.AddressResolver{TrustForwarded: c.TrustProxy}
	if c.Identity == IdentityToken {
		return core.TokenResolver{Fallback: addr}
	}
	return addr
}

// RateLimit returns the per-connection limiter settings.
func (c Config) RateLimit() (rate.Limit, int) {
	if c.Rate <= 0 {
		return 0, 0
	}
	return rate.Limit(c.Rate), c.Burst
}
