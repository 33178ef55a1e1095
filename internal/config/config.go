// Package config defines the necessary types to configure the broker.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Store  Store  `yaml:"store"`
	Broker Broker `yaml:"broker"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":3333"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

// Store selects the storage backend. Exactly one backend must be selected;
// the section matching the selection carries its settings.
type Store struct {
	Backend    Backend  `yaml:"backend"`
	SQLitePath string   `yaml:"sqlitePath"`
	Postgres   Database `yaml:"postgres"`
	Valkey     ValKey   `yaml:"valkey"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`

	// SSLMode is passed through as the libpq sslmode parameter when set.
	SSLMode string `yaml:"sslMode"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix"`
}

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendValkey   Backend = "valkey"
)

// Validate checks the backend selection and its backend-specific settings.
func (s *Store) Validate() error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendSQLite:
		if s.SQLitePath == "" {
			return errors.New("store.sqlitePath is required for the sqlite backend")
		}

		return nil
	case BackendPostgres, BackendValkey:
		return nil
	case "":
		return errors.New("store.backend must select one of memory, sqlite, postgres or valkey")
	default:
		return fmt.Errorf("unknown store backend: %q", s.Backend)
	}
}

type Broker struct {
	// PublicURL is the origin the broker is reachable on. It becomes the
	// issuer of every minted token.
	PublicURL string `yaml:"publicURL"`

	// AllowedOrigins restricts the relying party origins that may start an
	// authentication. Empty means any origin is accepted.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	DiscoveryTTL time.Duration `yaml:"discoveryTTL" default:"168h"`
	KeysTTL      time.Duration `yaml:"keysTTL" default:"24h"`
	TokenTTL     time.Duration `yaml:"tokenTTL" default:"10m"`
	SessionTTL   time.Duration `yaml:"sessionTTL" default:"15m"`
	CacheTTL     time.Duration `yaml:"cacheTTL" default:"1h"`

	LimitPerEmail string `yaml:"limitPerEmail" default:"5/min"`

	// SigningAlgs lists the enabled token signing algorithms. Empty defaults
	// to RS256 only. The first listed algorithm is the default for tokens.
	SigningAlgs []string `yaml:"signingAlgs"`

	// GenerateRSACommand is the external command producing a PEM encoded RSA
	// private key on stdout. Required when RS256 keys rotate.
	GenerateRSACommand string `yaml:"generateRSACommand" default:"openssl genrsa 2048"`

	// Keyfiles and Keytext carry static PEM key material. When either is set
	// the broker serves those keys and never rotates.
	Keyfiles []string `yaml:"keyfiles"`
	Keytext  string   `yaml:"keytext"`

	// GoogleClientID enables the hosted Google path and implies domain
	// overrides for gmail.com and googlemail.com.
	GoogleClientID string `yaml:"googleClientID"`

	DomainOverrides map[string][]OverrideLink `yaml:"domainOverrides"`

	Mail Mail `yaml:"mail"`
}

// OverrideLink is one operator-configured webfinger link for a domain.
type OverrideLink struct {
	Rel  string `yaml:"rel"`
	Href string `yaml:"href"`
}

type Mail struct {
	FromName    string `yaml:"fromName" default:"Identity Broker"`
	FromAddress string `yaml:"fromAddress"`
}

// Validate checks the structural parts of the configuration at startup.
// Algorithm and override link validation happens during wiring where the
// domain packages are available.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}

	if c.Broker.PublicURL == "" {
		return errors.New("broker.publicURL is required")
	}

	u, err := url.Parse(c.Broker.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker.publicURL is not an absolute URL: %q", c.Broker.PublicURL)
	}

	if _, err := ParseLimit(c.Broker.LimitPerEmail); err != nil {
		return fmt.Errorf("parsing broker.limitPerEmail: %w", err)
	}

	return nil
}
