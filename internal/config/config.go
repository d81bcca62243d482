// Package config resolves the static settings document, the database alias
// map, and the market identity used by the ingest client.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"mkts-backend/internal/errs"
)

// DefaultSettingsPath is where the settings document lives relative to the
// working directory.
const DefaultSettingsPath = "config/settings.yaml"

// Settings mirrors config/settings.yaml.
type Settings struct {
	App struct {
		Environment string `yaml:"environment"` // development | production
	} `yaml:"app"`

	MarketData map[string]MarketSection `yaml:"market_data"`

	ESI struct {
		BaseURL           string `yaml:"base_url"`
		TokenURL          string `yaml:"token_url"`
		AuthorizeURL      string `yaml:"authorize_url"`
		UserAgent         string `yaml:"user_agent"`
		CompatibilityDate string `yaml:"compatibility_date"`
	} `yaml:"esi"`

	DB struct {
		Production  map[string]string `yaml:"production"`
		Development map[string]string `yaml:"development"`
	} `yaml:"db"`
}

// MarketSection is one market identity in the settings document.
type MarketSection struct {
	RegionID    int64  `yaml:"region_id"`
	SystemID    int64  `yaml:"system_id"`
	StructureID int64  `yaml:"structure_id"`
	MarketName  string `yaml:"market_name"`
}

// Load reads and validates the settings document.
func Load(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading settings: %v", errs.ErrConfig, err)
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing settings: %v", errs.ErrConfig, err)
	}
	switch s.App.Environment {
	case "development", "production":
	default:
		return nil, fmt.Errorf("%w: unknown environment %q", errs.ErrConfig, s.App.Environment)
	}
	log.Info().Str("path", path).Str("environment", s.App.Environment).Msg("settings loaded")
	return &s, nil
}

// aliasMap returns the logical-to-physical alias map for the configured
// environment.
func (s *Settings) aliasMap() map[string]string {
	if s.App.Environment == "development" {
		return s.DB.Development
	}
	return s.DB.Production
}

// DatabaseConfig resolves one database alias: local file, remote replica URL
// and auth token.
type DatabaseConfig struct {
	Alias     string // logical alias, e.g. "wcmkt"
	Name      string // physical name, e.g. "wcmkt_prod"
	Path      string // local file, e.g. "wcmkt_prod.db"
	RemoteURL string
	AuthToken string
}

// Database resolves a logical alias (wcmkt, sde, fittings) against the
// environment's alias map. Unknown aliases fail fast.
func (s *Settings) Database(alias string) (DatabaseConfig, error) {
	aliases := s.aliasMap()
	name, ok := aliases[alias]
	if !ok {
		known := make([]string, 0, len(aliases))
		for k := range aliases {
			known = append(known, k)
		}
		return DatabaseConfig{}, fmt.Errorf("%w: unknown database alias %q, available: %v", errs.ErrConfig, alias, known)
	}
	env := strings.ToUpper(name)
	return DatabaseConfig{
		Alias:     alias,
		Name:      name,
		Path:      name + ".db",
		RemoteURL: os.Getenv("TURSO_" + env + "_URL"),
		AuthToken: os.Getenv("TURSO_" + env + "_TOKEN"),
	}, nil
}

// HasRemote reports whether a remote replica is configured for this
// database.
func (c DatabaseConfig) HasRemote() bool {
	return c.RemoteURL != ""
}

// InfoPath is the sidecar metadata file for the local replica.
func (c DatabaseConfig) InfoPath() string {
	return c.Path + "-info"
}

// Market is one resolved market identity.
type Market struct {
	Alias       string
	Name        string
	RegionID    int64
	SystemID    int64
	StructureID int64
}

// marketShortcuts maps convenience names to canonical market aliases.
var marketShortcuts = map[string]string{"4h": "primary"}

// Market resolves a market alias (primary, deployment, or a shortcut).
func (s *Settings) Market(alias string) (Market, error) {
	alias = strings.ToLower(alias)
	if canonical, ok := marketShortcuts[alias]; ok {
		alias = canonical
	}
	section, ok := s.MarketData[alias]
	if !ok {
		return Market{}, fmt.Errorf("%w: unknown market alias %q", errs.ErrConfig, alias)
	}
	return Market{
		Alias:       alias,
		Name:        section.MarketName,
		RegionID:    section.RegionID,
		SystemID:    section.SystemID,
		StructureID: section.StructureID,
	}, nil
}

// Authenticated reports whether this market uses the authenticated structure
// endpoint. The primary market is a player-owned structure; deployment
// markets read public region orders.
func (m Market) Authenticated() bool {
	return m.Alias == "primary"
}

// requiredCredentials are the environment variables a cycle cannot run
// without.
var requiredCredentials = []string{"CLIENT_ID", "SECRET_KEY", "REFRESH_TOKEN"}

// ValidateEnv checks the required credentials and reports which optional
// replica credentials are present. Missing required credentials are fatal
// before any network I/O.
func ValidateEnv() (present []string, missing []string, err error) {
	for _, name := range requiredCredentials {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		} else {
			present = append(present, name)
		}
	}
	if len(missing) > 0 {
		return present, missing, fmt.Errorf("%w: missing required credentials: %s", errs.ErrConfig, strings.Join(missing, ", "))
	}
	return present, missing, nil
}
