package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkts-backend/internal/errs"
)

const testSettings = `
app:
  environment: development
market_data:
  primary:
    market_name: Home Structure
    region_id: 10000003
    system_id: 30000240
    structure_id: 1035466617946
  deployment:
    market_name: Staging
    region_id: 10000011
    system_id: 30000763
    structure_id: 0
esi:
  base_url: https://esi.example/latest
  token_url: https://login.example/oauth/token
  authorize_url: https://login.example/oauth/authorize
  user_agent: test-agent
  compatibility_date: "2025-07-01"
db:
  production:
    wcmkt: wcmkt_prod
  development:
    wcmkt: wcmkt_dev
    sde: sde_dev
    fittings: fittings_dev
`

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ParsesDocument(t *testing.T) {
	s, err := Load(writeSettings(t, testSettings))
	require.NoError(t, err)
	assert.Equal(t, "development", s.App.Environment)
	assert.Equal(t, "https://esi.example/latest", s.ESI.BaseURL)
}

func TestLoad_RejectsUnknownEnvironment(t *testing.T) {
	_, err := Load(writeSettings(t, "app:\n  environment: staging\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}

func TestDatabase_ResolvesAliasAndEnvVars(t *testing.T) {
	s, err := Load(writeSettings(t, testSettings))
	require.NoError(t, err)

	t.Setenv("TURSO_WCMKT_DEV_URL", "libsql://wcmkt-dev.example")
	t.Setenv("TURSO_WCMKT_DEV_TOKEN", "tok123")

	cfg, err := s.Database("wcmkt")
	require.NoError(t, err)
	assert.Equal(t, "wcmkt_dev", cfg.Name)
	assert.Equal(t, "wcmkt_dev.db", cfg.Path)
	assert.Equal(t, "wcmkt_dev.db-info", cfg.InfoPath())
	assert.Equal(t, "libsql://wcmkt-dev.example", cfg.RemoteURL)
	assert.Equal(t, "tok123", cfg.AuthToken)
	assert.True(t, cfg.HasRemote())
}

func TestDatabase_UnknownAlias(t *testing.T) {
	s, err := Load(writeSettings(t, testSettings))
	require.NoError(t, err)
	_, err = s.Database("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}

func TestMarket_ShortcutAndAuthentication(t *testing.T) {
	s, err := Load(writeSettings(t, testSettings))
	require.NoError(t, err)

	primary, err := s.Market("4H")
	require.NoError(t, err)
	assert.Equal(t, "primary", primary.Alias)
	assert.Equal(t, int64(1035466617946), primary.StructureID)
	assert.True(t, primary.Authenticated())

	deployment, err := s.Market("deployment")
	require.NoError(t, err)
	assert.False(t, deployment.Authenticated())

	_, err = s.Market("unknown")
	assert.Error(t, err)
}

func TestValidateEnv(t *testing.T) {
	t.Setenv("CLIENT_ID", "abc")
	t.Setenv("SECRET_KEY", "def")
	t.Setenv("REFRESH_TOKEN", "ghi")
	present, missing, err := ValidateEnv()
	require.NoError(t, err)
	assert.Len(t, present, 3)
	assert.Empty(t, missing)

	t.Setenv("REFRESH_TOKEN", "")
	_, missing, err = ValidateEnv()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConfig))
	assert.Equal(t, []string{"REFRESH_TOKEN"}, missing)
}
