package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseYAML = `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule:
  deployed_at: 2024-01-01T00:00:00Z
tls:
  disable: true
auth:
  tokens:
    - name: ops
      token: ops-secret
      scopes: [pool:write]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "leveldb", cfg.State.Backend)
	require.Equal(t, "/var/data/stabilityd/state", cfg.State.Path)
	require.Equal(t, "sqlite", cfg.Journal.Driver)
	require.Equal(t, 5*time.Second, cfg.Positions.Timeout.Duration)
	require.Equal(t, 600, cfg.RateLimit.PerMinute)
	require.Equal(t, "@every 1m", cfg.History.Schedule)
	require.False(t, cfg.LiquidatorAddress().IsZero())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(baseYAML + "unexpected: true\n"))
	require.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing liquidator": `
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth: {tokens: [{name: ops, token: x, scopes: [pool:write]}]}
`,
		"bad liquidator": `
liquidator: "0xnothex"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth: {tokens: [{name: ops, token: x, scopes: [pool:write]}]}
`,
		"no schedule": `
liquidator: "0x00000000000000000000000000000000000000aa"
tls: {disable: true}
auth: {tokens: [{name: ops, token: x, scopes: [pool:write]}]}
`,
		"tls without cert": `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
auth: {tokens: [{name: ops, token: x, scopes: [pool:write]}]}
`,
		"no auth": `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
`,
		"unknown scope": `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth: {tokens: [{name: ops, token: x, scopes: [pool:admin]}]}
`,
		"duplicate token": `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth: {tokens: [{name: ops, token: x, scopes: [pool:write]}, {name: ops, token: y, scopes: [pool:write]}]}
`,
		"bad backend": baseYAML + "state: {backend: bolt}\n",
		"bad ratio":   baseYAML + "telemetry: {sample_ratio: 2}\n",
		"half influx": baseYAML + "history: {influx: {url: http://influx:8086}}\n",
		"jwt without secret": `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth: {jwt: {enabled: true, issuer: ops}}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestSecretsResolveFromEnvironment(t *testing.T) {
	t.Setenv("STABILITYD_TEST_TOKEN", "from-env")
	t.Setenv("STABILITYD_TEST_JWT", "jwt-secret")
	doc := `
liquidator: "0x00000000000000000000000000000000000000aa"
schedule: {deployed_at: 2024-01-01T00:00:00Z}
tls: {disable: true}
auth:
  tokens:
    - {name: keeper, token_env: STABILITYD_TEST_TOKEN, scopes: [" Pool:Liquidate "]}
  jwt:
    enabled: true
    secret_env: STABILITYD_TEST_JWT
    issuer: stability-ops
    leeway: 5s
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.Tokens[0].Token)
	require.Equal(t, []string{ScopeLiquidate}, cfg.Auth.Tokens[0].Scopes)
	require.Equal(t, "jwt-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 5*time.Second, cfg.Auth.JWT.Leeway.Duration)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stabilityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseYAML+"positions: {endpoint: http://positions:8080, timeout: 2s}\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://positions:8080", cfg.Positions.Endpoint)
	require.Equal(t, 2*time.Second, cfg.Positions.Timeout.Duration)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
