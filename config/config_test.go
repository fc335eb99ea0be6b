package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRequiresSessionSecret(t *testing.T) {
	_, err := Load("")
	require.ErrorIs(t, err, ErrSessionSecretMissing)
}

func TestLoadDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("GOVERNATOR_SESSION_SECRET", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Discord.RetryAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Discord.RetryDelay)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 10*time.Minute, cfg.Challenge.TTL)
}

func TestLoadYAMLWithOverrides(t *testing.T) {
	path := writeConfig(t, "governator.yaml", `
listen: ":9090"
session:
  secret: from-file
discord:
  retryDelay: 250ms
  allowedGuilds: ["851552281249972254", " "]
strategies:
  - id: "erc20:XYZ"
    url: "http://strategies.local/erc20"
    timeout: 2s
  - id: "genesis"
    kind: Fixed
    allocations:
      - address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
        height: 10
        balance: "1000000000000000000000"
`)
	t.Setenv("GOVERNATOR_DISCORD_RETRY_ATTEMPTS", "3")
	t.Setenv("GOVERNATOR_DATABASE_DRIVER", "Postgres")
	t.Setenv("GOVERNATOR_DATABASE_DSN", "postgres://localhost/governator")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 3, cfg.Discord.RetryAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Discord.RetryDelay)
	require.Equal(t, []string{"851552281249972254"}, cfg.Discord.AllowedGuilds)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Len(t, cfg.Strategies, 2)
	require.Equal(t, StrategyRemote, cfg.Strategies[0].Kind)
	require.Equal(t, 2*time.Second, cfg.Strategies[0].Timeout)
	require.Equal(t, StrategyFixed, cfg.Strategies[1].Kind)
	require.Equal(t, []AllocationConfig{{Address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", Height: 10, Balance: "1000000000000000000000"}}, cfg.Strategies[1].Allocations)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "governator.toml", `
listen = ":7070"

[session]
secret = "toml-secret"

[discord.cache]
kind = "bolt"
path = "/tmp/guilds.bolt"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, "bolt", cfg.Discord.Cache.Kind)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"retry attempts": func(c *Config) { c.Discord.RetryAttempts = 0 },
		"driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"cache kind":     func(c *Config) { c.Discord.Cache.Kind = "memcached" },
		"redis addr":     func(c *Config) { c.Discord.Cache.Kind = "redis" },
		"strategy url": func(c *Config) {
			c.Strategies = []StrategyConfig{{ID: "erc20", URL: "ftp://nope"}}
		},
		"duplicate strategy": func(c *Config) {
			c.Strategies = []StrategyConfig{{ID: "a", URL: "http://x"}, {ID: "a", URL: "http://y"}}
		},
		"strategy kind": func(c *Config) {
			c.Strategies = []StrategyConfig{{ID: "a", Kind: "onchain"}}
		},
		"fixed without allocations": func(c *Config) {
			c.Strategies = []StrategyConfig{{ID: "a", Kind: StrategyFixed}}
		},
		"nonce store": func(c *Config) { c.Internal.APIKeys = map[string]string{"ops": "k"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.Secret = "x"
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "governator.json", `{}`)
	_, err := Load(path)
	require.Error(t, err)
}
