package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"governator/config"
	"governator/discord"
	"governator/eligibility"
)

func TestBuildStrategies(t *testing.T) {
	cfg := config.Default()
	cfg.Strategies = []config.StrategyConfig{
		{ID: "erc20-gov", URL: "https://balances.example/erc20", Timeout: time.Second},
		{ID: "nft-holders", URL: "http://balances.internal/nft"},
	}
	registry, err := buildStrategies(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"erc20-gov", "nft-holders"}, registry.IDs())

	cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{ID: "erc20-gov", URL: "https://other.example"})
	_, err = buildStrategies(cfg)
	require.Error(t, err)

	cfg.Strategies = []config.StrategyConfig{{ID: "bad", URL: "ftp://balances.example"}}
	_, err = buildStrategies(cfg)
	require.Error(t, err)
}

func TestBuildStrategiesLoadsFixedAllocations(t *testing.T) {
	cfg := config.Default()
	cfg.Strategies = []config.StrategyConfig{
		{ID: "remote", Kind: config.StrategyRemote, URL: "https://balances.example"},
		{ID: "genesis", Kind: config.StrategyFixed, Allocations: []config.AllocationConfig{
			{Address: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", Height: 10, Balance: "70"},
			{Address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", Height: 20, Balance: "1000000000000000000000000"},
		}},
	}
	registry, err := buildStrategies(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"genesis", "remote"}, registry.IDs())

	strategy, ok := registry.Lookup("genesis")
	require.True(t, ok)
	require.IsType(t, &eligibility.Ledger{}, strategy)

	ctx := context.Background()
	addr := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	for height, want := range map[uint64]string{9: "0", 10: "70", 19: "70", 20: "1000000000000000000000000"} {
		balance, err := strategy.BalanceAt(ctx, addr, height)
		require.NoError(t, err)
		require.Equal(t, want, balance.Dec(), "height %d", height)
	}

	cfg.Strategies = []config.StrategyConfig{{ID: "bad", Kind: config.StrategyFixed, Allocations: []config.AllocationConfig{{Address: "not-an-address", Balance: "1"}}}}
	_, err = buildStrategies(cfg)
	require.Error(t, err)

	cfg.Strategies = []config.StrategyConfig{{ID: "bad", Kind: config.StrategyFixed, Allocations: []config.AllocationConfig{{Address: addr, Balance: "-5"}}}}
	_, err = buildStrategies(cfg)
	require.Error(t, err)
}

func TestOpenCache(t *testing.T) {
	cache, err := openCache(config.CacheConfig{Kind: "none"})
	require.NoError(t, err)
	require.Equal(t, discord.NopCache(), cache)

	cache, err = openCache(config.CacheConfig{Kind: "memory"})
	require.NoError(t, err)
	require.IsType(t, &discord.MemoryCache{}, cache)

	cache, err = openCache(config.CacheConfig{Kind: "bolt", Path: filepath.Join(t.TempDir(), "cache.bolt")})
	require.NoError(t, err)
	require.IsType(t, &discord.BoltCache{}, cache)
	require.NoError(t, cache.Close())
}

func TestListenCapsConnections(t *testing.T) {
	ln, err := listen("127.0.0.1:0", 1)
	require.NoError(t, err)
	defer ln.Close()

	for i := 0; i < 2; i++ {
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
	}

	first, err := ln.Accept()
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	select {
	case <-accepted:
		t.Fatal("second connection accepted while the first is open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Close())
	select {
	case conn := <-accepted:
		require.NoError(t, conn.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("second connection not accepted after the first closed")
	}
}
