package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
)

func testFileConfig() config.Config {
	return config.Config{
		Global: config.GlobalConfig{
			Port:       9000,
			PrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			Store:      config.StoreConfig{Backend: "inmemory"},
		},
		Chains: []config.ChainConfig{
			{ChainID: "1", Name: "mainnet", RPC: "http://localhost:8545"},
		},
	}
}

func TestNewRejectsBadPrivateKey(t *testing.T) {
	cfg := testFileConfig()
	cfg.Global.PrivateKey = "zz"
	_, err := New(Config{File: cfg, Log: zaptest.NewLogger(t)})
	require.ErrorContains(t, err, "private key")
}

func TestNewAcceptsHexPrefixedKey(t *testing.T) {
	cfg := testFileConfig()
	cfg.Global.PrivateKey = "0x" + cfg.Global.PrivateKey
	o, err := New(Config{File: cfg, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NotNil(t, o.Store())
	assert.Empty(t, o.Status())
}

func TestOpenBackendSelection(t *testing.T) {
	backend, err := openBackend(config.StoreConfig{Backend: "inmemory"})
	require.NoError(t, err)
	_, ok := backend.(*store.MemoryBackend)
	assert.True(t, ok)

	dir := t.TempDir()
	backend, err = openBackend(config.StoreConfig{Backend: "boltdb", Path: dir + "/bolt.db"})
	require.NoError(t, err)
	_, ok = backend.(*store.BoltDBBackend)
	assert.True(t, ok)
	require.NoError(t, backend.Close())

	backend, err = openBackend(config.StoreConfig{Backend: "leveldb", Path: dir + "/leveldb"})
	require.NoError(t, err)
	_, ok = backend.(*store.LevelDBBackend)
	assert.True(t, ok)
	require.NoError(t, backend.Close())
}

func TestStatusLogInterval(t *testing.T) {
	t.Setenv("STATUS_LOG_INTERVAL", "")
	assert.Equal(t, defaultStatusLogInterval, statusLogInterval())

	t.Setenv("STATUS_LOG_INTERVAL", "2500")
	assert.Equal(t, 2500*time.Millisecond, statusLogInterval())

	t.Setenv("STATUS_LOG_INTERVAL", "junk")
	assert.Equal(t, defaultStatusLogInterval, statusLogInterval())
}
