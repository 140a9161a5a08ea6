//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chainWatchdog/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("watchdog"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestStorePutFindings(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	contract := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	findings := []model.Finding{
		{
			RuleID: "ownership-transfer", Variant: model.VariantStateChange, Severity: model.SeverityCritical,
			Message: "Ownership Transferred!", ChainID: 1, ChainName: "ethereum", Contract: contract,
			Kind: model.KindOwnershipTransferred, BlockNumber: 100, TxHash: common.HexToHash("0x01"),
			LogIndex: 0, Fingerprint: "abc", ObservedAt: base,
		},
		{
			RuleID: "ownership-transfer", Variant: model.VariantStateChange, Severity: model.SeverityCritical,
			Message: "Ownership Transferred!", ChainID: 1, ChainName: "ethereum", Contract: contract,
			Kind: model.KindOwnershipTransferred, BlockNumber: 101, TxHash: common.HexToHash("0x02"),
			LogIndex: 3, Fingerprint: "abc", ObservedAt: base.Add(time.Second),
		},
	}

	require.NoError(t, store.PutFindings(ctx, findings))
	// Re-inserting the same logs is a no-op.
	require.NoError(t, store.PutFindings(ctx, findings[:1]))

	stored, err := store.RecentFindings(ctx, contract.Hex(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(101), stored[0].BlockNumber)
	assert.Equal(t, "Critical", stored[0].Severity)
	assert.True(t, stored[1].ObservedAt.Equal(base))
}

func TestStoreMigrateIsIdempotent(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}
