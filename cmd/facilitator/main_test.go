package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/config"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		repo, closeFn, err := openStore(ctx, &config.Config{StoreDriver: config.StoreMemory})
		require.NoError(t, err)
		defer closeFn()
		assert.Nil(t, repo)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "payments.db")
		repo, closeFn, err := openStore(ctx, &config.Config{StoreDriver: config.StoreSQLite, StoreDSN: path})
		require.NoError(t, err)
		defer closeFn()

		require.NoError(t, repo.Save(ctx, facilitator.PaymentRecord{ID: "pay_1", Status: facilitator.StatusPending}))
		got, err := repo.Get(ctx, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, facilitator.StatusPending, got.Status)
	})

	t.Run("remote", func(t *testing.T) {
		repo, closeFn, err := openStore(ctx, &config.Config{
			StoreDriver: config.StoreRemote,
			StoreURL:    "https://store.example",
			StoreSecret: "secret",
		})
		require.NoError(t, err)
		defer closeFn()
		assert.NotNil(t, repo)
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := openStore(ctx, &config.Config{StoreDriver: "redis"})
		assert.Error(t, err)
	})
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestVerifyTxRejectsBadHash(t *testing.T) {
	cmd := verifyTxCmd()
	cmd.SetArgs([]string{"0x1234"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction hash")
}
