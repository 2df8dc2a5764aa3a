package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/billable/internal/account/domain"
	"github.com/smallbiznis/billable/internal/account/repository"
	"github.com/smallbiznis/billable/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCreateAndGetAccount(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := New(Params{DB: f.DB, Log: zap.NewNop(), GenID: f.GenID, Repo: repository.Provide()})
	ctx := context.Background()

	account, err := svc.Create(ctx, domain.CreateAccountRequest{Metadata: map[string]any{"source": "signup"}})
	require.NoError(t, err)
	assert.NotZero(t, account.ID)

	stored, err := svc.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, stored.ID)
	assert.Equal(t, "signup", stored.Metadata["source"])

	_, err = svc.Get(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)

	_, err = svc.Get(ctx, f.GenID.Generate())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
