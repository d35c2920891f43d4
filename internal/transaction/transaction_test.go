package transaction

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()

	tx := NewTransfer(alice, bob, 40)
	assert.Equal(t, PhaseProcessing, tx.ConfirmingPhase)
	assert.Equal(t, KindTransfer, tx.Kind)
	assert.False(t, tx.IsConfirmed())
	assert.Equal(t, []uuid.UUID{alice, bob}, tx.Accounts())

	tx.Confirm(2)
	assert.True(t, tx.IsConfirmed())
	assert.Equal(t, 2, tx.Attempts)

	failed := NewWithdraw(alice, 10).Fail(1)
	assert.Equal(t, PhaseFailed, failed.ConfirmingPhase)
}

func TestAccounts(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, []uuid.UUID{id}, NewDeposit(id, 1).Accounts())
	assert.Equal(t, []uuid.UUID{id}, NewWithdraw(id, 1).Accounts())
}

func TestJSON(t *testing.T) {
	tx := NewDeposit(uuid.New(), 12.5).Confirm(1)

	data, err := tx.MarshalToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"deposit"`)

	back, err := UnmarshalFromJSON(data)
	require.NoError(t, err)
	if diff := cmp.Diff(tx, back); diff != "" {
		t.Errorf("json round trip mismatch (-want +got):\n%s", diff)
	}
}
