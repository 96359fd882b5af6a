package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirana-ledger/ledger/internal/types"
)

type mapStore struct {
	linked string
	err    error
}

func (m *mapStore) LinkedLedgerID() (string, bool) {
	return m.linked, m.linked != ""
}

func (m *mapStore) SetLinkedLedgerID(id string) error {
	if m.err != nil {
		return m.err
	}
	m.linked = id
	return nil
}

func (m *mapStore) ClearLinkedLedgerID() error {
	if m.err != nil {
		return m.err
	}
	m.linked = ""
	return nil
}

func TestResolve(t *testing.T) {
	store := &mapStore{}
	r := NewResolver(store)
	owner := types.Principal{ID: "uid-1"}

	assert.Equal(t, "uid-1", r.Resolve(owner))
	assert.Equal(t, types.LocalUserID, r.Resolve(types.LocalPrincipal()))

	require.NoError(t, r.Link("  shop-99  "))
	assert.Equal(t, "shop-99", r.Resolve(owner))
	assert.Equal(t, "shop-99", r.Resolve(types.OfflinePrincipal()))

	id, ok := r.Linked()
	assert.True(t, ok)
	assert.Equal(t, "shop-99", id)

	require.NoError(t, r.Unlink())
	assert.Equal(t, "uid-1", r.Resolve(owner))
	_, ok = r.Linked()
	assert.False(t, ok)
}

func TestLink_Blank(t *testing.T) {
	r := NewResolver(&mapStore{})
	assert.Error(t, r.Link("   "))
}

func TestLink_StoreError(t *testing.T) {
	boom := errors.New("disk full")
	r := NewResolver(&mapStore{err: boom})

	assert.ErrorIs(t, r.Link("shop-99"), boom)
	assert.ErrorIs(t, r.Unlink(), boom)
}
