package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	j, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "stability.custom" }

func TestJournalAppendsInSequence(t *testing.T) {
	j := openTestJournal(t)
	alice := crypto.AddressFromSeed(crypto.AccountPrefix, "alice")

	j.Emit(events.StabilityDepositChanged{Depositor: alice, Deposit: uint256.NewInt(1000), Withdrawn: uint256.NewInt(0)})
	j.Emit(events.StabilityOffset{Debt: uint256.NewInt(300), Collateral: uint256.NewInt(30), Epoch: 0, Scale: 0})
	j.Emit(bareEvent{})

	entries, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(1), entries[0].Sequence)
	require.Equal(t, events.TypeStabilityDepositChanged, entries[0].Type)
	require.Equal(t, alice.String(), entries[0].Attributes["depositor"])
	require.Equal(t, "1000", entries[0].Attributes["deposit"])
	require.Equal(t, "300", entries[1].Attributes["debt"])
	require.Equal(t, "stability.custom", entries[2].Type)
	require.Empty(t, entries[2].Attributes)
	_, err = uuid.Parse(entries[0].ID)
	require.NoError(t, err)
}

func TestJournalListFiltersAndPages(t *testing.T) {
	j := openTestJournal(t)
	for i := 0; i < 5; i++ {
		j.Emit(events.StabilityPoolUpdated{P: uint256.NewInt(uint64(i)), TotalDeposits: uint256.NewInt(1), TotalCollateral: uint256.NewInt(0)})
		j.Emit(events.StabilityTokenPaid{Amount: uint256.NewInt(uint64(i))})
	}

	page, err := j.List(context.Background(), Query{Type: events.TypeStabilityPoolUpdated, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "0", page[0].Attributes["p"])
	require.Equal(t, "1", page[1].Attributes["p"])

	next, err := j.List(context.Background(), Query{Type: events.TypeStabilityPoolUpdated, After: page[1].Sequence})
	require.NoError(t, err)
	require.Len(t, next, 3)
	require.Equal(t, "2", next[0].Attributes["p"])
	for _, entry := range next {
		require.Greater(t, entry.Sequence, page[1].Sequence)
	}
}

func TestJournalResumesSequenceAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sqlite")
	db, err := Open("sqlite", path)
	require.NoError(t, err)
	j, err := New(db, nil)
	require.NoError(t, err)
	j.Emit(bareEvent{})
	j.Emit(bareEvent{})
	require.NoError(t, j.Close())

	db, err = Open("sqlite", path)
	require.NoError(t, err)
	reopened, err := New(db, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Append(context.Background(), bareEvent{}))

	entries, err := reopened.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(3), entries[2].Sequence)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}

func TestSubscribeDeliversMatchingEntries(t *testing.T) {
	j := openTestJournal(t)
	j.Emit(bareEvent{})

	offsets, cancel := j.Subscribe(events.TypeStabilityOffset)
	defer cancel()
	all, cancelAll := j.Subscribe("")

	j.Emit(events.StabilityOffset{Debt: uint256.NewInt(5), Collateral: uint256.NewInt(1)})
	j.Emit(bareEvent{})

	entry := <-offsets
	require.Equal(t, int64(2), entry.Sequence)
	require.Equal(t, "5", entry.Attributes["debt"])
	require.Len(t, offsets, 0)

	require.Equal(t, int64(2), (<-all).Sequence)
	require.Equal(t, int64(3), (<-all).Sequence)
	cancelAll()
	cancelAll()
	_, open := <-all
	require.False(t, open)
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	j := openTestJournal(t)
	ch, cancel := j.Subscribe("")
	defer cancel()
	for i := 0; i < subscriberBuffer+1; i++ {
		j.Emit(bareEvent{})
	}
	received := 0
	for range ch {
		received++
	}
	require.Equal(t, subscriberBuffer, received)
}
