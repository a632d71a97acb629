package state

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
	"stabilitypool/native/stability"
	"stabilitypool/storage"
)

var (
	testLiquidator = crypto.AddressFromSeed(crypto.ModulePrefix, "liquidator")
	testDepositor  = crypto.AddressFromSeed(crypto.AccountPrefix, "depositor")
	testFrontEnd   = crypto.AddressFromSeed(crypto.AccountPrefix, "front-end")
)

func mustTokens(t *testing.T, value string) *uint256.Int {
	t.Helper()
	out, err := nativecommon.ParseDecimal(value)
	require.NoError(t, err)
	return out
}

func TestStabilityStoreEmptyReads(t *testing.T) {
	store := NewStabilityStore(storage.NewMemDB())

	pool, err := store.StabilityPool()
	require.NoError(t, err)
	require.Nil(t, pool)
	deposit, err := store.StabilityDeposit(testDepositor)
	require.NoError(t, err)
	require.Nil(t, deposit)
	frontEnd, err := store.StabilityFrontEnd(testFrontEnd)
	require.NoError(t, err)
	require.Nil(t, frontEnd)
	sum, err := store.StabilitySum(0, 0)
	require.NoError(t, err)
	require.Nil(t, sum)
	require.NoError(t, store.ApplyStabilityChanges(nil))
}

func TestStabilityStoreRoundTrip(t *testing.T) {
	store := NewStabilityStore(storage.NewMemDB())
	pool := stability.NewPoolState()
	pool.CurrentEpoch = 2
	pool.CurrentScale = 1
	pool.TotalDeposits = mustTokens(t, "1234.5")
	pool.LastLossError = uint256.NewInt(42)
	snap := stability.Snapshot{
		S:     mustTokens(t, "7"),
		P:     mustTokens(t, "0.25"),
		G:     mustTokens(t, "9"),
		Scale: 1,
		Epoch: 2,
	}
	changes := &stability.ChangeSet{
		Pool: pool,
		Deposits: []*stability.Deposit{{
			Depositor:    testDepositor,
			InitialValue: mustTokens(t, "100"),
			FrontEndTag:  testFrontEnd,
			Snapshot:     snap,
		}},
		FrontEnds: []*stability.FrontEnd{{
			Address:      testFrontEnd,
			KickbackRate: mustTokens(t, "0.8"),
			Registered:   true,
			Stake:        mustTokens(t, "100"),
			Snapshot:     snap,
		}},
		Sums: []*stability.EpochScaleSum{{Epoch: 2, Scale: 1, S: mustTokens(t, "3"), G: mustTokens(t, "4")}},
	}
	require.NoError(t, store.ApplyStabilityChanges(changes))

	gotPool, err := store.StabilityPool()
	require.NoError(t, err)
	require.Equal(t, uint64(2), gotPool.CurrentEpoch)
	require.Equal(t, uint64(1), gotPool.CurrentScale)
	require.True(t, gotPool.P.Eq(nativecommon.Unit()))
	require.True(t, gotPool.TotalDeposits.Eq(pool.TotalDeposits))
	require.True(t, gotPool.LastLossError.Eq(uint256.NewInt(42)))
	require.True(t, gotPool.TotalCollateral.IsZero())

	gotDeposit, err := store.StabilityDeposit(testDepositor)
	require.NoError(t, err)
	require.True(t, gotDeposit.Depositor.Equal(testDepositor))
	require.True(t, gotDeposit.FrontEndTag.Equal(testFrontEnd))
	require.Equal(t, testFrontEnd.String(), gotDeposit.FrontEndTag.String())
	require.True(t, gotDeposit.InitialValue.Eq(mustTokens(t, "100")))
	require.True(t, gotDeposit.Snapshot.P.Eq(snap.P))
	require.True(t, gotDeposit.Snapshot.S.Eq(snap.S))
	require.Equal(t, snap.Epoch, gotDeposit.Snapshot.Epoch)

	gotFrontEnd, err := store.StabilityFrontEnd(testFrontEnd)
	require.NoError(t, err)
	require.True(t, gotFrontEnd.Registered)
	require.True(t, gotFrontEnd.KickbackRate.Eq(mustTokens(t, "0.8")))
	require.True(t, gotFrontEnd.Snapshot.G.Eq(snap.G))

	gotSum, err := store.StabilitySum(2, 1)
	require.NoError(t, err)
	require.True(t, gotSum.S.Eq(mustTokens(t, "3")))
	require.True(t, gotSum.G.Eq(mustTokens(t, "4")))
}

func TestStabilityStoreDropsClearedDeposits(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStabilityStore(db)
	active := &stability.Deposit{
		Depositor:    testDepositor,
		InitialValue: mustTokens(t, "5"),
		Snapshot:     stability.Snapshot{S: nativecommon.Zero(), P: nativecommon.Unit(), G: nativecommon.Zero()},
	}
	require.NoError(t, store.ApplyStabilityChanges(&stability.ChangeSet{Deposits: []*stability.Deposit{active}}))
	require.Equal(t, 1, db.Len())

	cleared := active.Clone()
	cleared.InitialValue = nativecommon.Zero()
	require.NoError(t, store.ApplyStabilityChanges(&stability.ChangeSet{Deposits: []*stability.Deposit{cleared}}))
	require.Equal(t, 0, db.Len())
	got, err := store.StabilityDeposit(testDepositor)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStabilityStoreRejectsAnonymousRecords(t *testing.T) {
	store := NewStabilityStore(storage.NewMemDB())
	err := store.ApplyStabilityChanges(&stability.ChangeSet{
		Deposits: []*stability.Deposit{{InitialValue: mustTokens(t, "1")}},
	})
	require.Error(t, err)
	pool, err := store.StabilityPool()
	require.NoError(t, err)
	require.Nil(t, pool)
}

func TestEngineStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	engine := stability.NewEngine(NewStabilityStore(db))
	engine.SetLiquidator(testLiquidator)
	_, err = engine.RegisterFrontEnd(context.Background(), testFrontEnd, mustTokens(t, "0.5"))
	require.NoError(t, err)
	_, err = engine.ProvideDeposit(context.Background(), testDepositor, mustTokens(t, "1000"), testFrontEnd)
	require.NoError(t, err)
	_, err = engine.Offset(context.Background(), testLiquidator, mustTokens(t, "250"), mustTokens(t, "20"))
	require.NoError(t, err)
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()
	restored := stability.NewEngine(NewStabilityStore(reopened))

	compounded, err := restored.CompoundedDeposit(testDepositor)
	require.NoError(t, err)
	require.True(t, compounded.Eq(mustTokens(t, "750")), "got %s", compounded.Dec())
	gain, err := restored.DepositorCollateralGain(testDepositor)
	require.NoError(t, err)
	require.True(t, gain.Eq(mustTokens(t, "20")), "got %s", gain.Dec())
	stake, err := restored.CompoundedFrontEndStake(testFrontEnd)
	require.NoError(t, err)
	require.True(t, stake.Eq(mustTokens(t, "750")))

	receipt, err := restored.WithdrawDeposit(context.Background(), testDepositor, mustTokens(t, "750"))
	require.NoError(t, err)
	require.True(t, receipt.Withdrawn.Eq(mustTokens(t, "750")))
	pool, err := restored.Pool()
	require.NoError(t, err)
	require.True(t, pool.TotalDeposits.IsZero())
	require.True(t, pool.TotalCollateral.IsZero())
}
