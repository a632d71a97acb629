package stability

import (
	"fmt"

	"github.com/holiman/uint256"

	nativecommon "stabilitypool/native/common"
)

// sumLookup resolves the accumulator cell at (epoch, scale). Cells that were
// never written read as zero.
type sumLookup func(epoch, scale uint64) (*EpochScaleSum, error)

// compoundedStake applies every loss recorded since the snapshot to initial.
// A snapshot from an earlier epoch compounds to zero, as does a value that has
// been rescaled more than once or decayed below a billionth of its initial
// size.
func compoundedStake(initial *uint256.Int, snap Snapshot, pool *PoolState) (*uint256.Int, error) {
	if nativecommon.IsZero(initial) {
		return nativecommon.Zero(), nil
	}
	if snap.Epoch < pool.CurrentEpoch {
		return nativecommon.Zero(), nil
	}
	if snap.Epoch > pool.CurrentEpoch || snap.Scale > pool.CurrentScale {
		return nil, fmt.Errorf("%w: snapshot (%d,%d) ahead of pool (%d,%d)", ErrInvariantViolation,
			snap.Epoch, snap.Scale, pool.CurrentEpoch, pool.CurrentScale)
	}
	if nativecommon.IsZero(snap.P) {
		return nil, fmt.Errorf("%w: snapshot product is zero", ErrInvariantViolation)
	}
	var (
		compounded *uint256.Int
		err        error
	)
	switch pool.CurrentScale - snap.Scale {
	case 0:
		compounded, err = nativecommon.MulDiv(initial, pool.P, snap.P)
	case 1:
		compounded, err = nativecommon.MulDiv(initial, pool.P, snap.P)
		if err == nil {
			compounded.Div(compounded, nativecommon.ScaleFactor())
		}
	default:
		return nativecommon.Zero(), nil
	}
	if err != nil {
		return nil, err
	}
	floor := new(uint256.Int).Div(initial, nativecommon.ScaleFactor())
	if compounded.Lt(floor) {
		return nativecommon.Zero(), nil
	}
	return compounded, nil
}

// gainFromSnapshots computes initial × ((sum[e0][s0] − snapshotSum) +
// sum[e0][s0+1] / 10^9) / P0 / 10^18. The second term captures the portion of
// the gain accrued after a single rescale; anything later is lost to
// precision. pick selects S or G from the cell.
func gainFromSnapshots(initial *uint256.Int, snap Snapshot, snapSum *uint256.Int, lookup sumLookup, pick func(*EpochScaleSum) *uint256.Int) (*uint256.Int, error) {
	if nativecommon.IsZero(initial) {
		return nativecommon.Zero(), nil
	}
	if nativecommon.IsZero(snap.P) {
		return nil, fmt.Errorf("%w: snapshot product is zero", ErrInvariantViolation)
	}
	first, err := lookup(snap.Epoch, snap.Scale)
	if err != nil {
		return nil, err
	}
	second, err := lookup(snap.Epoch, snap.Scale+1)
	if err != nil {
		return nil, err
	}
	firstPortion, err := nativecommon.Sub(pick(first), snapSum)
	if err != nil {
		return nil, fmt.Errorf("%w: accumulator below snapshot", ErrInvariantViolation)
	}
	secondPortion := new(uint256.Int).Div(nativecommon.Clone(pick(second)), nativecommon.ScaleFactor())
	total, err := nativecommon.Add(firstPortion, secondPortion)
	if err != nil {
		return nil, err
	}
	gain, err := nativecommon.MulDiv(initial, total, snap.P)
	if err != nil {
		return nil, err
	}
	return gain.Div(gain, nativecommon.Unit()), nil
}

func pickS(sum *EpochScaleSum) *uint256.Int { return sum.S }

func pickG(sum *EpochScaleSum) *uint256.Int { return sum.G }

// depositCollateralGain returns the collateral owed to a deposit.
func depositCollateralGain(deposit *Deposit, lookup sumLookup) (*uint256.Int, error) {
	if !deposit.Active() {
		return nativecommon.Zero(), nil
	}
	return gainFromSnapshots(deposit.InitialValue, deposit.Snapshot, deposit.Snapshot.S, lookup, pickS)
}

// depositTokenGain returns the reward token owed to a deposit after the
// tagged front end's kickback is applied. Untagged deposits keep the whole
// gain.
func depositTokenGain(deposit *Deposit, kickbackRate *uint256.Int, lookup sumLookup) (*uint256.Int, error) {
	if !deposit.Active() {
		return nativecommon.Zero(), nil
	}
	gain, err := gainFromSnapshots(deposit.InitialValue, deposit.Snapshot, deposit.Snapshot.G, lookup, pickG)
	if err != nil {
		return nil, err
	}
	if deposit.FrontEndTag.IsZero() {
		return gain, nil
	}
	return nativecommon.MulDiv(gain, kickbackRate, nativecommon.Unit())
}

// frontEndTokenGain returns the share of the reward token retained by a front
// end on its aggregate stake.
func frontEndTokenGain(frontEnd *FrontEnd, lookup sumLookup) (*uint256.Int, error) {
	if frontEnd == nil || nativecommon.IsZero(frontEnd.Stake) {
		return nativecommon.Zero(), nil
	}
	gain, err := gainFromSnapshots(frontEnd.Stake, frontEnd.Snapshot, frontEnd.Snapshot.G, lookup, pickG)
	if err != nil {
		return nil, err
	}
	retained, err := nativecommon.Sub(nativecommon.Unit(), frontEnd.KickbackRate)
	if err != nil {
		return nil, fmt.Errorf("%w: kickback rate above one", ErrInvariantViolation)
	}
	return nativecommon.MulDiv(gain, retained, nativecommon.Unit())
}

func compoundedDeposit(deposit *Deposit, pool *PoolState) (*uint256.Int, error) {
	if !deposit.Active() {
		return nativecommon.Zero(), nil
	}
	return compoundedStake(deposit.InitialValue, deposit.Snapshot, pool)
}

func compoundedFrontEndStake(frontEnd *FrontEnd, pool *PoolState) (*uint256.Int, error) {
	if frontEnd == nil || nativecommon.IsZero(frontEnd.Stake) {
		return nativecommon.Zero(), nil
	}
	return compoundedStake(frontEnd.Stake, frontEnd.Snapshot, pool)
}
