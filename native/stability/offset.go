package stability

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

// Offset cancels debtToOffset of pool deposits against a liquidated position
// and distributes collateralToAdd pro rata. Only the configured liquidation
// collaborator may call it. A zero debt is a no-op: nothing is written and
// the receipt reports no collateral added.
func (e *Engine) Offset(ctx context.Context, caller crypto.Address, debtToOffset, collateralToAdd *uint256.Int) (*OffsetReceipt, error) {
	if e == nil {
		return nil, ErrNilState
	}
	if err := e.enter(ctx); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if e.liquidator.IsZero() || !caller.Equal(e.liquidator) {
		e.telemetry.ObserveRejection(opOffset)
		return nil, ErrUnauthorizedCaller
	}
	debt := nativecommon.Clone(debtToOffset)
	coll := nativecommon.Clone(collateralToAdd)
	tx := newTxn(e.state)
	pool, err := tx.loadPool()
	if err != nil {
		return nil, err
	}
	receipt := &OffsetReceipt{
		DebtOffset:            debt,
		CollateralAdded:       nativecommon.Zero(),
		CollateralGainPerUnit: nativecommon.Zero(),
		LossPerUnit:           nativecommon.Zero(),
		P:                     nativecommon.Clone(pool.P),
		Epoch:                 pool.CurrentEpoch,
		Scale:                 pool.CurrentScale,
		TokenIssued:           nativecommon.Zero(),
	}
	if debt.IsZero() {
		return receipt, nil
	}
	if nativecommon.IsZero(pool.TotalDeposits) {
		e.telemetry.ObserveRejection(opOffset)
		return nil, ErrEmptyPool
	}
	if debt.Gt(pool.TotalDeposits) {
		e.telemetry.ObserveRejection(opOffset)
		return nil, fmt.Errorf("%w: debt %s exceeds deposits %s", ErrInvariantViolation, debt.Dec(), pool.TotalDeposits.Dec())
	}
	issued, err := e.triggerIssuance(tx)
	if err != nil {
		return nil, err
	}
	receipt.TokenIssued = issued.issued

	collPerUnit, lossPerUnit, err := computeRewardsPerUnit(pool, coll, debt)
	if err != nil {
		return nil, err
	}
	emptied, err := updateRewardSumAndProduct(tx, pool, collPerUnit, lossPerUnit)
	if err != nil {
		return nil, err
	}
	if pool.TotalDeposits, err = nativecommon.Sub(pool.TotalDeposits, debt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if pool.TotalCollateral, err = nativecommon.Add(pool.TotalCollateral, coll); err != nil {
		return nil, err
	}
	tx.markPool()
	if err := tx.commit(); err != nil {
		return nil, err
	}

	receipt.CollateralAdded = coll
	receipt.CollateralGainPerUnit = collPerUnit
	receipt.LossPerUnit = lossPerUnit
	receipt.P = nativecommon.Clone(pool.P)
	receipt.Epoch = pool.CurrentEpoch
	receipt.Scale = pool.CurrentScale
	receipt.PoolEmptied = emptied
	e.telemetry.ObserveOperation(opOffset)
	e.telemetry.ObserveOffset(nativecommon.ToFloat64(debt), nativecommon.ToFloat64(coll))
	e.publishPool(pool)
	e.emit(events.StabilityOffset{
		Debt:                  debt,
		Collateral:            coll,
		CollateralGainPerUnit: collPerUnit,
		LossPerUnit:           lossPerUnit,
		P:                     pool.P,
		Epoch:                 pool.CurrentEpoch,
		Scale:                 pool.CurrentScale,
		PoolEmptied:           emptied,
	})
	return receipt, nil
}

// computeRewardsPerUnit derives the collateral gain and deposit loss per unit
// staked, carrying rounding residue between offsets. Collateral per unit is
// truncated so depositors are never overpaid; loss per unit is rounded up so
// the pool never under-charges.
func computeRewardsPerUnit(pool *PoolState, coll, debt *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	total := pool.TotalDeposits
	collNumerator, err := nativecommon.Mul(coll, nativecommon.Unit())
	if err != nil {
		return nil, nil, err
	}
	if collNumerator, err = nativecommon.Add(collNumerator, pool.LastCollateralError); err != nil {
		return nil, nil, err
	}
	collPerUnit, err := nativecommon.Div(collNumerator, total)
	if err != nil {
		return nil, nil, err
	}
	collConsumed, err := nativecommon.Mul(collPerUnit, total)
	if err != nil {
		return nil, nil, err
	}
	if pool.LastCollateralError, err = nativecommon.Sub(collNumerator, collConsumed); err != nil {
		return nil, nil, err
	}

	if debt.Eq(total) {
		pool.LastLossError = nativecommon.Zero()
		return collPerUnit, nativecommon.Unit(), nil
	}
	debtScaled, err := nativecommon.Mul(debt, nativecommon.Unit())
	if err != nil {
		return nil, nil, err
	}
	if debtScaled.Lt(pool.LastLossError) {
		// Earlier round-ups already charged more than this offset.
		pool.LastLossError = new(uint256.Int).Sub(pool.LastLossError, debtScaled)
		return collPerUnit, nativecommon.Zero(), nil
	}
	lossNumerator := new(uint256.Int).Sub(debtScaled, pool.LastLossError)
	lossPerUnit, remainder := new(uint256.Int).DivMod(lossNumerator, total, new(uint256.Int))
	if !remainder.IsZero() {
		lossPerUnit.AddUint64(lossPerUnit, 1)
	}
	if lossPerUnit.Gt(nativecommon.Unit()) {
		return nil, nil, fmt.Errorf("%w: loss per unit above one", ErrInvariantViolation)
	}
	charged, err := nativecommon.Mul(lossPerUnit, total)
	if err != nil {
		return nil, nil, err
	}
	pool.LastLossError = new(uint256.Int).Sub(charged, lossNumerator)
	return collPerUnit, lossPerUnit, nil
}

// updateRewardSumAndProduct accumulates the collateral gain into S at the
// current cell, then applies the loss to P. It reports whether the offset
// emptied the pool and opened a new epoch.
func updateRewardSumAndProduct(tx *txn, pool *PoolState, collPerUnit, lossPerUnit *uint256.Int) (bool, error) {
	marginal, err := nativecommon.Mul(collPerUnit, pool.P)
	if err != nil {
		return false, err
	}
	sum, err := tx.loadSum(pool.CurrentEpoch, pool.CurrentScale)
	if err != nil {
		return false, err
	}
	if !marginal.IsZero() {
		if sum.S, err = nativecommon.Add(sum.S, marginal); err != nil {
			return false, err
		}
		tx.markSum(pool.CurrentEpoch, pool.CurrentScale)
	}

	factor, err := nativecommon.Sub(nativecommon.Unit(), lossPerUnit)
	if err != nil {
		return false, fmt.Errorf("%w: loss per unit above one", ErrInvariantViolation)
	}
	if factor.IsZero() {
		pool.CurrentEpoch++
		pool.CurrentScale = 0
		pool.P = nativecommon.Unit()
		return true, nil
	}
	newP, err := nativecommon.MulDiv(pool.P, factor, nativecommon.Unit())
	if err != nil {
		return false, err
	}
	if newP.Lt(nativecommon.ScaleFactor()) {
		scaled, err := nativecommon.Mul(pool.P, factor)
		if err != nil {
			return false, err
		}
		if newP, err = nativecommon.MulDiv(scaled, nativecommon.ScaleFactor(), nativecommon.Unit()); err != nil {
			return false, err
		}
		pool.CurrentScale++
	}
	if newP.IsZero() {
		return false, fmt.Errorf("%w: product reached zero", ErrInvariantViolation)
	}
	pool.P = newP
	return false, nil
}
