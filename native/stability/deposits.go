package stability

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

// settlement captures a deposit's pending balances at the moment it is
// touched, before the principal is rewritten.
type settlement struct {
	compounded         *uint256.Int
	loss               *uint256.Int
	collateralGain     *uint256.Int
	tokenGain          *uint256.Int
	frontEnd           *FrontEnd
	frontEndTokenGain  *uint256.Int
	frontEndCompounded *uint256.Int
}

// settle computes what the deposit and its tagged front end are owed. The
// caller must have triggered issuance first so G is current.
func (e *Engine) settle(tx *txn, pool *PoolState, deposit *Deposit) (*settlement, error) {
	s := &settlement{
		frontEndTokenGain:  nativecommon.Zero(),
		frontEndCompounded: nativecommon.Zero(),
	}
	var err error
	if s.collateralGain, err = depositCollateralGain(deposit, tx.loadSum); err != nil {
		return nil, err
	}
	if s.compounded, err = compoundedDeposit(deposit, pool); err != nil {
		return nil, err
	}
	if s.loss, err = nativecommon.Sub(deposit.InitialValue, s.compounded); err != nil {
		return nil, fmt.Errorf("%w: compounded deposit above principal", ErrInvariantViolation)
	}
	kickback, err := e.kickbackFor(tx, deposit)
	if err != nil {
		return nil, err
	}
	if s.tokenGain, err = depositTokenGain(deposit, kickback, tx.loadSum); err != nil {
		return nil, err
	}
	if deposit.FrontEndTag.IsZero() {
		return s, nil
	}
	if s.frontEnd, err = tx.loadFrontEnd(deposit.FrontEndTag); err != nil {
		return nil, err
	}
	if s.frontEndTokenGain, err = frontEndTokenGain(s.frontEnd, tx.loadSum); err != nil {
		return nil, err
	}
	if s.frontEndCompounded, err = compoundedFrontEndStake(s.frontEnd, pool); err != nil {
		return nil, err
	}
	return s, nil
}

// updateFrontEndStake rewrites the front end's stake and snapshot. A zero
// stake clears the snapshot.
func updateFrontEndStake(tx *txn, frontEnd *FrontEnd, stake *uint256.Int) error {
	frontEnd.Stake = nativecommon.Clone(stake)
	tx.markFrontEnd(frontEnd.Address)
	if frontEnd.Stake.IsZero() {
		frontEnd.Snapshot = zeroSnapshot()
		return nil
	}
	snap, err := tx.currentSnapshot(false)
	if err != nil {
		return err
	}
	frontEnd.Snapshot = snap
	return nil
}

// updateDeposit rewrites the principal and snapshot. A zero principal clears
// the tag and snapshot.
func updateDeposit(tx *txn, deposit *Deposit, value *uint256.Int) error {
	deposit.InitialValue = nativecommon.Clone(value)
	tx.markDeposit(deposit.Depositor)
	if deposit.InitialValue.IsZero() {
		deposit.FrontEndTag = crypto.Address{}
		deposit.Snapshot = zeroSnapshot()
		return nil
	}
	snap, err := tx.currentSnapshot(true)
	if err != nil {
		return err
	}
	deposit.Snapshot = snap
	return nil
}

// payCollateral releases the settlement's collateral gain from the pool's
// holdings. Rounding can leave the last claimant a few units above what the
// pool holds; the payout is capped at the pool balance.
func payCollateral(tx *txn, pool *PoolState, s *settlement) {
	if nativecommon.IsZero(s.collateralGain) {
		return
	}
	s.collateralGain = nativecommon.Min(s.collateralGain, pool.TotalCollateral)
	pool.TotalCollateral = new(uint256.Int).Sub(pool.TotalCollateral, s.collateralGain)
	tx.markPool()
}

// ProvideDeposit adds amount to the depositor's position, paying out pending
// gains first. The front end tag is fixed on the first deposit and ignored on
// later ones.
func (e *Engine) ProvideDeposit(ctx context.Context, depositor crypto.Address, amount *uint256.Int, frontEndTag crypto.Address) (*DepositReceipt, error) {
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
	receipt, err := e.provide(depositor, amount, frontEndTag)
	if err != nil {
		e.telemetry.ObserveRejection(opProvide)
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) provide(depositor crypto.Address, amount *uint256.Int, frontEndTag crypto.Address) (*DepositReceipt, error) {
	if depositor.IsZero() {
		return nil, ErrInvalidAddress
	}
	if nativecommon.IsZero(amount) {
		return nil, ErrZeroAmount
	}
	tx := newTxn(e.state)
	if !frontEndTag.IsZero() {
		tagged, err := tx.loadFrontEnd(frontEndTag)
		if err != nil {
			return nil, err
		}
		if !tagged.Registered {
			return nil, ErrFrontEndNotRegistered
		}
	}
	self, err := tx.loadFrontEnd(depositor)
	if err != nil {
		return nil, err
	}
	if self.Registered {
		return nil, ErrFrontEndRegistered
	}
	pool, err := tx.loadPool()
	if err != nil {
		return nil, err
	}
	deposit, err := tx.loadDeposit(depositor)
	if err != nil {
		return nil, err
	}
	if _, err := e.triggerIssuance(tx); err != nil {
		return nil, err
	}
	if !deposit.Active() {
		deposit.FrontEndTag = frontEndTag
	}
	s, err := e.settle(tx, pool, deposit)
	if err != nil {
		return nil, err
	}
	if s.frontEnd != nil {
		stake, err := nativecommon.Add(s.frontEndCompounded, amount)
		if err != nil {
			return nil, err
		}
		if err := updateFrontEndStake(tx, s.frontEnd, stake); err != nil {
			return nil, err
		}
	}
	if pool.TotalDeposits, err = nativecommon.Add(pool.TotalDeposits, amount); err != nil {
		return nil, err
	}
	tx.markPool()
	newValue, err := nativecommon.Add(s.compounded, amount)
	if err != nil {
		return nil, err
	}
	if err := updateDeposit(tx, deposit, newValue); err != nil {
		return nil, err
	}
	payCollateral(tx, pool, s)
	if err := tx.commit(); err != nil {
		return nil, err
	}
	receipt := buildReceipt(deposit, s, nativecommon.Zero())
	e.finish(opProvide, pool, receipt, false)
	return receipt, nil
}

// WithdrawDeposit returns up to amount of the compounded deposit together with
// all pending gains. Requests above the balance are clamped. A zero amount
// only claims gains.
func (e *Engine) WithdrawDeposit(ctx context.Context, depositor crypto.Address, amount *uint256.Int) (*DepositReceipt, error) {
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
	receipt, err := e.withdraw(ctx, depositor, amount)
	if err != nil {
		e.telemetry.ObserveRejection(opWithdraw)
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) withdraw(ctx context.Context, depositor crypto.Address, amount *uint256.Int) (*DepositReceipt, error) {
	tx := newTxn(e.state)
	deposit, err := tx.loadDeposit(depositor)
	if err != nil {
		return nil, err
	}
	if !deposit.Active() {
		return nil, ErrNoDeposit
	}
	if !nativecommon.IsZero(amount) && e.monitor != nil {
		var blocked bool
		err := e.callOut(ctx, func(ctx context.Context) error {
			var err error
			blocked, err = e.monitor.HasUndercollateralizedPositions(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("stability pool: position monitor: %w", err)
		}
		if blocked {
			return nil, ErrUndercollateralized
		}
	}
	pool, err := tx.loadPool()
	if err != nil {
		return nil, err
	}
	if _, err := e.triggerIssuance(tx); err != nil {
		return nil, err
	}
	s, err := e.settle(tx, pool, deposit)
	if err != nil {
		return nil, err
	}
	// The pool never pays out more than it holds, even if rounding left the
	// compounded value a few units above the total.
	withdrawn := nativecommon.Min(nativecommon.Min(amount, s.compounded), pool.TotalDeposits)
	if s.frontEnd != nil {
		stake := nativecommon.Zero()
		if s.frontEndCompounded.Gt(withdrawn) {
			stake = new(uint256.Int).Sub(s.frontEndCompounded, withdrawn)
		}
		if err := updateFrontEndStake(tx, s.frontEnd, stake); err != nil {
			return nil, err
		}
	}
	pool.TotalDeposits = new(uint256.Int).Sub(pool.TotalDeposits, withdrawn)
	tx.markPool()
	if err := updateDeposit(tx, deposit, new(uint256.Int).Sub(s.compounded, withdrawn)); err != nil {
		return nil, err
	}
	payCollateral(tx, pool, s)
	if err := tx.commit(); err != nil {
		return nil, err
	}
	receipt := buildReceipt(deposit, s, withdrawn)
	e.finish(opWithdraw, pool, receipt, false)
	return receipt, nil
}

// WithdrawGainToPosition moves the depositor's collateral gain into their
// borrower position instead of paying it out. The deposit is compounded and
// re-snapshotted as for a zero withdrawal. If the position collaborator
// refuses the collateral, the pool is restored and the rejection returned.
// When the transfer outcome is unknown the payout stays committed and the
// receipt is returned together with ErrCollateralUnconfirmed.
func (e *Engine) WithdrawGainToPosition(ctx context.Context, depositor crypto.Address) (*DepositReceipt, error) {
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
	receipt, err := e.gainToPosition(ctx, depositor)
	if err != nil {
		e.telemetry.ObserveRejection(opGainToPosition)
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) gainToPosition(ctx context.Context, depositor crypto.Address) (*DepositReceipt, error) {
	if e.positions == nil {
		return nil, ErrPositionsUnavailable
	}
	tx := newTxn(e.state)
	deposit, err := tx.loadDeposit(depositor)
	if err != nil {
		return nil, err
	}
	if !deposit.Active() {
		return nil, ErrNoDeposit
	}
	var hasPosition bool
	err = e.callOut(ctx, func(ctx context.Context) error {
		var err error
		hasPosition, err = e.positions.HasPosition(ctx, depositor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stability pool: position lookup: %w", err)
	}
	if !hasPosition {
		return nil, ErrNoPosition
	}
	pending, err := depositCollateralGain(deposit, tx.loadSum)
	if err != nil {
		return nil, err
	}
	if pending.IsZero() {
		return nil, ErrNoCollateralGain
	}
	pool, err := tx.loadPool()
	if err != nil {
		return nil, err
	}
	if _, err := e.triggerIssuance(tx); err != nil {
		return nil, err
	}
	s, err := e.settle(tx, pool, deposit)
	if err != nil {
		return nil, err
	}
	if s.frontEnd != nil {
		if err := updateFrontEndStake(tx, s.frontEnd, s.frontEndCompounded); err != nil {
			return nil, err
		}
	}
	if err := updateDeposit(tx, deposit, s.compounded); err != nil {
		return nil, err
	}
	payCollateral(tx, pool, s)
	if err := tx.commit(); err != nil {
		return nil, err
	}
	err = e.callOut(ctx, func(ctx context.Context) error {
		return e.positions.AddCollateral(ctx, depositor, nativecommon.Clone(s.collateralGain))
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrCollateralRefused):
		if revertErr := e.state.ApplyStabilityChanges(tx.inverse()); revertErr != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: %w", ErrCollaboratorRejected, err),
				fmt.Errorf("%w: revert failed: %w", ErrInvariantViolation, revertErr),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrCollaboratorRejected, err)
	default:
		// The position may already hold the credit.
		receipt := buildReceipt(deposit, s, nativecommon.Zero())
		e.finish(opGainToPosition, pool, receipt, true)
		return receipt, fmt.Errorf("%w: %s to %s: %w", ErrCollateralUnconfirmed, s.collateralGain.Dec(), depositor, err)
	}
	receipt := buildReceipt(deposit, s, nativecommon.Zero())
	e.finish(opGainToPosition, pool, receipt, true)
	return receipt, nil
}

func buildReceipt(deposit *Deposit, s *settlement, withdrawn *uint256.Int) *DepositReceipt {
	receipt := &DepositReceipt{
		Depositor:         deposit.Depositor,
		Deposit:           nativecommon.Clone(deposit.InitialValue),
		Withdrawn:         nativecommon.Clone(withdrawn),
		Loss:              s.loss,
		CollateralGain:    s.collateralGain,
		TokenGain:         s.tokenGain,
		FrontEndTokenGain: s.frontEndTokenGain,
		FrontEndStake:     nativecommon.Zero(),
	}
	if s.frontEnd != nil {
		receipt.FrontEnd = s.frontEnd.Address
		receipt.FrontEndStake = nativecommon.Clone(s.frontEnd.Stake)
	}
	return receipt
}

// finish records telemetry and emits the events describing a committed
// deposit ledger operation.
func (e *Engine) finish(op string, pool *PoolState, receipt *DepositReceipt, toPosition bool) {
	e.telemetry.ObserveOperation(op)
	if !receipt.CollateralGain.IsZero() {
		e.emit(events.StabilityGainWithdrawn{
			Depositor:  receipt.Depositor,
			Collateral: receipt.CollateralGain,
			Loss:       receipt.Loss,
			ToPosition: toPosition,
		})
	}
	if !receipt.TokenGain.IsZero() {
		e.emit(events.StabilityTokenPaid{Recipient: receipt.Depositor, Amount: receipt.TokenGain})
	}
	if !receipt.FrontEnd.IsZero() {
		if !receipt.FrontEndTokenGain.IsZero() {
			e.emit(events.StabilityTokenPaid{Recipient: receipt.FrontEnd, Amount: receipt.FrontEndTokenGain, FrontEnd: true})
		}
		e.emit(events.StabilityFrontEndStakeChanged{FrontEnd: receipt.FrontEnd, Stake: receipt.FrontEndStake})
	}
	e.emit(events.StabilityDepositChanged{
		Depositor: receipt.Depositor,
		Deposit:   receipt.Deposit,
		Withdrawn: receipt.Withdrawn,
	})
	e.publishPool(pool)
}
