package stability

import (
	"context"

	"github.com/holiman/uint256"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

// RegisterFrontEnd records addr as a front end passing kickbackRate of its
// referred depositors' reward token through to them. Registration is
// permanent and the rate cannot be changed.
func (e *Engine) RegisterFrontEnd(ctx context.Context, addr crypto.Address, kickbackRate *uint256.Int) (*FrontEnd, error) {
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
	frontEnd, err := e.registerFrontEnd(addr, kickbackRate)
	if err != nil {
		e.telemetry.ObserveRejection(opRegisterFrontEnd)
		return nil, err
	}
	return frontEnd, nil
}

func (e *Engine) registerFrontEnd(addr crypto.Address, kickbackRate *uint256.Int) (*FrontEnd, error) {
	if addr.IsZero() {
		return nil, ErrInvalidAddress
	}
	if kickbackRate == nil || kickbackRate.Gt(nativecommon.Unit()) {
		return nil, ErrInvalidKickbackRate
	}
	tx := newTxn(e.state)
	frontEnd, err := tx.loadFrontEnd(addr)
	if err != nil {
		return nil, err
	}
	if frontEnd.Registered {
		return nil, ErrFrontEndRegistered
	}
	deposit, err := tx.loadDeposit(addr)
	if err != nil {
		return nil, err
	}
	if deposit.Active() {
		return nil, ErrDepositExists
	}
	if _, err := e.triggerIssuance(tx); err != nil {
		return nil, err
	}
	snap, err := tx.currentSnapshot(false)
	if err != nil {
		return nil, err
	}
	frontEnd.KickbackRate = nativecommon.Clone(kickbackRate)
	frontEnd.Registered = true
	frontEnd.Stake = nativecommon.Zero()
	frontEnd.Snapshot = snap
	tx.markFrontEnd(addr)
	if err := tx.commit(); err != nil {
		return nil, err
	}
	e.telemetry.ObserveOperation(opRegisterFrontEnd)
	e.emit(events.StabilityFrontEndRegistered{FrontEnd: addr, KickbackRate: frontEnd.KickbackRate})
	if tx.poolDirty {
		e.publishPool(tx.pool)
	}
	return frontEnd.Clone(), nil
}
