package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"stabilitypool/core/types"
	"stabilitypool/crypto"
)

const (
	// TypeStabilityDepositChanged is emitted whenever a depositor's principal is
	// rewritten by a deposit, withdrawal or gain redirect.
	TypeStabilityDepositChanged = "stability.deposit_changed"
	// TypeStabilityGainWithdrawn is emitted when collateral gain leaves the pool.
	TypeStabilityGainWithdrawn = "stability.gain_withdrawn"
	// TypeStabilityTokenPaid is emitted for every reward token payout.
	TypeStabilityTokenPaid = "stability.token_paid"
	// TypeStabilityFrontEndRegistered is emitted when a front end registers.
	TypeStabilityFrontEndRegistered = "stability.front_end_registered"
	// TypeStabilityFrontEndStakeChanged is emitted when a tagged deposit moves a
	// front end's aggregate stake.
	TypeStabilityFrontEndStakeChanged = "stability.front_end_stake_changed"
	// TypeStabilityOffset is emitted when the pool absorbs a liquidation.
	TypeStabilityOffset = "stability.offset"
	// TypeStabilityPoolUpdated is emitted after any change to the accumulator.
	TypeStabilityPoolUpdated = "stability.pool_updated"
)

type StabilityDepositChanged struct {
	Depositor crypto.Address
	Deposit   *uint256.Int
	Withdrawn *uint256.Int
}

func (StabilityDepositChanged) EventType() string { return TypeStabilityDepositChanged }

func (e StabilityDepositChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityDepositChanged,
		Attributes: map[string]string{
			"depositor": e.Depositor.String(),
			"deposit":   amountString(e.Deposit),
			"withdrawn": amountString(e.Withdrawn),
		},
	}
}

type StabilityGainWithdrawn struct {
	Depositor  crypto.Address
	Collateral *uint256.Int
	Loss       *uint256.Int
	ToPosition bool
}

func (StabilityGainWithdrawn) EventType() string { return TypeStabilityGainWithdrawn }

func (e StabilityGainWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityGainWithdrawn,
		Attributes: map[string]string{
			"depositor":  e.Depositor.String(),
			"collateral": amountString(e.Collateral),
			"loss":       amountString(e.Loss),
			"toPosition": strconv.FormatBool(e.ToPosition),
		},
	}
}

type StabilityTokenPaid struct {
	Recipient crypto.Address
	Amount    *uint256.Int
	FrontEnd  bool
}

func (StabilityTokenPaid) EventType() string { return TypeStabilityTokenPaid }

func (e StabilityTokenPaid) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityTokenPaid,
		Attributes: map[string]string{
			"recipient": e.Recipient.String(),
			"amount":    amountString(e.Amount),
			"frontEnd":  strconv.FormatBool(e.FrontEnd),
		},
	}
}

type StabilityFrontEndRegistered struct {
	FrontEnd     crypto.Address
	KickbackRate *uint256.Int
}

func (StabilityFrontEndRegistered) EventType() string { return TypeStabilityFrontEndRegistered }

func (e StabilityFrontEndRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityFrontEndRegistered,
		Attributes: map[string]string{
			"frontEnd":     e.FrontEnd.String(),
			"kickbackRate": amountString(e.KickbackRate),
		},
	}
}

type StabilityFrontEndStakeChanged struct {
	FrontEnd crypto.Address
	Stake    *uint256.Int
}

func (StabilityFrontEndStakeChanged) EventType() string { return TypeStabilityFrontEndStakeChanged }

func (e StabilityFrontEndStakeChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityFrontEndStakeChanged,
		Attributes: map[string]string{
			"frontEnd": e.FrontEnd.String(),
			"stake":    amountString(e.Stake),
		},
	}
}

type StabilityOffset struct {
	Debt                  *uint256.Int
	Collateral            *uint256.Int
	CollateralGainPerUnit *uint256.Int
	LossPerUnit           *uint256.Int
	P                     *uint256.Int
	Epoch                 uint64
	Scale                 uint64
	PoolEmptied           bool
}

func (StabilityOffset) EventType() string { return TypeStabilityOffset }

func (e StabilityOffset) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityOffset,
		Attributes: map[string]string{
			"debt":                  amountString(e.Debt),
			"collateral":            amountString(e.Collateral),
			"collateralGainPerUnit": amountString(e.CollateralGainPerUnit),
			"lossPerUnit":           amountString(e.LossPerUnit),
			"p":                     amountString(e.P),
			"epoch":                 strconv.FormatUint(e.Epoch, 10),
			"scale":                 strconv.FormatUint(e.Scale, 10),
			"poolEmptied":           strconv.FormatBool(e.PoolEmptied),
		},
	}
}

type StabilityPoolUpdated struct {
	P               *uint256.Int
	Scale           uint64
	Epoch           uint64
	TotalDeposits   *uint256.Int
	TotalCollateral *uint256.Int
}

func (StabilityPoolUpdated) EventType() string { return TypeStabilityPoolUpdated }

func (e StabilityPoolUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityPoolUpdated,
		Attributes: map[string]string{
			"p":               amountString(e.P),
			"scale":           strconv.FormatUint(e.Scale, 10),
			"epoch":           strconv.FormatUint(e.Epoch, 10),
			"totalDeposits":   amountString(e.TotalDeposits),
			"totalCollateral": amountString(e.TotalCollateral),
		},
	}
}

// Renderable is implemented by events that expose a generic attribute map.
type Renderable interface {
	EventType() string
	Event() *types.Event
}

func amountString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}
