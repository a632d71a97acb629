package stability

import (
	"github.com/holiman/uint256"

	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

// PoolState captures the global accumulator for the stability pool. All
// amounts are fixed-point integers scaled by 10^18.
type PoolState struct {
	// P is the running product: the fraction of a unit deposit that survived
	// every offset since the current epoch began. Always in (0, 10^18].
	P *uint256.Int
	// CurrentScale counts the 10^9 rescales applied to P within the epoch.
	CurrentScale uint64
	// CurrentEpoch increments whenever an offset empties the pool.
	CurrentEpoch uint64
	// TotalDeposits is the sum of all compounded deposits, the amount of
	// stable asset held by the pool.
	TotalDeposits *uint256.Int
	// TotalCollateral is the seized collateral not yet paid out.
	TotalCollateral *uint256.Int
	// LastCollateralError carries the truncation residue of the last
	// collateral-per-unit computation.
	LastCollateralError *uint256.Int
	// LastLossError carries the amount the last loss-per-unit computation was
	// rounded up by.
	LastLossError *uint256.Int
	// LastTokenError carries the truncation residue of the last issuance.
	LastTokenError *uint256.Int
	// TotalTokenIssued is the emission checkpoint reached by the last issuance
	// trigger.
	TotalTokenIssued *uint256.Int
}

// NewPoolState returns the genesis accumulator with P at unity.
func NewPoolState() *PoolState {
	return &PoolState{
		P:                   nativecommon.Unit(),
		TotalDeposits:       nativecommon.Zero(),
		TotalCollateral:     nativecommon.Zero(),
		LastCollateralError: nativecommon.Zero(),
		LastLossError:       nativecommon.Zero(),
		LastTokenError:      nativecommon.Zero(),
		TotalTokenIssued:    nativecommon.Zero(),
	}
}

// Clone returns a deep copy of the pool state. Nil fields are normalised.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	clone := &PoolState{
		P:                   nativecommon.Clone(p.P),
		CurrentScale:        p.CurrentScale,
		CurrentEpoch:        p.CurrentEpoch,
		TotalDeposits:       nativecommon.Clone(p.TotalDeposits),
		TotalCollateral:     nativecommon.Clone(p.TotalCollateral),
		LastCollateralError: nativecommon.Clone(p.LastCollateralError),
		LastLossError:       nativecommon.Clone(p.LastLossError),
		LastTokenError:      nativecommon.Clone(p.LastTokenError),
		TotalTokenIssued:    nativecommon.Clone(p.TotalTokenIssued),
	}
	if p.P == nil {
		clone.P = nativecommon.Unit()
	}
	return clone
}

// Snapshot records the accumulator values observed when a deposit or
// front-end stake was last updated.
type Snapshot struct {
	S     *uint256.Int
	P     *uint256.Int
	G     *uint256.Int
	Scale uint64
	Epoch uint64
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		S:     nativecommon.Clone(s.S),
		P:     nativecommon.Clone(s.P),
		G:     nativecommon.Clone(s.G),
		Scale: s.Scale,
		Epoch: s.Epoch,
	}
}

// Deposit is the per-depositor ledger record.
type Deposit struct {
	Depositor crypto.Address
	// InitialValue is the principal as of the last snapshot, before any
	// compounding is applied.
	InitialValue *uint256.Int
	// FrontEndTag is the zero address when the deposit was not referred.
	FrontEndTag crypto.Address
	Snapshot    Snapshot
}

// Clone returns a deep copy of the deposit.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	return &Deposit{
		Depositor:    d.Depositor,
		InitialValue: nativecommon.Clone(d.InitialValue),
		FrontEndTag:  d.FrontEndTag,
		Snapshot:     d.Snapshot.Clone(),
	}
}

// Active reports whether the record holds a non-zero principal. Deposits
// wiped out in an earlier epoch remain active until touched.
func (d *Deposit) Active() bool {
	return d != nil && !nativecommon.IsZero(d.InitialValue)
}

// FrontEnd is the per-referrer ledger record. A front end never receives
// collateral, so its snapshot S component is always zero.
type FrontEnd struct {
	Address      crypto.Address
	KickbackRate *uint256.Int
	Registered   bool
	Stake        *uint256.Int
	Snapshot     Snapshot
}

// Clone returns a deep copy of the front end.
func (f *FrontEnd) Clone() *FrontEnd {
	if f == nil {
		return nil
	}
	return &FrontEnd{
		Address:      f.Address,
		KickbackRate: nativecommon.Clone(f.KickbackRate),
		Registered:   f.Registered,
		Stake:        nativecommon.Clone(f.Stake),
		Snapshot:     f.Snapshot.Clone(),
	}
}

// EpochScale identifies a cell of the sparse S/G accumulator table.
type EpochScale struct {
	Epoch uint64
	Scale uint64
}

// EpochScaleSum holds the collateral (S) and reward token (G) sums
// accumulated while the pool sat at a given epoch and scale.
type EpochScaleSum struct {
	Epoch uint64
	Scale uint64
	S     *uint256.Int
	G     *uint256.Int
}

// Key returns the table coordinates of the sum.
func (s *EpochScaleSum) Key() EpochScale {
	return EpochScale{Epoch: s.Epoch, Scale: s.Scale}
}

// Clone returns a deep copy of the sum.
func (s *EpochScaleSum) Clone() *EpochScaleSum {
	if s == nil {
		return nil
	}
	return &EpochScaleSum{
		Epoch: s.Epoch,
		Scale: s.Scale,
		S:     nativecommon.Clone(s.S),
		G:     nativecommon.Clone(s.G),
	}
}

// ChangeSet is the unit of persistence: every record a mutation touched,
// applied to the backend atomically. A record whose values are all zero is
// equivalent to an absent record.
type ChangeSet struct {
	Pool      *PoolState
	Deposits  []*Deposit
	FrontEnds []*FrontEnd
	Sums      []*EpochScaleSum
}

// Empty reports whether the change set carries no writes.
func (c *ChangeSet) Empty() bool {
	return c == nil || (c.Pool == nil && len(c.Deposits) == 0 && len(c.FrontEnds) == 0 && len(c.Sums) == 0)
}

// DepositReceipt summarises the effect of a deposit ledger operation.
type DepositReceipt struct {
	Depositor crypto.Address
	// Deposit is the new principal after the operation.
	Deposit *uint256.Int
	// Withdrawn is the stable amount returned to the depositor.
	Withdrawn *uint256.Int
	// Loss is the part of the previous principal consumed by offsets.
	Loss *uint256.Int
	// CollateralGain is the collateral paid out (or redirected to the
	// depositor's position).
	CollateralGain *uint256.Int
	// TokenGain is the reward token paid to the depositor.
	TokenGain *uint256.Int
	// FrontEnd and FrontEndTokenGain describe the tagged referrer's payout.
	FrontEnd          crypto.Address
	FrontEndTokenGain *uint256.Int
	FrontEndStake     *uint256.Int
}

// OffsetReceipt summarises a liquidation absorbed by the pool.
type OffsetReceipt struct {
	DebtOffset            *uint256.Int
	CollateralAdded       *uint256.Int
	CollateralGainPerUnit *uint256.Int
	LossPerUnit           *uint256.Int
	P                     *uint256.Int
	Epoch                 uint64
	Scale                 uint64
	PoolEmptied           bool
	TokenIssued           *uint256.Int
}
