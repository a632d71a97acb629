package stability

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
	"stabilitypool/observability/metrics"
)

const moduleName = "stability"

const (
	opProvide          = "provide"
	opWithdraw         = "withdraw"
	opGainToPosition   = "gain_to_position"
	opRegisterFrontEnd = "register_front_end"
	opOffset           = "offset"
)

// PositionCollaborator owns the borrower positions collateral gains can be
// redirected to. Calls run while the engine holds its write lock; mutators
// invoked with the supplied context fail with ErrReentrantCall, and
// queries must not be issued synchronously from inside a call.
//
// AddCollateral must wrap ErrCollateralRefused when the credit was definitely
// not applied. Any other error leaves the outcome unknown.
type PositionCollaborator interface {
	HasPosition(ctx context.Context, owner crypto.Address) (bool, error)
	AddCollateral(ctx context.Context, owner crypto.Address, amount *uint256.Int) error
}

// PositionMonitor reports whether any position is currently liquidatable.
// Withdrawals of principal are refused while one exists.
type PositionMonitor interface {
	HasUndercollateralizedPositions(ctx context.Context) (bool, error)
}

// Engine owns the stability pool accumulator and ledgers. Mutations are
// serialised; queries run concurrently with each other.
type Engine struct {
	mu         sync.RWMutex
	state      engineState
	schedule   EmissionSchedule
	positions  PositionCollaborator
	monitor    PositionMonitor
	liquidator crypto.Address
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	clock      func() time.Time
	telemetry  *metrics.StabilityMetrics
}

// NewEngine constructs an engine bound to the persistence layer. Offsets are
// refused until a liquidator is configured.
func NewEngine(state engineState) *Engine {
	return &Engine{
		state:     state,
		emitter:   events.NoopEmitter{},
		clock:     time.Now,
		telemetry: metrics.Stability(),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// SetEmissionSchedule configures the reward token emission schedule. A nil
// schedule disables issuance.
func (e *Engine) SetEmissionSchedule(schedule EmissionSchedule) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.schedule = schedule
	e.mu.Unlock()
}

// SetPositions configures the collaborator receiving redirected collateral.
func (e *Engine) SetPositions(positions PositionCollaborator) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()
}

// SetPositionMonitor configures the check consulted before principal leaves
// the pool.
func (e *Engine) SetPositionMonitor(monitor PositionMonitor) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.monitor = monitor
	e.mu.Unlock()
}

// SetLiquidator records the only address allowed to call Offset.
func (e *Engine) SetLiquidator(addr crypto.Address) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.liquidator = addr
	e.mu.Unlock()
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pauses = p
	e.mu.Unlock()
}

// SetEmitter configures the sink receiving events after each commit.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
	e.mu.Unlock()
}

// SetClock overrides the time source used for issuance.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if clock == nil {
		clock = time.Now
	}
	e.clock = clock
	e.mu.Unlock()
}

// reentryKey marks the contexts handed to collaborators while an engine
// transaction is open.
type reentryKey struct{}

// enter acquires the write lock for a mutator. A call carrying the marker of
// this engine's open transaction fails instead of deadlocking on the held
// lock; unrelated callers queue.
func (e *Engine) enter(ctx context.Context) error {
	if e.reentrant(ctx) {
		return ErrReentrantCall
	}
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return ErrNilState
	}
	return nil
}

func (e *Engine) enterRead() error {
	e.mu.RLock()
	if e.state == nil {
		e.mu.RUnlock()
		return ErrNilState
	}
	return nil
}

func (e *Engine) reentrant(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(reentryKey{}).(*Engine)
	return owner == e
}

// callOut runs fn with ctx marked as inside this engine's transaction.
func (e *Engine) callOut(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(context.WithValue(ctx, reentryKey{}, e))
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) publishPool(pool *PoolState) {
	if pool == nil {
		return
	}
	e.telemetry.SetPool(metrics.PoolSnapshot{
		Product:         nativecommon.ToFloat64(pool.P),
		Scale:           pool.CurrentScale,
		Epoch:           pool.CurrentEpoch,
		TotalDeposits:   nativecommon.ToFloat64(pool.TotalDeposits),
		TotalCollateral: nativecommon.ToFloat64(pool.TotalCollateral),
		CollateralError: nativecommon.ToFloat64(pool.LastCollateralError),
		LossError:       nativecommon.ToFloat64(pool.LastLossError),
		TokenError:      nativecommon.ToFloat64(pool.LastTokenError),
		TokenIssued:     nativecommon.ToFloat64(pool.TotalTokenIssued),
	})
	e.emit(events.StabilityPoolUpdated{
		P:               pool.P,
		Scale:           pool.CurrentScale,
		Epoch:           pool.CurrentEpoch,
		TotalDeposits:   pool.TotalDeposits,
		TotalCollateral: pool.TotalCollateral,
	})
}

// read runs fn against a throwaway overlay under the shared lock.
func (e *Engine) read(fn func(tx *txn) error) error {
	if e == nil {
		return ErrNilState
	}
	if err := e.enterRead(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	return fn(newTxn(e.state))
}

// Pool returns a copy of the global accumulator.
func (e *Engine) Pool() (*PoolState, error) {
	var out *PoolState
	err := e.read(func(tx *txn) error {
		pool, err := tx.loadPool()
		if err != nil {
			return err
		}
		out = pool.Clone()
		return nil
	})
	return out, err
}

// P returns the running product.
func (e *Engine) P() (*uint256.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return pool.P, nil
}

func (e *Engine) CurrentScale() (uint64, error) {
	pool, err := e.Pool()
	if err != nil {
		return 0, err
	}
	return pool.CurrentScale, nil
}

func (e *Engine) CurrentEpoch() (uint64, error) {
	pool, err := e.Pool()
	if err != nil {
		return 0, err
	}
	return pool.CurrentEpoch, nil
}

func (e *Engine) TotalDeposits() (*uint256.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return pool.TotalDeposits, nil
}

func (e *Engine) TotalCollateral() (*uint256.Int, error) {
	pool, err := e.Pool()
	if err != nil {
		return nil, err
	}
	return pool.TotalCollateral, nil
}

// Sum returns the accumulator cell at (epoch, scale). Unwritten cells are
// zero.
func (e *Engine) Sum(epoch, scale uint64) (*EpochScaleSum, error) {
	var out *EpochScaleSum
	err := e.read(func(tx *txn) error {
		sum, err := tx.loadSum(epoch, scale)
		if err != nil {
			return err
		}
		out = sum.Clone()
		return nil
	})
	return out, err
}

// S returns the collateral sum at (epoch, scale).
func (e *Engine) S(epoch, scale uint64) (*uint256.Int, error) {
	sum, err := e.Sum(epoch, scale)
	if err != nil {
		return nil, err
	}
	return sum.S, nil
}

// G returns the reward token sum at (epoch, scale).
func (e *Engine) G(epoch, scale uint64) (*uint256.Int, error) {
	sum, err := e.Sum(epoch, scale)
	if err != nil {
		return nil, err
	}
	return sum.G, nil
}

// Deposit returns the stored deposit record. Absent depositors yield a zero
// record.
func (e *Engine) Deposit(depositor crypto.Address) (*Deposit, error) {
	var out *Deposit
	err := e.read(func(tx *txn) error {
		deposit, err := tx.loadDeposit(depositor)
		if err != nil {
			return err
		}
		out = deposit.Clone()
		return nil
	})
	return out, err
}

// FrontEnd returns the stored front end record.
func (e *Engine) FrontEnd(addr crypto.Address) (*FrontEnd, error) {
	var out *FrontEnd
	err := e.read(func(tx *txn) error {
		frontEnd, err := tx.loadFrontEnd(addr)
		if err != nil {
			return err
		}
		out = frontEnd.Clone()
		return nil
	})
	return out, err
}

// CompoundedDeposit returns the depositor's principal after all losses.
func (e *Engine) CompoundedDeposit(depositor crypto.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(tx *txn) error {
		pool, err := tx.loadPool()
		if err != nil {
			return err
		}
		deposit, err := tx.loadDeposit(depositor)
		if err != nil {
			return err
		}
		out, err = compoundedDeposit(deposit, pool)
		return err
	})
	return out, err
}

// DepositorCollateralGain returns the collateral the depositor can withdraw.
func (e *Engine) DepositorCollateralGain(depositor crypto.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(tx *txn) error {
		deposit, err := tx.loadDeposit(depositor)
		if err != nil {
			return err
		}
		out, err = depositCollateralGain(deposit, tx.loadSum)
		return err
	})
	return out, err
}

// DepositorTokenGain returns the reward tokens owed to the depositor net of
// the front end's share.
func (e *Engine) DepositorTokenGain(depositor crypto.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(tx *txn) error {
		deposit, err := tx.loadDeposit(depositor)
		if err != nil {
			return err
		}
		kickback, err := e.kickbackFor(tx, deposit)
		if err != nil {
			return err
		}
		out, err = depositTokenGain(deposit, kickback, tx.loadSum)
		return err
	})
	return out, err
}

// CompoundedFrontEndStake returns the front end's aggregate stake after all
// losses.
func (e *Engine) CompoundedFrontEndStake(addr crypto.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(tx *txn) error {
		pool, err := tx.loadPool()
		if err != nil {
			return err
		}
		frontEnd, err := tx.loadFrontEnd(addr)
		if err != nil {
			return err
		}
		out, err = compoundedFrontEndStake(frontEnd, pool)
		return err
	})
	return out, err
}

// FrontEndTokenGain returns the reward tokens retained by the front end.
func (e *Engine) FrontEndTokenGain(addr crypto.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.read(func(tx *txn) error {
		frontEnd, err := tx.loadFrontEnd(addr)
		if err != nil {
			return err
		}
		out, err = frontEndTokenGain(frontEnd, tx.loadSum)
		return err
	})
	return out, err
}

func (e *Engine) kickbackFor(tx *txn, deposit *Deposit) (*uint256.Int, error) {
	if deposit.FrontEndTag.IsZero() {
		return nativecommon.Unit(), nil
	}
	frontEnd, err := tx.loadFrontEnd(deposit.FrontEndTag)
	if err != nil {
		return nil, err
	}
	return nativecommon.Clone(frontEnd.KickbackRate), nil
}
