package stability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"stabilitypool/core/events"
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

type mockEngineState struct {
	pool      *PoolState
	deposits  map[string]*Deposit
	frontEnds map[string]*FrontEnd
	sums      map[EpochScale]*EpochScaleSum
	applyErr  error
	applies   int
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		deposits:  make(map[string]*Deposit),
		frontEnds: make(map[string]*FrontEnd),
		sums:      make(map[EpochScale]*EpochScaleSum),
	}
}

func (m *mockEngineState) StabilityPool() (*PoolState, error) {
	return m.pool.Clone(), nil
}

func (m *mockEngineState) StabilityDeposit(addr crypto.Address) (*Deposit, error) {
	return m.deposits[addr.Key()].Clone(), nil
}

func (m *mockEngineState) StabilityFrontEnd(addr crypto.Address) (*FrontEnd, error) {
	return m.frontEnds[addr.Key()].Clone(), nil
}

func (m *mockEngineState) StabilitySum(epoch, scale uint64) (*EpochScaleSum, error) {
	return m.sums[EpochScale{Epoch: epoch, Scale: scale}].Clone(), nil
}

func (m *mockEngineState) ApplyStabilityChanges(cs *ChangeSet) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applies++
	if cs.Pool != nil {
		m.pool = cs.Pool.Clone()
	}
	for _, d := range cs.Deposits {
		m.deposits[d.Depositor.Key()] = d.Clone()
	}
	for _, f := range cs.FrontEnds {
		m.frontEnds[f.Address.Key()] = f.Clone()
	}
	for _, s := range cs.Sums {
		m.sums[s.Key()] = s.Clone()
	}
	return nil
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	return s.modules[module]
}

// stubSchedule reports whatever cumulative amount the test last set.
type stubSchedule struct {
	mu         sync.Mutex
	cumulative *uint256.Int
}

func (s *stubSchedule) set(amount *uint256.Int) {
	s.mu.Lock()
	s.cumulative = nativecommon.Clone(amount)
	s.mu.Unlock()
}

func (s *stubSchedule) CumulativeIssuance(time.Time) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nativecommon.Clone(s.cumulative), nil
}

type stubPositions struct {
	hasPosition bool
	lookupErr   error
	rejectErr   error
	added       map[string]*uint256.Int
	onAdd       func(ctx context.Context)
}

func (s *stubPositions) HasPosition(context.Context, crypto.Address) (bool, error) {
	return s.hasPosition, s.lookupErr
}

func (s *stubPositions) AddCollateral(ctx context.Context, owner crypto.Address, amount *uint256.Int) error {
	if s.onAdd != nil {
		s.onAdd(ctx)
	}
	if s.rejectErr != nil {
		return s.rejectErr
	}
	if s.added == nil {
		s.added = make(map[string]*uint256.Int)
	}
	s.added[owner.Key()] = nativecommon.Clone(amount)
	return nil
}

type stubMonitor struct {
	blocked bool
}

func (s stubMonitor) HasUndercollateralizedPositions(context.Context) (bool, error) {
	return s.blocked, nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) count(eventType string) int {
	n := 0
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}

var (
	liquidator = crypto.AddressFromSeed(crypto.ModulePrefix, "liquidator")
	alice      = crypto.AddressFromSeed(crypto.AccountPrefix, "alice")
	bob        = crypto.AddressFromSeed(crypto.AccountPrefix, "bob")
	carol      = crypto.AddressFromSeed(crypto.AccountPrefix, "carol")
	frontA     = crypto.AddressFromSeed(crypto.AccountPrefix, "front-a")
	frontB     = crypto.AddressFromSeed(crypto.AccountPrefix, "front-b")
)

func newTestEngine(t *testing.T) (*Engine, *mockEngineState) {
	t.Helper()
	state := newMockEngineState()
	engine := NewEngine(state)
	engine.SetLiquidator(liquidator)
	engine.SetClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	return engine, state
}

// tokens converts a human readable amount into base units.
func tokens(t *testing.T, value string) *uint256.Int {
	t.Helper()
	out, err := nativecommon.ParseDecimal(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return out
}

func raw(t *testing.T, value string) *uint256.Int {
	t.Helper()
	out, err := nativecommon.ParseRaw(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return out
}

func mustProvide(t *testing.T, engine *Engine, depositor crypto.Address, amount *uint256.Int, tag crypto.Address) *DepositReceipt {
	t.Helper()
	receipt, err := engine.ProvideDeposit(context.Background(), depositor, amount, tag)
	if err != nil {
		t.Fatalf("provide deposit: %v", err)
	}
	return receipt
}

func mustOffset(t *testing.T, engine *Engine, debt, coll *uint256.Int) *OffsetReceipt {
	t.Helper()
	receipt, err := engine.Offset(context.Background(), liquidator, debt, coll)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	return receipt
}

func mustCompounded(t *testing.T, engine *Engine, depositor crypto.Address) *uint256.Int {
	t.Helper()
	value, err := engine.CompoundedDeposit(depositor)
	if err != nil {
		t.Fatalf("compounded deposit: %v", err)
	}
	return value
}

func mustCollateralGain(t *testing.T, engine *Engine, depositor crypto.Address) *uint256.Int {
	t.Helper()
	value, err := engine.DepositorCollateralGain(depositor)
	if err != nil {
		t.Fatalf("collateral gain: %v", err)
	}
	return value
}

func mustPool(t *testing.T, engine *Engine) *PoolState {
	t.Helper()
	pool, err := engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func expectAmount(t *testing.T, label string, got, want *uint256.Int) {
	t.Helper()
	if !nativecommon.Clone(got).Eq(nativecommon.Clone(want)) {
		t.Fatalf("%s: expected %s, got %s", label, nativecommon.Clone(want).Dec(), nativecommon.Clone(got).Dec())
	}
}

func TestGenesisPoolState(t *testing.T) {
	engine, _ := newTestEngine(t)
	pool := mustPool(t, engine)
	expectAmount(t, "P", pool.P, nativecommon.Unit())
	if pool.CurrentEpoch != 0 || pool.CurrentScale != 0 {
		t.Fatalf("expected epoch and scale zero, got %d/%d", pool.CurrentEpoch, pool.CurrentScale)
	}
	s, err := engine.S(7, 3)
	if err != nil {
		t.Fatalf("S: %v", err)
	}
	if !s.IsZero() {
		t.Fatalf("unwritten S cell must read zero, got %s", s.Dec())
	}
	expectAmount(t, "compounded", mustCompounded(t, engine, alice), nativecommon.Zero())
}

func TestNilStateRejected(t *testing.T) {
	engine := NewEngine(nil)
	if _, err := engine.ProvideDeposit(context.Background(), alice, nativecommon.Unit(), crypto.Address{}); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
	if _, err := engine.Pool(); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState from query, got %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	engine, state := newTestEngine(t)
	engine.SetPauses(stubPauseView{modules: map[string]bool{moduleName: true}})

	if _, err := engine.ProvideDeposit(context.Background(), alice, tokens(t, "10"), crypto.Address{}); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := engine.RegisterFrontEnd(context.Background(), frontA, nativecommon.Unit()); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := engine.Offset(context.Background(), liquidator, tokens(t, "1"), tokens(t, "1")); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if state.applies != 0 {
		t.Fatalf("expected no writes while paused, got %d", state.applies)
	}
}

func TestFailedCommitLeavesStateUntouched(t *testing.T) {
	engine, state := newTestEngine(t)
	mustProvide(t, engine, alice, tokens(t, "100"), crypto.Address{})
	state.applyErr = errors.New("disk full")

	if _, err := engine.ProvideDeposit(context.Background(), alice, tokens(t, "50"), crypto.Address{}); err == nil {
		t.Fatalf("expected commit failure")
	}
	state.applyErr = nil
	expectAmount(t, "deposit", mustCompounded(t, engine, alice), tokens(t, "100"))
	expectAmount(t, "total", mustPool(t, engine).TotalDeposits, tokens(t, "100"))
}

func TestEventsEmittedAfterCommit(t *testing.T) {
	engine, _ := newTestEngine(t)
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)

	mustProvide(t, engine, alice, tokens(t, "100"), crypto.Address{})
	mustOffset(t, engine, tokens(t, "10"), tokens(t, "1"))
	if _, err := engine.WithdrawDeposit(context.Background(), alice, tokens(t, "5")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if got := emitter.count(events.TypeStabilityDepositChanged); got != 2 {
		t.Fatalf("expected 2 deposit events, got %d", got)
	}
	if got := emitter.count(events.TypeStabilityOffset); got != 1 {
		t.Fatalf("expected 1 offset event, got %d", got)
	}
	if got := emitter.count(events.TypeStabilityGainWithdrawn); got != 1 {
		t.Fatalf("expected 1 gain event, got %d", got)
	}
	if got := emitter.count(events.TypeStabilityPoolUpdated); got != 3 {
		t.Fatalf("expected 3 pool updates, got %d", got)
	}
}
