package stability

import (
	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
)

// engineState is the persistence surface the engine relies on. Getters return
// nil without error for records that were never written.
type engineState interface {
	StabilityPool() (*PoolState, error)
	StabilityDeposit(addr crypto.Address) (*Deposit, error)
	StabilityFrontEnd(addr crypto.Address) (*FrontEnd, error)
	StabilitySum(epoch, scale uint64) (*EpochScaleSum, error)
	ApplyStabilityChanges(changes *ChangeSet) error
}

// txn stages reads and writes for one engine operation. Loaded records are
// cached together with their pre-image so the operation can be committed as a
// single change set, or undone after commit by applying the inverse.
type txn struct {
	state engineState

	pool       *PoolState
	poolBefore *PoolState
	poolDirty  bool

	deposits       map[string]*Deposit
	depositsBefore map[string]*Deposit
	depositsDirty  []string

	frontEnds       map[string]*FrontEnd
	frontEndsBefore map[string]*FrontEnd
	frontEndsDirty  []string

	sums       map[EpochScale]*EpochScaleSum
	sumsBefore map[EpochScale]*EpochScaleSum
	sumsDirty  []EpochScale
}

func newTxn(state engineState) *txn {
	return &txn{
		state:           state,
		deposits:        make(map[string]*Deposit),
		depositsBefore:  make(map[string]*Deposit),
		frontEnds:       make(map[string]*FrontEnd),
		frontEndsBefore: make(map[string]*FrontEnd),
		sums:            make(map[EpochScale]*EpochScaleSum),
		sumsBefore:      make(map[EpochScale]*EpochScaleSum),
	}
}

func (t *txn) loadPool() (*PoolState, error) {
	if t.pool != nil {
		return t.pool, nil
	}
	stored, err := t.state.StabilityPool()
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = NewPoolState()
	}
	t.poolBefore = stored.Clone()
	t.pool = stored.Clone()
	return t.pool, nil
}

func (t *txn) markPool() { t.poolDirty = true }

func (t *txn) loadDeposit(addr crypto.Address) (*Deposit, error) {
	key := addr.Key()
	if cached, ok := t.deposits[key]; ok {
		return cached, nil
	}
	stored, err := t.state.StabilityDeposit(addr)
	if err != nil {
		return nil, err
	}
	record := normalizeDeposit(addr, stored)
	t.depositsBefore[key] = record.Clone()
	t.deposits[key] = record
	return record, nil
}

func (t *txn) markDeposit(addr crypto.Address) {
	key := addr.Key()
	for _, existing := range t.depositsDirty {
		if existing == key {
			return
		}
	}
	t.depositsDirty = append(t.depositsDirty, key)
}

func (t *txn) loadFrontEnd(addr crypto.Address) (*FrontEnd, error) {
	key := addr.Key()
	if cached, ok := t.frontEnds[key]; ok {
		return cached, nil
	}
	stored, err := t.state.StabilityFrontEnd(addr)
	if err != nil {
		return nil, err
	}
	record := normalizeFrontEnd(addr, stored)
	t.frontEndsBefore[key] = record.Clone()
	t.frontEnds[key] = record
	return record, nil
}

func (t *txn) markFrontEnd(addr crypto.Address) {
	key := addr.Key()
	for _, existing := range t.frontEndsDirty {
		if existing == key {
			return
		}
	}
	t.frontEndsDirty = append(t.frontEndsDirty, key)
}

func (t *txn) loadSum(epoch, scale uint64) (*EpochScaleSum, error) {
	key := EpochScale{Epoch: epoch, Scale: scale}
	if cached, ok := t.sums[key]; ok {
		return cached, nil
	}
	stored, err := t.state.StabilitySum(epoch, scale)
	if err != nil {
		return nil, err
	}
	record := &EpochScaleSum{Epoch: epoch, Scale: scale, S: nativecommon.Zero(), G: nativecommon.Zero()}
	if stored != nil {
		record.S = nativecommon.Clone(stored.S)
		record.G = nativecommon.Clone(stored.G)
	}
	t.sumsBefore[key] = record.Clone()
	t.sums[key] = record
	return record, nil
}

func (t *txn) markSum(epoch, scale uint64) {
	key := EpochScale{Epoch: epoch, Scale: scale}
	for _, existing := range t.sumsDirty {
		if existing == key {
			return
		}
	}
	t.sumsDirty = append(t.sumsDirty, key)
}

// changes returns the staged writes.
func (t *txn) changes() *ChangeSet {
	cs := &ChangeSet{}
	if t.poolDirty && t.pool != nil {
		cs.Pool = t.pool.Clone()
	}
	for _, key := range t.depositsDirty {
		cs.Deposits = append(cs.Deposits, t.deposits[key].Clone())
	}
	for _, key := range t.frontEndsDirty {
		cs.FrontEnds = append(cs.FrontEnds, t.frontEnds[key].Clone())
	}
	for _, key := range t.sumsDirty {
		cs.Sums = append(cs.Sums, t.sums[key].Clone())
	}
	return cs
}

// inverse returns the change set restoring every staged record to the value it
// held when first loaded.
func (t *txn) inverse() *ChangeSet {
	cs := &ChangeSet{}
	if t.poolDirty && t.poolBefore != nil {
		cs.Pool = t.poolBefore.Clone()
	}
	for _, key := range t.depositsDirty {
		cs.Deposits = append(cs.Deposits, t.depositsBefore[key].Clone())
	}
	for _, key := range t.frontEndsDirty {
		cs.FrontEnds = append(cs.FrontEnds, t.frontEndsBefore[key].Clone())
	}
	for _, key := range t.sumsDirty {
		cs.Sums = append(cs.Sums, t.sumsBefore[key].Clone())
	}
	return cs
}

func (t *txn) commit() error {
	cs := t.changes()
	if cs.Empty() {
		return nil
	}
	return t.state.ApplyStabilityChanges(cs)
}

func normalizeDeposit(addr crypto.Address, stored *Deposit) *Deposit {
	record := &Deposit{Depositor: addr, InitialValue: nativecommon.Zero(), Snapshot: zeroSnapshot()}
	if stored == nil {
		return record
	}
	record.InitialValue = nativecommon.Clone(stored.InitialValue)
	record.FrontEndTag = stored.FrontEndTag
	record.Snapshot = stored.Snapshot.Clone()
	return record
}

func normalizeFrontEnd(addr crypto.Address, stored *FrontEnd) *FrontEnd {
	record := &FrontEnd{
		Address:      addr,
		KickbackRate: nativecommon.Zero(),
		Stake:        nativecommon.Zero(),
		Snapshot:     zeroSnapshot(),
	}
	if stored == nil {
		return record
	}
	record.KickbackRate = nativecommon.Clone(stored.KickbackRate)
	record.Registered = stored.Registered
	record.Stake = nativecommon.Clone(stored.Stake)
	record.Snapshot = stored.Snapshot.Clone()
	return record
}

func zeroSnapshot() Snapshot {
	return Snapshot{S: nativecommon.Zero(), P: nativecommon.Zero(), G: nativecommon.Zero()}
}

// currentSnapshot captures the accumulator at the pool's current epoch and
// scale.
func (t *txn) currentSnapshot(withS bool) (Snapshot, error) {
	pool, err := t.loadPool()
	if err != nil {
		return Snapshot{}, err
	}
	sum, err := t.loadSum(pool.CurrentEpoch, pool.CurrentScale)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		S:     nativecommon.Zero(),
		P:     nativecommon.Clone(pool.P),
		G:     nativecommon.Clone(sum.G),
		Scale: pool.CurrentScale,
		Epoch: pool.CurrentEpoch,
	}
	if withS {
		snap.S = nativecommon.Clone(sum.S)
	}
	return snap, nil
}
