package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"stabilitypool/crypto"
	"stabilitypool/native/stability"
	"stabilitypool/storage"
)

type storedSnapshot struct {
	S     *big.Int
	P     *big.Int
	G     *big.Int
	Scale uint64
	Epoch uint64
}

type storedPool struct {
	P                   *big.Int
	CurrentScale        uint64
	CurrentEpoch        uint64
	TotalDeposits       *big.Int
	TotalCollateral     *big.Int
	LastCollateralError *big.Int
	LastLossError       *big.Int
	LastTokenError      *big.Int
	TotalTokenIssued    *big.Int
}

type storedDeposit struct {
	InitialValue   *big.Int
	FrontEndPrefix string
	FrontEnd       []byte
	Snapshot       storedSnapshot
}

type storedFrontEnd struct {
	KickbackRate *big.Int
	Registered   bool
	Stake        *big.Int
	Snapshot     storedSnapshot
}

type storedSum struct {
	S *big.Int
	G *big.Int
}

func toBig(x *uint256.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x.ToBig()
}

func fromBig(field string, x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(x)
	if overflow || x.Sign() < 0 {
		return nil, fmt.Errorf("stability store: %s out of range", field)
	}
	return out, nil
}

func newStoredSnapshot(s stability.Snapshot) storedSnapshot {
	return storedSnapshot{S: toBig(s.S), P: toBig(s.P), G: toBig(s.G), Scale: s.Scale, Epoch: s.Epoch}
}

func (s storedSnapshot) toSnapshot() (stability.Snapshot, error) {
	out := stability.Snapshot{Scale: s.Scale, Epoch: s.Epoch}
	var err error
	if out.S, err = fromBig("snapshot S", s.S); err != nil {
		return stability.Snapshot{}, err
	}
	if out.P, err = fromBig("snapshot P", s.P); err != nil {
		return stability.Snapshot{}, err
	}
	if out.G, err = fromBig("snapshot G", s.G); err != nil {
		return stability.Snapshot{}, err
	}
	return out, nil
}

// StabilityStore persists the stability pool ledgers through the manager's
// KV layer. A change set is written as one batch.
type StabilityStore struct {
	manager *Manager
}

// NewStabilityStore wires a store to the provided database.
func NewStabilityStore(db storage.Database) *StabilityStore {
	return &StabilityStore{manager: NewManager(db)}
}

// StabilityPool returns the global accumulator or nil before the first write.
func (s *StabilityStore) StabilityPool() (*stability.PoolState, error) {
	var stored storedPool
	ok, err := s.manager.KVGet(stabilityPoolKeyBytes, &stored)
	if err != nil || !ok {
		return nil, err
	}
	pool := &stability.PoolState{CurrentScale: stored.CurrentScale, CurrentEpoch: stored.CurrentEpoch}
	fields := []struct {
		name string
		src  *big.Int
		dst  **uint256.Int
	}{
		{"P", stored.P, &pool.P},
		{"total deposits", stored.TotalDeposits, &pool.TotalDeposits},
		{"total collateral", stored.TotalCollateral, &pool.TotalCollateral},
		{"collateral error", stored.LastCollateralError, &pool.LastCollateralError},
		{"loss error", stored.LastLossError, &pool.LastLossError},
		{"token error", stored.LastTokenError, &pool.LastTokenError},
		{"token issued", stored.TotalTokenIssued, &pool.TotalTokenIssued},
	}
	for _, field := range fields {
		if *field.dst, err = fromBig(field.name, field.src); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// StabilityDeposit returns the depositor's record or nil when none exists.
func (s *StabilityStore) StabilityDeposit(addr crypto.Address) (*stability.Deposit, error) {
	var stored storedDeposit
	ok, err := s.manager.KVGet(stabilityDepositKey(addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	deposit := &stability.Deposit{Depositor: addr}
	if deposit.InitialValue, err = fromBig("deposit", stored.InitialValue); err != nil {
		return nil, err
	}
	if deposit.FrontEndTag, err = crypto.AddressFromBytes(crypto.AddressPrefix(stored.FrontEndPrefix), stored.FrontEnd); err != nil {
		return nil, err
	}
	if deposit.Snapshot, err = stored.Snapshot.toSnapshot(); err != nil {
		return nil, err
	}
	return deposit, nil
}

// StabilityFrontEnd returns the front end record or nil when none exists.
func (s *StabilityStore) StabilityFrontEnd(addr crypto.Address) (*stability.FrontEnd, error) {
	var stored storedFrontEnd
	ok, err := s.manager.KVGet(stabilityFrontEndKey(addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	frontEnd := &stability.FrontEnd{Address: addr, Registered: stored.Registered}
	if frontEnd.KickbackRate, err = fromBig("kickback rate", stored.KickbackRate); err != nil {
		return nil, err
	}
	if frontEnd.Stake, err = fromBig("front end stake", stored.Stake); err != nil {
		return nil, err
	}
	if frontEnd.Snapshot, err = stored.Snapshot.toSnapshot(); err != nil {
		return nil, err
	}
	return frontEnd, nil
}

// StabilitySum returns the accumulator cell at (epoch, scale) or nil when it
// was never written.
func (s *StabilityStore) StabilitySum(epoch, scale uint64) (*stability.EpochScaleSum, error) {
	var stored storedSum
	ok, err := s.manager.KVGet(stabilitySumKey(epoch, scale), &stored)
	if err != nil || !ok {
		return nil, err
	}
	sum := &stability.EpochScaleSum{Epoch: epoch, Scale: scale}
	if sum.S, err = fromBig("S", stored.S); err != nil {
		return nil, err
	}
	if sum.G, err = fromBig("G", stored.G); err != nil {
		return nil, err
	}
	return sum, nil
}

// ApplyStabilityChanges writes every record in changes atomically. Deposits
// reduced to zero are removed instead of stored.
func (s *StabilityStore) ApplyStabilityChanges(changes *stability.ChangeSet) error {
	if changes == nil || changes.Empty() {
		return nil
	}
	batch := s.manager.NewBatch()
	if pool := changes.Pool; pool != nil {
		stored := &storedPool{
			P:                   toBig(pool.P),
			CurrentScale:        pool.CurrentScale,
			CurrentEpoch:        pool.CurrentEpoch,
			TotalDeposits:       toBig(pool.TotalDeposits),
			TotalCollateral:     toBig(pool.TotalCollateral),
			LastCollateralError: toBig(pool.LastCollateralError),
			LastLossError:       toBig(pool.LastLossError),
			LastTokenError:      toBig(pool.LastTokenError),
			TotalTokenIssued:    toBig(pool.TotalTokenIssued),
		}
		if err := batch.Put(stabilityPoolKeyBytes, stored); err != nil {
			return err
		}
	}
	for _, deposit := range changes.Deposits {
		if deposit == nil || deposit.Depositor.IsZero() {
			return fmt.Errorf("stability store: deposit without depositor")
		}
		key := stabilityDepositKey(deposit.Depositor.Bytes())
		if !deposit.Active() {
			batch.Delete(key)
			continue
		}
		stored := &storedDeposit{
			InitialValue: toBig(deposit.InitialValue),
			Snapshot:     newStoredSnapshot(deposit.Snapshot),
		}
		if !deposit.FrontEndTag.IsZero() {
			stored.FrontEndPrefix = string(deposit.FrontEndTag.Prefix())
			stored.FrontEnd = deposit.FrontEndTag.Bytes()
		}
		if err := batch.Put(key, stored); err != nil {
			return err
		}
	}
	for _, frontEnd := range changes.FrontEnds {
		if frontEnd == nil || frontEnd.Address.IsZero() {
			return fmt.Errorf("stability store: front end without address")
		}
		stored := &storedFrontEnd{
			KickbackRate: toBig(frontEnd.KickbackRate),
			Registered:   frontEnd.Registered,
			Stake:        toBig(frontEnd.Stake),
			Snapshot:     newStoredSnapshot(frontEnd.Snapshot),
		}
		if err := batch.Put(stabilityFrontEndKey(frontEnd.Address.Bytes()), stored); err != nil {
			return err
		}
	}
	for _, sum := range changes.Sums {
		if sum == nil {
			continue
		}
		if err := batch.Put(stabilitySumKey(sum.Epoch, sum.Scale), &storedSum{S: toBig(sum.S), G: toBig(sum.G)}); err != nil {
			return err
		}
	}
	return batch.Write()
}
