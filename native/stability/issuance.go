package stability

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	nativecommon "stabilitypool/native/common"
)

// EmissionSchedule reports how many reward tokens the schedule has released
// in total by the supplied instant. Implementations must be monotonic in t.
type EmissionSchedule interface {
	CumulativeIssuance(t time.Time) (*uint256.Int, error)
}

// issuance is the outcome of a single issuance trigger.
type issuance struct {
	issued      *uint256.Int
	distributed bool
}

// triggerIssuance advances the emission checkpoint and distributes the newly
// released tokens over the current deposits. Tokens released while the pool is
// empty are dropped.
func (e *Engine) triggerIssuance(tx *txn) (issuance, error) {
	out := issuance{issued: nativecommon.Zero()}
	if e.schedule == nil {
		return out, nil
	}
	pool, err := tx.loadPool()
	if err != nil {
		return out, err
	}
	cumulative, err := e.schedule.CumulativeIssuance(e.now())
	if err != nil {
		return out, fmt.Errorf("stability pool: emission schedule: %w", err)
	}
	if cumulative == nil || !cumulative.Gt(pool.TotalTokenIssued) {
		return out, nil
	}
	issued, err := nativecommon.Sub(cumulative, pool.TotalTokenIssued)
	if err != nil {
		return out, err
	}
	out.issued = issued
	pool.TotalTokenIssued = nativecommon.Clone(cumulative)
	tx.markPool()
	if nativecommon.IsZero(pool.TotalDeposits) {
		return out, nil
	}
	perUnit, err := e.tokenGainPerUnit(pool, issued)
	if err != nil {
		return out, err
	}
	marginal, err := nativecommon.Mul(perUnit, pool.P)
	if err != nil {
		return out, err
	}
	sum, err := tx.loadSum(pool.CurrentEpoch, pool.CurrentScale)
	if err != nil {
		return out, err
	}
	if sum.G, err = nativecommon.Add(sum.G, marginal); err != nil {
		return out, err
	}
	tx.markSum(pool.CurrentEpoch, pool.CurrentScale)
	out.distributed = true
	return out, nil
}

// tokenGainPerUnit divides issued over the deposits, carrying the truncation
// residue into LastTokenError.
func (e *Engine) tokenGainPerUnit(pool *PoolState, issued *uint256.Int) (*uint256.Int, error) {
	numerator, err := nativecommon.Mul(issued, nativecommon.Unit())
	if err != nil {
		return nil, err
	}
	if numerator, err = nativecommon.Add(numerator, pool.LastTokenError); err != nil {
		return nil, err
	}
	perUnit, err := nativecommon.Div(numerator, pool.TotalDeposits)
	if err != nil {
		return nil, err
	}
	consumed, err := nativecommon.Mul(perUnit, pool.TotalDeposits)
	if err != nil {
		return nil, err
	}
	if pool.LastTokenError, err = nativecommon.Sub(numerator, consumed); err != nil {
		return nil, err
	}
	return perUnit, nil
}
