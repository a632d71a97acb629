package stability

import "errors"

var (
	ErrNilState              = errors.New("stability pool: state not configured")
	ErrInvalidAddress        = errors.New("stability pool: address required")
	ErrPositionsUnavailable  = errors.New("stability pool: position collaborator not configured")
	ErrZeroAmount            = errors.New("stability pool: amount must be non-zero")
	ErrNoDeposit             = errors.New("stability pool: user must have a non-zero deposit")
	ErrDepositExists         = errors.New("stability pool: user must have no deposit")
	ErrFrontEndRegistered    = errors.New("stability pool: must not already be a registered front end")
	ErrFrontEndNotRegistered = errors.New("stability pool: tag must be a registered front end, or the zero address")
	ErrInvalidKickbackRate   = errors.New("stability pool: kickback rate must be in range [0,1]")
	ErrNoPosition            = errors.New("stability pool: caller must have an active position to withdraw collateral gain to")
	ErrNoCollateralGain      = errors.New("stability pool: caller must have non-zero collateral gain")
	ErrUndercollateralized   = errors.New("stability pool: cannot withdraw while there are under-collateralized positions")
	ErrUnauthorizedCaller    = errors.New("stability pool: caller is not the liquidation collaborator")
	ErrEmptyPool             = errors.New("stability pool: no deposits to absorb the offset")
	ErrCollaboratorRejected  = errors.New("stability pool: collaborator rejected the operation")
	ErrCollateralRefused     = errors.New("stability pool: position refused the collateral")
	ErrCollateralUnconfirmed = errors.New("stability pool: collateral transfer outcome unknown")
	ErrReentrantCall         = errors.New("stability pool: re-entrant call rejected")
	ErrInvariantViolation    = errors.New("stability pool: invariant violation")
)
