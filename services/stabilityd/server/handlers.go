package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"stabilitypool/crypto"
	nativecommon "stabilitypool/native/common"
	"stabilitypool/native/stability"
	"stabilitypool/services/stabilityd/journal"
)

const maxBodyBytes = 1 << 16

type provideRequest struct {
	Depositor string `json:"depositor"`
	Amount    string `json:"amount"`
	FrontEnd  string `json:"frontEnd"`
}

type withdrawRequest struct {
	Depositor string `json:"depositor"`
	// Amount is a decimal, or "max" to withdraw the whole compounded deposit.
	Amount string `json:"amount"`
}

type gainRequest struct {
	Depositor string `json:"depositor"`
}

type frontEndRequest struct {
	FrontEnd     string `json:"frontEnd"`
	KickbackRate string `json:"kickbackRate"`
}

type offsetRequest struct {
	Debt       string `json:"debt"`
	Collateral string `json:"collateral"`
}

type snapshotView struct {
	S     string `json:"s"`
	P     string `json:"p"`
	G     string `json:"g"`
	Scale uint64 `json:"scale"`
	Epoch uint64 `json:"epoch"`
}

type poolView struct {
	P                   string `json:"p"`
	Scale               uint64 `json:"scale"`
	Epoch               uint64 `json:"epoch"`
	TotalDeposits       string `json:"totalDeposits"`
	TotalCollateral     string `json:"totalCollateral"`
	TotalTokenIssued    string `json:"totalTokenIssued"`
	LastCollateralError string `json:"lastCollateralError"`
	LastLossError       string `json:"lastLossError"`
	LastTokenError      string `json:"lastTokenError"`
}

type sumView struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
	S     string `json:"s"`
	G     string `json:"g"`
}

type depositView struct {
	Depositor      string       `json:"depositor"`
	InitialValue   string       `json:"initialValue"`
	Compounded     string       `json:"compounded"`
	CollateralGain string       `json:"collateralGain"`
	TokenGain      string       `json:"tokenGain"`
	FrontEnd       string       `json:"frontEnd,omitempty"`
	Snapshot       snapshotView `json:"snapshot"`
}

type frontEndView struct {
	Address         string       `json:"address"`
	Registered      bool         `json:"registered"`
	KickbackRate    string       `json:"kickbackRate"`
	Stake           string       `json:"stake"`
	CompoundedStake string       `json:"compoundedStake"`
	TokenGain       string       `json:"tokenGain"`
	Snapshot        snapshotView `json:"snapshot"`
}

type receiptView struct {
	Depositor         string `json:"depositor"`
	Deposit           string `json:"deposit"`
	Withdrawn         string `json:"withdrawn"`
	Loss              string `json:"loss"`
	CollateralGain    string `json:"collateralGain"`
	TokenGain         string `json:"tokenGain"`
	FrontEnd          string `json:"frontEnd,omitempty"`
	FrontEndTokenGain string `json:"frontEndTokenGain"`
	FrontEndStake     string `json:"frontEndStake"`
}

type offsetView struct {
	DebtOffset            string `json:"debtOffset"`
	CollateralAdded       string `json:"collateralAdded"`
	CollateralGainPerUnit string `json:"collateralGainPerUnit"`
	LossPerUnit           string `json:"lossPerUnit"`
	P                     string `json:"p"`
	Epoch                 uint64 `json:"epoch"`
	Scale                 uint64 `json:"scale"`
	PoolEmptied           bool   `json:"poolEmptied"`
	TokenIssued           string `json:"tokenIssued"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool.Pool()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Server) handleSum(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}
	scale, err := strconv.ParseUint(chi.URLParam(r, "scale"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scale")
		return
	}
	sum, err := s.pool.Sum(epoch, scale)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sumView{Epoch: epoch, Scale: scale, S: raw(sum.S), G: raw(sum.G)})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	deposit, err := s.pool.Deposit(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	compounded, err := s.pool.CompoundedDeposit(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	collGain, err := s.pool.DepositorCollateralGain(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	tokenGain, err := s.pool.DepositorTokenGain(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositView{
		Depositor:      addr.String(),
		InitialValue:   amount(deposit.InitialValue),
		Compounded:     amount(compounded),
		CollateralGain: amount(collGain),
		TokenGain:      amount(tokenGain),
		FrontEnd:       deposit.FrontEndTag.String(),
		Snapshot:       newSnapshotView(deposit.Snapshot),
	})
}

func (s *Server) handleGetFrontEnd(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	frontEnd, err := s.pool.FrontEnd(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !frontEnd.Registered {
		writeError(w, http.StatusNotFound, "front end not registered")
		return
	}
	stake, err := s.pool.CompoundedFrontEndStake(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	tokenGain, err := s.pool.FrontEndTokenGain(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frontEndView{
		Address:         addr.String(),
		Registered:      true,
		KickbackRate:    amount(frontEnd.KickbackRate),
		Stake:           amount(frontEnd.Stake),
		CompoundedStake: amount(stake),
		TokenGain:       amount(tokenGain),
		Snapshot:        newSnapshotView(frontEnd.Snapshot),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}
	q, ok := parseEventQuery(w, r)
	if !ok {
		return
	}
	entries, err := s.events.List(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func parseEventQuery(w http.ResponseWriter, r *http.Request) (journal.Query, bool) {
	q := journal.Query{Type: r.URL.Query().Get("type")}
	if after := r.URL.Query().Get("after"); after != "" {
		v, err := strconv.ParseInt(after, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return q, false
		}
		q.After = v
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return q, false
		}
		q.Limit = v
	}
	return q, true
}

func (s *Server) handleProvide(w http.ResponseWriter, r *http.Request) {
	var req provideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	depositor, ok := s.depositorFor(w, r, req.Depositor)
	if !ok {
		return
	}
	value, err := nativecommon.ParseDecimal(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	tag, err := crypto.DecodeAddress(req.FrontEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid front end address")
		return
	}
	receipt, err := s.pool.ProvideDeposit(r.Context(), depositor, value, tag)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	depositor, ok := s.depositorFor(w, r, req.Depositor)
	if !ok {
		return
	}
	var value *uint256.Int
	if strings.EqualFold(strings.TrimSpace(req.Amount), "max") {
		value = new(uint256.Int).SetAllOne()
	} else {
		parsed, err := nativecommon.ParseDecimal(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}
		value = parsed
	}
	receipt, err := s.pool.WithdrawDeposit(r.Context(), depositor, value)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleGainToPosition(w http.ResponseWriter, r *http.Request) {
	var req gainRequest
	if !decodeBody(w, r, &req) {
		return
	}
	depositor, ok := s.depositorFor(w, r, req.Depositor)
	if !ok {
		return
	}
	receipt, err := s.pool.WithdrawGainToPosition(r.Context(), depositor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleRegisterFrontEnd(w http.ResponseWriter, r *http.Request) {
	var req frontEndRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := s.depositorFor(w, r, req.FrontEnd)
	if !ok {
		return
	}
	rate, err := nativecommon.ParseDecimal(req.KickbackRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid kickback rate")
		return
	}
	frontEnd, err := s.pool.RegisterFrontEnd(r.Context(), addr, rate)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, frontEndView{
		Address:         addr.String(),
		Registered:      frontEnd.Registered,
		KickbackRate:    amount(frontEnd.KickbackRate),
		Stake:           amount(frontEnd.Stake),
		CompoundedStake: amount(frontEnd.Stake),
		TokenGain:       "0",
		Snapshot:        newSnapshotView(frontEnd.Snapshot),
	})
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	var req offsetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	debt, err := nativecommon.ParseDecimal(req.Debt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid debt")
		return
	}
	coll, err := nativecommon.ParseDecimal(req.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid collateral")
		return
	}
	receipt, err := s.pool.Offset(r.Context(), s.cfg.Liquidator, debt, coll)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offsetView{
		DebtOffset:            amount(receipt.DebtOffset),
		CollateralAdded:       amount(receipt.CollateralAdded),
		CollateralGainPerUnit: raw(receipt.CollateralGainPerUnit),
		LossPerUnit:           raw(receipt.LossPerUnit),
		P:                     amount(receipt.P),
		Epoch:                 receipt.Epoch,
		Scale:                 receipt.Scale,
		PoolEmptied:           receipt.PoolEmptied,
		TokenIssued:           amount(receipt.TokenIssued),
	})
}

// depositorFor decodes the account a write acts on. JWT callers whose subject
// is an address may only act for themselves.
func (s *Server) depositorFor(w http.ResponseWriter, r *http.Request, value string) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil || addr.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid address")
		return crypto.Address{}, false
	}
	principal, ok := PrincipalFromContext(r.Context())
	if ok && principal.Method == "jwt" {
		if subject, err := crypto.DecodeAddress(principal.Subject); err == nil && !subject.IsZero() && !subject.Equal(addr) {
			writeError(w, http.StatusForbidden, "subject may only act on its own account")
			return crypto.Address{}, false
		}
	}
	return addr, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pool operation failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, stability.ErrInvariantViolation),
		errors.Is(err, stability.ErrReentrantCall),
		errors.Is(err, stability.ErrNilState):
		return http.StatusInternalServerError
	case errors.Is(err, stability.ErrCollateralUnconfirmed):
		return http.StatusBadGateway
	case errors.Is(err, stability.ErrCollaboratorRejected):
		return http.StatusFailedDependency
	case errors.Is(err, stability.ErrPositionsUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, stability.ErrUnauthorizedCaller):
		return http.StatusForbidden
	case errors.Is(err, stability.ErrUndercollateralized),
		errors.Is(err, stability.ErrDepositExists),
		errors.Is(err, stability.ErrFrontEndRegistered),
		errors.Is(err, stability.ErrEmptyPool):
		return http.StatusConflict
	case errors.Is(err, stability.ErrNoDeposit),
		errors.Is(err, stability.ErrNoPosition),
		errors.Is(err, stability.ErrNoCollateralGain),
		errors.Is(err, stability.ErrFrontEndNotRegistered):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stability.ErrZeroAmount),
		errors.Is(err, stability.ErrInvalidAddress),
		errors.Is(err, stability.ErrInvalidKickbackRate),
		errors.Is(err, nativecommon.ErrArithmeticOverflow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathAddress(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil || addr.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid address")
		return crypto.Address{}, false
	}
	return addr, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func newPoolView(pool *stability.PoolState) poolView {
	return poolView{
		P:                   amount(pool.P),
		Scale:               pool.CurrentScale,
		Epoch:               pool.CurrentEpoch,
		TotalDeposits:       amount(pool.TotalDeposits),
		TotalCollateral:     amount(pool.TotalCollateral),
		TotalTokenIssued:    amount(pool.TotalTokenIssued),
		LastCollateralError: raw(pool.LastCollateralError),
		LastLossError:       raw(pool.LastLossError),
		LastTokenError:      raw(pool.LastTokenError),
	}
}

func newSnapshotView(snap stability.Snapshot) snapshotView {
	return snapshotView{S: raw(snap.S), P: raw(snap.P), G: raw(snap.G), Scale: snap.Scale, Epoch: snap.Epoch}
}

func newReceiptView(receipt *stability.DepositReceipt) receiptView {
	return receiptView{
		Depositor:         receipt.Depositor.String(),
		Deposit:           amount(receipt.Deposit),
		Withdrawn:         amount(receipt.Withdrawn),
		Loss:              amount(receipt.Loss),
		CollateralGain:    amount(receipt.CollateralGain),
		TokenGain:         amount(receipt.TokenGain),
		FrontEnd:          receipt.FrontEnd.String(),
		FrontEndTokenGain: amount(receipt.FrontEndTokenGain),
		FrontEndStake:     amount(receipt.FrontEndStake),
	}
}

// amount renders an 18-decimal value in whole units.
func amount(x *uint256.Int) string { return nativecommon.FormatDecimal(x) }

// raw renders accumulator internals as integers.
func raw(x *uint256.Int) string { return nativecommon.Clone(x).Dec() }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
