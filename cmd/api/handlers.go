package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"leaseflow/auth"
	"leaseflow/escrow"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Principal, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type escrowCommands interface {
	CreateAgreement(ctx context.Context, params escrow.CreateAgreementParams) (escrow.Snapshot, error)
	PayDeposit(ctx context.Context, req escrow.CommandRequest, amount int64) (escrow.Event, error)
	PayRent(ctx context.Context, req escrow.CommandRequest, period int, amount int64) (escrow.Event, error)
	RaiseDispute(ctx context.Context, req escrow.CommandRequest) (escrow.Event, error)
	ResolveDispute(ctx context.Context, req escrow.CommandRequest, tenantRefund, landlordAmount int64) (escrow.Event, error)
	ReturnDeposit(ctx context.Context, req escrow.CommandRequest) (escrow.Event, error)
	TerminateLease(ctx context.Context, req escrow.CommandRequest) (escrow.Event, error)
}

type escrowQueries interface {
	GetAgreement(ctx context.Context, id string) (escrow.Snapshot, error)
	CustodyBalance(ctx context.Context, id string) (int64, error)
	IsPeriodPaid(ctx context.Context, id string, period int) (bool, error)
	ListEvents(ctx context.Context, id string) ([]escrow.Event, error)
}

type api struct {
	auth     authService
	commands escrowCommands
	queries  escrowQueries
}

func newRouter(a *api) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", a.handleRegister)
	mux.HandleFunc("POST /auth/login", a.handleLogin)

	mux.HandleFunc("POST /agreements", a.withCaller(a.handleCreateAgreement))
	mux.HandleFunc("POST /agreements/{id}/deposit", a.withCaller(a.handlePayDeposit))
	mux.HandleFunc("POST /agreements/{id}/rent", a.withCaller(a.handlePayRent))
	mux.HandleFunc("POST /agreements/{id}/disputes", a.withCaller(a.handleRaiseDispute))
	mux.HandleFunc("POST /agreements/{id}/disputes/resolve", a.withCaller(a.handleResolveDispute))
	mux.HandleFunc("POST /agreements/{id}/deposit/return", a.withCaller(a.handleReturnDeposit))
	mux.HandleFunc("POST /agreements/{id}/terminate", a.withCaller(a.handleTerminateLease))

	// Queries require no authorization.
	mux.HandleFunc("GET /agreements/{id}", a.handleGetAgreement)
	mux.HandleFunc("GET /agreements/{id}/balance", a.handleCustodyBalance)
	mux.HandleFunc("GET /agreements/{id}/periods/{period}", a.handlePeriodPaid)
	mux.HandleFunc("GET /agreements/{id}/events", a.handleListEvents)

	return mux
}

// withCaller resolves the authenticated principal from the bearer token and
// passes it to the handler; commands never run without an identified caller.
func (a *api) withCaller(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principalID, _, err := a.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, principalID)
	}
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	principal, err := a.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        principal.ID,
		"email":     principal.Email,
		"full_name": principal.FullName,
		"role":      principal.Role,
	})
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"id":    result.Principal.ID,
		"role":  result.Principal.Role,
	})
}

type createAgreementBody struct {
	TenantID        string `json:"tenant_id"`
	ArbitratorID    string `json:"arbitrator_id"`
	MonthlyRent     int64  `json:"monthly_rent"`
	SecurityDeposit int64  `json:"security_deposit"`
	LeaseDuration   int    `json:"lease_duration"`
}

func (a *api) handleCreateAgreement(w http.ResponseWriter, r *http.Request, caller string) {
	var body createAgreementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	snap, err := a.commands.CreateAgreement(r.Context(), escrow.CreateAgreementParams{
		Landlord:        caller,
		Tenant:          body.TenantID,
		Arbitrator:      body.ArbitratorID,
		MonthlyRent:     body.MonthlyRent,
		SecurityDeposit: body.SecurityDeposit,
		LeaseDuration:   body.LeaseDuration,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, snapshotResponse(snap))
}

func (a *api) handlePayDeposit(w http.ResponseWriter, r *http.Request, caller string) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ev, err := a.commands.PayDeposit(r.Context(), a.commandRequest(r, caller), body.Amount)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handlePayRent(w http.ResponseWriter, r *http.Request, caller string) {
	var body struct {
		Period int   `json:"period"`
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ev, err := a.commands.PayRent(r.Context(), a.commandRequest(r, caller), body.Period, body.Amount)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handleRaiseDispute(w http.ResponseWriter, r *http.Request, caller string) {
	ev, err := a.commands.RaiseDispute(r.Context(), a.commandRequest(r, caller))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handleResolveDispute(w http.ResponseWriter, r *http.Request, caller string) {
	var body struct {
		TenantRefund   int64 `json:"tenant_refund"`
		LandlordAmount int64 `json:"landlord_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ev, err := a.commands.ResolveDispute(r.Context(), a.commandRequest(r, caller), body.TenantRefund, body.LandlordAmount)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handleReturnDeposit(w http.ResponseWriter, r *http.Request, caller string) {
	ev, err := a.commands.ReturnDeposit(r.Context(), a.commandRequest(r, caller))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handleTerminateLease(w http.ResponseWriter, r *http.Request, caller string) {
	ev, err := a.commands.TerminateLease(r.Context(), a.commandRequest(r, caller))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse(ev))
}

func (a *api) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	snap, err := a.queries.GetAgreement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

func (a *api) handleCustodyBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.queries.CustodyBalance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"custody_balance": balance})
}

func (a *api) handlePeriodPaid(w http.ResponseWriter, r *http.Request) {
	period, err := strconv.Atoi(r.PathValue("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period")
		return
	}
	paid, err := a.queries.IsPeriodPaid(r.Context(), r.PathValue("id"), period)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "paid": paid})
}

func (a *api) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.queries.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *api) commandRequest(r *http.Request, caller string) escrow.CommandRequest {
	return escrow.CommandRequest{
		AgreementID:    r.PathValue("id"),
		Caller:         caller,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
}

func snapshotResponse(snap escrow.Snapshot) map[string]any {
	return map[string]any{
		"id":                snap.ID,
		"landlord_id":       snap.Landlord,
		"tenant_id":         snap.Tenant,
		"arbitrator_id":     snap.Arbitrator,
		"monthly_rent":      snap.Terms.MonthlyRent,
		"security_deposit":  snap.Terms.SecurityDeposit,
		"lease_duration":    snap.Terms.LeaseDuration,
		"lease_start":       snap.Terms.LeaseStart,
		"lease_end":         snap.LeaseEnd,
		"deposit_paid":      snap.DepositPaid,
		"lease_active":      snap.LeaseActive,
		"dispute_status":    snap.DisputeStatus,
		"total_months_paid": snap.TotalMonthsPaid,
	}
}

func eventResponse(ev escrow.Event) map[string]any {
	out := map[string]any{
		"agreement_id": ev.AgreementID,
		"seq":          ev.Seq,
		"type":         ev.Kind,
		"occurred_at":  ev.OccurredAt,
	}
	for k, v := range ev.Payload() {
		if k != "agreement_id" {
			out[k] = v
		}
	}
	return out
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrAgreementNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidPhase),
		errors.Is(err, escrow.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrInvalidPeriod),
		errors.Is(err, escrow.ErrAmountExceedsDeposit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
