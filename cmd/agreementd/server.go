package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agreementflow/agreement"
	"agreementflow/arbitrator"
	"agreementflow/auth"
	"agreementflow/dispute"
	"agreementflow/events"
	"agreementflow/journal"
	"agreementflow/ledger"
	"agreementflow/setting"
	"agreementflow/vault"
)

// Server exposes the agreement engine over JSON.
type Server struct {
	agreements *agreement.Service
	court      *arbitrator.Court
	auth       *auth.Service
	wallets    vault.Store
	journal    journalReader
	limiter    *callerLimiter
	logger     *slog.Logger
}

func newServer(a *app, limiter *callerLimiter, logger *slog.Logger) *Server {
	return &Server{
		agreements: a.agreements,
		court:      a.court,
		auth:       a.auth,
		wallets:    a.wallets,
		journal:    a.journal,
		limiter:    limiter,
		logger:     logger,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(s.limiter.middleware)
			pub.Post("/auth/register", s.handleRegister)
			pub.Post("/auth/login", s.handleLogin)
		})

		api.Group(func(priv chi.Router) {
			priv.Use(requireAuth(s.auth), s.limiter.middleware)

			priv.Get("/settings/current", s.handleCurrentSetting)
			priv.Get("/settings/{id}", s.handleSetting)
			priv.With(requireRole(auth.RoleOperator)).Post("/settings", s.handleChangeSetting)

			priv.With(requireRole(auth.RoleOperator)).Post("/wallets/credit", s.handleCredit)
			priv.Get("/wallets/{token}", s.handleWallet)

			priv.Get("/balances", s.handleBalances)
			priv.Post("/balances/stake", s.handleStake)
			priv.Post("/balances/unstake", s.handleUnstake)

			priv.Post("/actions", s.handleSchedule)
			priv.Route("/actions/{id}", func(ar chi.Router) {
				ar.Get("/", s.handleAction)
				ar.Get("/paths", s.handlePaths)
				ar.Get("/challenge", s.handleActionChallenge)
				ar.Get("/dispute", s.handleActionDispute)
				ar.Post("/cancel", s.handleCancel)
				ar.Post("/execute", s.handleExecute)
				ar.Post("/challenge", s.handleChallenge)
				ar.Post("/settle", s.handleSettle)
				ar.Post("/claim-settlement", s.handleClaimSettlement)
				ar.Post("/dispute", s.handleDispute)
				ar.Post("/evidence", s.handleEvidence)
				ar.Post("/close-evidence", s.handleCloseEvidence)
			})

			priv.Group(func(court chi.Router) {
				court.Use(requireRole(auth.RoleArbitrator))
				court.Get("/disputes", s.handleCases)
				court.Post("/disputes/{id}/ruling", s.handleRuling)
			})

			priv.Get("/events", s.handleEvents)
			priv.Get("/events/verify", s.handleVerify)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	// Arbitrator and operator accounts are seeded from config only.
	req.Role = auth.RoleParticipant
	account, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "account": toAccountResponse(res.Account)})
}

// --- settings ---

func (s *Server) handleCurrentSetting(w http.ResponseWriter, r *http.Request) {
	st, err := s.agreements.Setting(s.agreements.CurrentSettingID())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingResponse(st))
}

func (s *Server) handleSetting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.agreements.Setting(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingResponse(st))
}

type settingRequest struct {
	Title               string `json:"title"`
	Content             string `json:"content"`
	Arbitrator          string `json:"arbitrator"`
	CollateralToken     string `json:"collateralToken"`
	ActionCollateral    uint64 `json:"actionCollateral"`
	ChallengeCollateral uint64 `json:"challengeCollateral"`
	ChallengeDuration   string `json:"challengeDuration"`
	SettlementDuration  string `json:"settlementDuration"`
	DelayPeriod         string `json:"delayPeriod"`
}

func (req settingRequest) params() (setting.Params, error) {
	var durations [3]time.Duration
	for i, raw := range []string{req.ChallengeDuration, req.SettlementDuration, req.DelayPeriod} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return setting.Params{}, errBadRequest("invalid duration " + strconv.Quote(raw))
		}
		durations[i] = d
	}
	return setting.Params{
		Title:               req.Title,
		Content:             []byte(req.Content),
		Arbitrator:          ledger.AccountID(req.Arbitrator),
		CollateralToken:     ledger.TokenID(req.CollateralToken),
		ActionCollateral:    ledger.Amount(req.ActionCollateral),
		ChallengeCollateral: ledger.Amount(req.ChallengeCollateral),
		ChallengeDuration:   durations[0],
		SettlementDuration:  durations[1],
		DelayPeriod:         durations[2],
	}, nil
}

func (s *Server) handleChangeSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller, _, _ := callerFrom(r.Context())
	st, err := s.agreements.ChangeSetting(r.Context(), caller, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettingResponse(st))
}

// --- wallets and balances ---

type amountRequest struct {
	Account string `json:"account,omitempty"`
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.fail(w, r, errBadRequest("account is required"))
		return
	}
	account, token := ledger.AccountID(req.Account), ledger.TokenID(req.Token)
	if err := s.wallets.Credit(r.Context(), account, token, ledger.Amount(req.Amount)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeWallet(w, r, account, token)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	caller, _, _ := callerFrom(r.Context())
	s.writeWallet(w, r, caller, ledger.TokenID(chi.URLParam(r, "token")))
}

func (s *Server) writeWallet(w http.ResponseWriter, r *http.Request, account ledger.AccountID, token ledger.TokenID) {
	wallet, err := s.wallets.Wallet(r.Context(), account, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": wallet.Account, "token": wallet.Token, "balance": wallet.Balance})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	caller, _, _ := callerFrom(r.Context())
	writeJSON(w, http.StatusOK, toBalancesResponse(caller, s.agreements.Balance(caller)))
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.moveStake(w, r, s.agreements.Stake)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.moveStake(w, r, s.agreements.Unstake)
}

type stakeFunc func(ctx context.Context, account ledger.AccountID, token ledger.TokenID, amount ledger.Amount) error

func (s *Server) moveStake(w http.ResponseWriter, r *http.Request, move stakeFunc) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	token := ledger.TokenID(req.Token)
	if err := move(r.Context(), caller, token, ledger.Amount(req.Amount)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(token, s.agreements.BalanceOf(caller, token)))
}

// --- actions ---

type scheduleRequest struct {
	Context string `json:"context"`
	Script  string `json:"script"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	a, err := s.agreements.Schedule(r.Context(), agreement.ScheduleParams{
		Submitter: caller,
		Context:   []byte(req.Context),
		Script:    []byte(req.Script),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActionResponse(a))
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.agreements.Action(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.agreements.AllowedPaths(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPathsResponse(p))
}

func (s *Server) handleActionChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.agreements.ChallengeForAction(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(c))
}

func (s *Server) handleActionDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.agreements.ChallengeForAction(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if c.DisputeID == 0 {
		s.fail(w, r, agreement.ErrDisputeDoesNotExist)
		return
	}
	d, err := s.agreements.DisputeByID(c.DisputeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	a, err := s.agreements.Cancel(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.agreements.Execute(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

type challengeRequest struct {
	Context         string `json:"context"`
	SettlementOffer uint64 `json:"settlementOffer"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	c, err := s.agreements.Challenge(r.Context(), agreement.ChallengeParams{
		ActionID:        id,
		Challenger:      caller,
		Context:         []byte(req.Context),
		SettlementOffer: ledger.Amount(req.SettlementOffer),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChallengeResponse(c))
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	s.challengeTransition(w, r, s.agreements.Settle)
}

func (s *Server) handleClaimSettlement(w http.ResponseWriter, r *http.Request) {
	s.challengeTransition(w, r, s.agreements.ClaimSettlement)
}

type transitionFunc func(ctx context.Context, sender ledger.AccountID, actionID uint64) (agreement.Challenge, error)

func (s *Server) challengeTransition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	c, err := fn(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(c))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	d, err := s.agreements.Dispute(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

type evidenceRequest struct {
	Evidence string `json:"evidence"`
	Finished bool   `json:"finished"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req evidenceRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	d, err := s.agreements.SubmitEvidence(r.Context(), agreement.EvidenceParams{
		ActionID: id,
		Sender:   caller,
		Evidence: []byte(req.Evidence),
		Finished: req.Finished,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleCloseEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	d, err := s.agreements.CloseEvidencePeriod(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// --- court ---

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.court.Cases(r.Context(), dispute.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		items = append(items, toCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type rulingRequest struct {
	Ruling string `json:"ruling"`
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rulingRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _, _ := callerFrom(r.Context())
	if caller != s.court.Identity() {
		s.fail(w, r, agreement.ErrSenderNotAllowed)
		return
	}
	ruling, err := dispute.ParseRuling(req.Ruling)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.court.Decide(r.Context(), dispute.ID(id), ruling); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.agreements.DisputeByID(dispute.ID(id))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// --- journal ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := journal.Filters{
		Type:      events.Type(q.Get("type")),
		SortOrder: q.Get("sort"),
	}
	for key, dst := range map[string]*uint64{"action_id": &filters.ActionID, "after_seq": &filters.AfterSeq} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				s.fail(w, r, errBadRequest("invalid "+key))
				return
			}
			*dst = v
		}
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	res, err := s.journal.List(r.Context(), filters)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(res.Items))
	for _, e := range res.Items {
		items = append(items, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	n, err := s.journal.Verify(r.Context())
	if err != nil && !errors.Is(err, journal.ErrChainBroken) {
		s.fail(w, r, err)
		return
	}
	body := map[string]any{"verified": n, "ok": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- plumbing ---

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
