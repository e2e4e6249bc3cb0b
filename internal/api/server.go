package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MoltMarket-Core/internal/agent"
	"MoltMarket-Core/internal/bond"
	xerrors "MoltMarket-Core/internal/errors"
	"MoltMarket-Core/internal/escrow"
	"MoltMarket-Core/internal/gig"
	"MoltMarket-Core/internal/observability/metrics"
	"MoltMarket-Core/internal/reputation"
	"MoltMarket-Core/internal/risk"
	"MoltMarket-Core/internal/swarm"
)

// Dependencies 汇集 API 层依赖的各业务服务。
type Dependencies struct {
	Agents     *agent.Service
	Reputation *reputation.Service
	Bonds      *bond.Ledger
	Risk       *risk.Engine
	Escrow     *escrow.Service
	Swarm      *swarm.Service
	Gigs       *gig.Service
}

// Server 负责暴露 REST 接口，供外部驱动市场结算流程。
type Server struct {
	addr string
	deps Dependencies
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 装配全部路由，测试可直接挂到 httptest.Server 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/v1/agents", s.instrument("agents_register", s.handleRegisterAgent))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.instrument("agents_get", s.handleGetAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/reputation/refresh", s.instrument("reputation_refresh", s.handleRefreshReputation))
	mux.HandleFunc("GET /api/v1/agents/{id}/trust", s.instrument("reputation_trust", s.handleTrustCheck))

	mux.HandleFunc("POST /api/v1/agents/{id}/bond/deposit", s.instrument("bond_deposit", s.handleBondDeposit))
	mux.HandleFunc("POST /api/v1/agents/{id}/bond/withdraw", s.instrument("bond_withdraw", s.handleBondWithdraw))
	mux.HandleFunc("POST /api/v1/agents/{id}/bond/reconcile", s.instrument("bond_reconcile", s.handleBondReconcile))
	mux.HandleFunc("GET /api/v1/agents/{id}/bond/history", s.instrument("bond_history", s.handleBondHistory))

	mux.HandleFunc("GET /api/v1/agents/{id}/risk", s.instrument("risk_assess", s.handleRiskAssessment))
	mux.HandleFunc("GET /api/v1/agents/{id}/risk/trend", s.instrument("risk_trend", s.handleRiskTrend))

	mux.HandleFunc("POST /api/v1/gigs", s.instrument("gigs_post", s.handlePostGig))
	mux.HandleFunc("GET /api/v1/gigs", s.instrument("gigs_list", s.handleListGigs))
	mux.HandleFunc("GET /api/v1/gigs/{id}", s.instrument("gigs_get", s.handleGetGig))
	mux.HandleFunc("POST /api/v1/gigs/{id}/assign", s.instrument("gigs_assign", s.handleAssignGig))
	mux.HandleFunc("POST /api/v1/gigs/{id}/start", s.instrument("gigs_start", s.handleStartGig))
	mux.HandleFunc("POST /api/v1/gigs/{id}/submit", s.instrument("gigs_submit", s.handleSubmitGig))
	mux.HandleFunc("POST /api/v1/gigs/{id}/dispute", s.instrument("gigs_dispute", s.handleDisputeGig))
	mux.HandleFunc("POST /api/v1/gigs/{id}/resolve", s.instrument("gigs_resolve", s.handleResolveDispute))

	mux.HandleFunc("GET /api/v1/gigs/{id}/escrow", s.instrument("escrow_get", s.handleGetEscrow))
	mux.HandleFunc("POST /api/v1/gigs/{id}/escrow/release", s.instrument("escrow_release", s.handleReleaseEscrow))
	mux.HandleFunc("POST /api/v1/gigs/{id}/escrow/refund", s.instrument("escrow_refund", s.handleRefundEscrow))

	mux.HandleFunc("GET /api/v1/validations/{id}", s.instrument("swarm_get", s.handleGetValidation))
	mux.HandleFunc("GET /api/v1/validations/{id}/votes", s.instrument("swarm_votes", s.handleListVotes))
	mux.HandleFunc("POST /api/v1/validations/{id}/votes", s.instrument("swarm_vote", s.handleCastVote))

	return mux
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agent.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	registered, err := s.deps.Agents.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleRefreshReputation(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Reputation.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTrustCheck(w http.ResponseWriter, r *http.Request) {
	minScore := 0.0
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "min_score 不是合法数字"))
			return
		}
		minScore = parsed
	}
	result, err := s.deps.Reputation.TrustCheck(r.Context(), r.PathValue("id"), minScore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleBondDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	profile, err := s.deps.Bonds.Deposit(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleBondWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	profile, err := s.deps.Bonds.Withdraw(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleBondReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Bonds.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleBondHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Bonds.History(r.Context(), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRiskAssessment(w http.ResponseWriter, r *http.Request) {
	assessment, err := s.deps.Risk.Recompute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) handleRiskTrend(w http.ResponseWriter, r *http.Request) {
	trend, err := s.deps.Risk.Trend(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": r.PathValue("id"), "trend": string(trend)})
}

func (s *Server) handlePostGig(w http.ResponseWriter, r *http.Request) {
	var req gig.PostInput
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.deps.Gigs.Post(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListGigs(w http.ResponseWriter, r *http.Request) {
	gigs, err := s.deps.Gigs.ListOpen(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gigs)
}

func (s *Server) handleGetGig(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Gigs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type assignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

func (s *Server) handleAssignGig(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.deps.Gigs.Assign(r.Context(), r.PathValue("id"), req.AssigneeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type actorRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleStartGig(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.deps.Gigs.Start(r.Context(), r.PathValue("id"), req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSubmitGig(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, validation, err := s.deps.Gigs.SubmitForValidation(r.Context(), r.PathValue("id"), req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gig": g, "validation": validation})
}

func (s *Server) handleDisputeGig(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.deps.Gigs.Dispute(r.Context(), r.PathValue("id"), req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type resolveRequest struct {
	AdminID string `json:"admin_id"`
	Action  string `json:"action"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.deps.Gigs.ResolveDispute(r.Context(), req.AdminID, r.PathValue("id"), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	tx, err := s.deps.Escrow.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type releaseRequest struct {
	CallerID   string `json:"caller_id"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.deps.Escrow.Release(r.Context(), req.CallerID, r.PathValue("id"), req.AssigneeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.deps.Escrow.Refund(r.Context(), req.CallerID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	validation, err := s.deps.Swarm.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.deps.Swarm.Votes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

type voteRequest struct {
	VoterID string `json:"voter_id"`
	Choice  string `json:"choice"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	validation, err := s.deps.Swarm.CastVote(r.Context(), r.PathValue("id"), req.VoterID, swarm.Choice(req.Choice))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}

// instrument 包装处理器，上报请求量、错误率与延迟。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse 是统一的错误返回体，附带错误码与结构化细节。
type errorResponse struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: xerrors.CodeUnknown, Message: err.Error()}
	if typed, ok := xerrors.From(err); ok {
		resp.Code = typed.Code()
		resp.Message = typed.Message()
		resp.Retryable = typed.Retryable()
		resp.Metadata = typed.Metadata()
	}
	writeJSON(w, statusFor(resp.Code), resp)
}

// statusFor 把统一错误码映射到 HTTP 状态码。业务包注册的细分码
// 按后缀归类。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case xerrors.CodeIneligible:
		return http.StatusForbidden
	case xerrors.CodeCooldown:
		return http.StatusTooManyRequests
	case xerrors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case xerrors.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	name := string(code)
	switch {
	case strings.HasSuffix(name, "_NOT_FOUND"):
		return http.StatusNotFound
	case strings.HasSuffix(name, "_CONFLICT"), strings.HasSuffix(name, "_VOTE"):
		return http.StatusConflict
	case strings.HasSuffix(name, "_COOLDOWN"):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
