// Package api exposes the settlement engine over HTTP: one POST route per
// call method, a multicall batch, read views and the event websocket.
//
// Callers identify themselves with the X-Caller header; the engine does all
// authorization against that address.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/stakewise/v3-core-sub000/internal/engine"
	"github.com/stakewise/v3-core-sub000/internal/model"
	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// CallerHeader carries the address a request acts as.
const CallerHeader = "X-Caller"

const maxBodyBytes = 1 << 20

// Service serves the engine's calls and views.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new API service.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// callRoutes binds REST paths to engine methods. Every method is also
// reachable through POST /calls/{method}.
var callRoutes = []struct {
	path   string
	method string
}{
	{"/vault/deposit", engine.MethodDeposit},
	{"/vault/deposit-and-mint", engine.MethodDepositAndMint},
	{"/vault/exit", engine.MethodEnterExitQueue},
	{"/vault/claim", engine.MethodClaimExitedAssets},
	{"/vault/update-state", engine.MethodUpdateState},
	{"/vault/process-exits", engine.MethodProcessExits},
	{"/vault/stake", engine.MethodStake},
	{"/vault/receive-liquidity", engine.MethodReceiveLiquidity},
	{"/vault/transfer", engine.MethodTransfer},
	{"/vault/transfer-from", engine.MethodTransferFrom},
	{"/vault/approve", engine.MethodApprove},
	{"/vault/permit", engine.MethodPermit},

	{"/oracle/roots", engine.MethodPublishRoot},
	{"/oracle/rewards", engine.MethodPublishRewards},

	{"/synthetic/mint", engine.MethodMint},
	{"/synthetic/burn", engine.MethodBurn},
	{"/synthetic/liquidate", engine.MethodLiquidate},
	{"/synthetic/redeem", engine.MethodRedeem},
	{"/synthetic/transfer", engine.MethodTransferSynthetic},
	{"/synthetic/escrow", engine.MethodTransferToEscrow},
	{"/synthetic/escrow/process", engine.MethodProcessEscrow},
	{"/synthetic/escrow/claim", engine.MethodClaimEscrow},
	{"/synthetic/escrow/liquidate", engine.MethodLiquidateEscrow},
	{"/synthetic/escrow/redeem", engine.MethodRedeemEscrow},
	{"/synthetic/redemptions", engine.MethodEnterRedemptionQueue},
	{"/synthetic/redemptions/redeem-positions", engine.MethodRedeemPositions},
	{"/synthetic/redemptions/process", engine.MethodProcessRedemptions},
	{"/synthetic/redemptions/claim", engine.MethodClaimRedemption},
	{"/synthetic/redemptions/swap", engine.MethodSwapAssetsToShares},

	{"/faucet", engine.MethodFaucet},
}

// Routes registers every handler on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	for _, cr := range callRoutes {
		r.Post(cr.path, s.call(cr.method))
	}
	r.Post("/calls/{method}", s.CallByName)
	r.Post("/admin/{method}", s.AdminCall)
	r.Post("/multicall", s.Multicall)
	r.Get("/methods", s.ListMethods)

	r.Get("/vault", s.GetVault)
	r.Get("/accounts/{address}", s.GetAccount)
	r.Get("/queues/{queue}/tickets/{ticket}", s.GetTicket)
	r.Get("/queues/{queue}/checkpoints", s.ListCheckpoints)
	r.Get("/positions/{owner}", s.GetPosition)
	r.Get("/escrow/{id}", s.GetEscrowPosition)
	r.Get("/oracle/roots", s.ListRoots)
	r.Get("/events", s.ListEvents)
}

// --- Request/Response types ---

// CallRequest is one entry of a multicall batch.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MulticallRequest is the JSON body for POST /multicall.
type MulticallRequest struct {
	Calls []CallRequest `json:"calls"`
}

// MulticallResponse carries one result per call; skipped permits are null.
type MulticallResponse struct {
	Results []any  `json:"results"`
	Seq     uint64 `json:"seq"`
}

// CallResponse wraps the result of a single call.
type CallResponse struct {
	Method string `json:"method"`
	Result any    `json:"result"`
	Seq    uint64 `json:"seq"`
}

// --- Handlers ---

func (s *Service) call(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.execute(w, r, method)
	}
}

// CallByName handles POST /api/v1/calls/{method}
func (s *Service) CallByName(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, chi.URLParam(r, "method"))
}

// AdminCall handles POST /api/v1/admin/{method}, limited to config setters.
func (s *Service) AdminCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	if !strings.HasPrefix(method, "set_") {
		writeError(w, "not an admin method: "+method, http.StatusNotFound)
		return
	}
	s.execute(w, r, method)
}

func (s *Service) execute(w http.ResponseWriter, r *http.Request, method string) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.engine.Execute(r.Context(), caller, engine.Call{Method: method, Params: body})
	if err != nil {
		writeEngineError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Method: method, Result: out, Seq: s.engine.Seq()})
}

// Multicall handles POST /api/v1/multicall. The batch commits atomically.
func (s *Service) Multicall(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req MulticallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	calls := make([]engine.Call, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = engine.Call{Method: c.Method, Params: c.Params}
	}
	out, err := s.engine.Multicall(r.Context(), caller, calls)
	if err != nil {
		writeEngineError(w, engine.MethodMulticall, err)
		return
	}
	writeJSON(w, http.StatusOK, MulticallResponse{Results: out, Seq: s.engine.Seq()})
}

// ListMethods handles GET /api/v1/methods
func (s *Service) ListMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, engine.Methods())
}

// GetVault handles GET /api/v1/vault
func (s *Service) GetVault(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Vault())
}

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Account(addr))
}

// GetTicket handles GET /api/v1/queues/{queue}/tickets/{ticket}
func (s *Service) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "ticket")
	if !ok {
		return
	}
	view, err := s.engine.Ticket(chi.URLParam(r, "queue"), id)
	if err != nil {
		writeLookupError(w, "ticket not found", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListCheckpoints handles GET /api/v1/queues/{queue}/checkpoints
func (s *Service) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	switch name {
	case vault.Source, synth.RedemptionSource, synth.EscrowSource:
	default:
		writeError(w, "unknown queue: "+name, http.StatusNotFound)
		return
	}
	records, err := s.engine.Checkpoints(r.Context(), name)
	if err != nil {
		slog.Error("list checkpoints failed", "queue", name, "err", err)
		writeError(w, "failed to list checkpoints", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.CheckpointRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetPosition handles GET /api/v1/positions/{owner}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "owner")
	if !ok {
		return
	}
	view, err := s.engine.Position(owner)
	if err != nil {
		writeLookupError(w, "position not found", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEscrowPosition handles GET /api/v1/escrow/{id}
func (s *Service) GetEscrowPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	view, err := s.engine.EscrowPosition(id)
	if err != nil {
		writeLookupError(w, "escrow position not found", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListRoots handles GET /api/v1/oracle/roots
func (s *Service) ListRoots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Roots())
}

// ListEvents handles GET /api/v1/events?kind=&owner=&after=&limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.EventFilter{Kind: model.EventKind(q.Get("kind"))}
	if owner := q.Get("owner"); owner != "" {
		if !common.IsHexAddress(owner) {
			writeError(w, "invalid owner address", http.StatusBadRequest)
			return
		}
		f.Owner = common.HexToAddress(owner).Hex()
	}
	if after := q.Get("after"); after != "" {
		seq, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			writeError(w, "invalid after sequence", http.StatusBadRequest)
			return
		}
		f.AfterSeq = seq
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	events, err := s.engine.Events(r.Context(), f)
	if err != nil {
		slog.Error("list events failed", "err", err)
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	h := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(h) {
		writeError(w, CallerHeader+" header must be a hex address", http.StatusUnauthorized)
		return common.Address{}, false
	}
	return common.HexToAddress(h), true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := chi.URLParam(r, name)
	if !common.IsHexAddress(v) {
		writeError(w, "invalid address: "+v, http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (*uint256.Int, bool) {
	v := chi.URLParam(r, name)
	x, err := uint256.FromDecimal(v)
	if err != nil {
		writeError(w, "invalid "+name+": "+v, http.StatusBadRequest)
		return nil, false
	}
	return x, true
}

// statusFor maps an engine error to an HTTP status by category.
func statusFor(err error) int {
	switch model.CategoryOf(err) {
	case model.CategoryAuthorization:
		return http.StatusForbidden
	case model.CategoryInput:
		return http.StatusBadRequest
	case model.CategoryStaleness, model.CategoryQueueState, model.CategoryIdempotence:
		return http.StatusConflict
	case model.CategorySolvency:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, method string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("call failed", "method", method, "err", err)
		writeError(w, "internal error", status)
		return
	}
	if errors.Is(err, model.ErrUnknownCall) && !errors.Is(err, engine.ErrSyntheticDisabled) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":    err.Error(),
		"category": string(model.CategoryOf(err)),
	})
}

// writeLookupError answers view lookups: a missing ticket or position is a
// 404, anything else goes through the usual mapping.
func writeLookupError(w http.ResponseWriter, notFound string, err error) {
	if errors.Is(err, model.ErrInvalidTicket) || errors.Is(err, model.ErrInvalidPosition) ||
		errors.Is(err, engine.ErrSyntheticDisabled) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	writeEngineError(w, "view", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
