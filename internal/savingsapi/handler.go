// Package savingsapi is the HTTP surface of savingsd. Deposits are
// synchronous: the request returns once the deposit transaction reaches
// confirmation depth or the flow fails.
package savingsapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stackpool/savingsd/internal/deposit"
	"github.com/stackpool/savingsd/internal/depositevent"
	"github.com/stackpool/savingsd/internal/flow"
)

var ErrInvalidConfig = errors.New("savingsapi: invalid config")

type Config struct {
	ChainID      uint64
	PoolAddress  common.Address
	TokenAddress common.Address

	// TokenDecimals scales the optional human-readable amountDecimal field.
	TokenDecimals uint8

	// MinDeposit in the token's smallest unit; nil means no minimum.
	MinDeposit *big.Int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// DepositService is the orchestration surface the API exposes.
type DepositService interface {
	Deposit(ctx context.Context, amount *big.Int) (deposit.Record, error)
	Reset()
	Snapshot() flow.Snapshot
	Attempt(ctx context.Context, attemptID common.Hash) (deposit.Record, error)
}

// PositionFn reads the account's current pool balance, served through the
// query cache.
type PositionFn func(ctx context.Context) (*big.Int, error)

func NewHandler(cfg Config, svc DepositService, position PositionFn) (http.Handler, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.PoolAddress == (common.Address{}) || cfg.TokenAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing pool or token address", ErrInvalidConfig)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: nil deposit service", ErrInvalidConfig)
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:      cfg,
		svc:      svc,
		position: position,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("POST /v1/deposits", h.handleDeposit)
	mux.HandleFunc("GET /v1/deposits/{attemptId}", h.handleAttempt)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("POST /v1/reset", h.handleReset)
	mux.HandleFunc("GET /v1/position", h.handlePosition)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg      Config
	svc      DepositService
	position PositionFn
	limiter  *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	minDeposit := "0"
	if h.cfg.MinDeposit != nil {
		minDeposit = h.cfg.MinDeposit.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       "v1",
		"chainId":       h.cfg.ChainID,
		"poolAddress":   h.cfg.PoolAddress.Hex(),
		"tokenAddress":  h.cfg.TokenAddress.Hex(),
		"tokenDecimals": h.cfg.TokenDecimals,
		"minDeposit":    minDeposit,
	})
}

type depositRequestBody struct {
	// Amount in the token's smallest unit, decimal string.
	Amount string `json:"amount,omitempty"`
	// AmountDecimal in whole tokens ("100", "0.5"); scaled by tokenDecimals.
	AmountDecimal string `json:"amountDecimal,omitempty"`
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[depositRequestBody](w, r)
	if !ok {
		return
	}

	amount, err := h.parseAmount(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_amount",
			"detail":  err.Error(),
		})
		return
	}

	rec, err := h.svc.Deposit(r.Context(), amount)
	if err != nil {
		h.writeDepositError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"attempt": renderRecord(rec),
	})
}

func (h *handler) parseAmount(body depositRequestBody) (*big.Int, error) {
	raw := strings.TrimSpace(body.Amount)
	dec := strings.TrimSpace(body.AmountDecimal)
	switch {
	case raw != "" && dec != "":
		return nil, errors.New("amount and amountDecimal are mutually exclusive")
	case raw != "":
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() <= 0 {
			return nil, fmt.Errorf("amount %q must be a positive integer", raw)
		}
		return v, nil
	case dec != "":
		return flow.ParseAmount(dec, h.cfg.TokenDecimals)
	default:
		return nil, errors.New("amount is required")
	}
}

func (h *handler) writeDepositError(w http.ResponseWriter, err error) {
	var submitErr *flow.SubmitError
	switch {
	case errors.Is(err, flow.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{
			"version": "v1",
			"error":   "deposit_in_progress",
		})
	case errors.Is(err, flow.ErrSuperseded):
		writeJSON(w, http.StatusConflict, map[string]any{
			"version": "v1",
			"error":   "operation_superseded",
		})
	case errors.Is(err, flow.ErrAllowanceVerification):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"version": "v1",
			"error":   "allowance_verification_failed",
		})
	case errors.Is(err, flow.ErrInvalidAmount), errors.Is(err, flow.ErrBelowMinimum):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_amount",
			"detail":  err.Error(),
		})
	case errors.Is(err, flow.ErrNoWallet):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "wallet_unavailable",
		})
	case errors.Is(err, flow.ErrPoolPaused):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "pool_paused",
		})
	case errors.As(err, &submitErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"version": "v1",
			"error":   "submission_failed",
			"op":      submitErr.Op,
			"detail":  submitErr.Err.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
	}
}

func (h *handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("attemptId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_attempt_id",
		})
		return
	}

	rec, err := h.svc.Attempt(r.Context(), id)
	if err != nil {
		if errors.Is(err, deposit.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":   "v1",
				"found":     false,
				"attemptId": id.Hex(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"found":   true,
		"attempt": renderRecord(rec),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Snapshot()

	resp := map[string]any{
		"version":     "v1",
		"step":        snap.Step.String(),
		"operationId": snap.OperationID,
	}
	if snap.RequestedAmount != nil {
		resp["requestedAmount"] = snap.RequestedAmount.String()
	}
	if snap.ApproveTxHash != (common.Hash{}) {
		resp["approveTxHash"] = snap.ApproveTxHash.Hex()
	}
	if snap.DepositTxHash != (common.Hash{}) {
		resp["depositTxHash"] = snap.DepositTxHash.Hex()
	}
	if snap.LastError != "" {
		resp["lastError"] = snap.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleReset(w http.ResponseWriter, _ *http.Request) {
	h.svc.Reset()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"reset":   true,
	})
}

func (h *handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	if h.position == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "position_unavailable",
		})
		return
	}

	balance, err := h.position(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"version": "v1",
			"error":   "position_read_failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"pool":    h.cfg.PoolAddress.Hex(),
		"balance": balance.String(),
	})
}

// renderRecord uses the queue payload shape so the HTTP and queue surfaces
// agree on field names.
func renderRecord(rec deposit.Record) any {
	payload, err := depositevent.BuildPayload(rec)
	if err != nil {
		return map[string]any{"attemptId": rec.Attempt.AttemptID.Hex()}
	}
	return payload
}

func parseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("invalid length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(b), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}
