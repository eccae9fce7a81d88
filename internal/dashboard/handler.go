// Package dashboard serves the Solver Vault page and its JSON API.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/solver-vault/internal/activity"
	"github.com/juno-intents/solver-vault/internal/balance"
	"github.com/juno-intents/solver-vault/internal/blobstore"
	"github.com/juno-intents/solver-vault/internal/depositform"
	"github.com/juno-intents/solver-vault/internal/journal"
	"github.com/juno-intents/solver-vault/internal/vaultconfig"
	"github.com/juno-intents/solver-vault/internal/wallet"
)

const DefaultBridgeURL = "https://intents-framework-ui.vercel.app"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var ErrInvalidConfig = errors.New("dashboard: invalid config")

type Wallet interface {
	State() wallet.State
	Connect(ctx context.Context) error
	Disconnect()
}

type Form interface {
	State() depositform.State
	SetAmount(v string) bool
	SelectChain(ctx context.Context, chainID uint64) error
	SelectToken(addr common.Address) error
	Submit(ctx context.Context) depositform.State
}

type Balances interface {
	Refresh(ctx context.Context) balance.Snapshot
}

type DepositReader interface {
	Get(ctx context.Context, txHash common.Hash) (journal.Record, error)
	ListByAccount(ctx context.Context, account common.Address, limit int) ([]journal.Record, error)
}

// ReceiptReader reads archived deposit receipts.
type ReceiptReader interface {
	Get(ctx context.Context, key string) (blobstore.Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Config struct {
	VaultAddress common.Address
	BridgeURL    string

	// RefreshInterval is the page auto-refresh period while a deposit is loading.
	RefreshInterval time.Duration

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
	Log *slog.Logger
}

type handler struct {
	cfg Config

	wallet   Wallet
	form     Form
	balances Balances
	deposits DepositReader
	receipts ReceiptReader
	limiter  *ipRateLimiter
}

// NewHandler builds the dashboard. deposits and receipts may be nil when no
// journal or receipt archive is configured.
func NewHandler(cfg Config, w Wallet, f Form, b Balances, deposits DepositReader, receipts ReceiptReader) (http.Handler, error) {
	if w == nil || f == nil || b == nil {
		return nil, fmt.Errorf("%w: nil wallet, form or balances", ErrInvalidConfig)
	}
	if cfg.VaultAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing vault address", ErrInvalidConfig)
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Second
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
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	h := &handler{
		cfg:      cfg,
		wallet:   w,
		form:     f,
		balances: b,
		deposits: deposits,
		receipts: receipts,
		limiter:  newIPRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("GET /v1/state", h.handleState)
	mux.HandleFunc("POST /v1/wallet/connect", h.handleConnect)
	mux.HandleFunc("POST /v1/wallet/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /v1/form", h.handleForm)
	mux.HandleFunc("POST /v1/deposit", h.handleDeposit)
	mux.HandleFunc("GET /v1/deposits", h.handleListDeposits)
	mux.HandleFunc("GET /v1/deposits/{txHash}", h.handleDepositStatus)
	mux.HandleFunc("GET /v1/deposits/{txHash}/receipt", h.handleDepositReceipt)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		allowed := h.limiter.Allow(clientIP(r), h.cfg.Now().UTC())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type chainJSON struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type tokenJSON struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	IsNative bool   `json:"isNative"`
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	chains := make([]chainJSON, 0, len(vaultconfig.Chains()))
	for _, c := range vaultconfig.Chains() {
		chains = append(chains, chainJSON{ID: c.ID, Name: c.Name})
	}
	networks := make([]chainJSON, 0, len(vaultconfig.WalletNetworks()))
	for _, n := range vaultconfig.WalletNetworks() {
		networks = append(networks, chainJSON{ID: n.ID, Name: n.Name})
	}
	tokens := make([]tokenJSON, 0, len(vaultconfig.Tokens()))
	for _, t := range vaultconfig.Tokens() {
		tokens = append(tokens, tokenJSON{Symbol: t.Symbol, Address: t.Address.Hex(), Decimals: t.Decimals, IsNative: t.IsNative})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"vaultAddress":   h.cfg.VaultAddress.Hex(),
		"defaultChainId": vaultconfig.DefaultChainID,
		"chains":         chains,
		"walletNetworks": networks,
		"tokens":         tokens,
		"bridgeUrl":      h.cfg.BridgeURL,
	})
}

type walletJSON struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	ChainID   uint64 `json:"chainId"`
}

type formJSON struct {
	ChainID uint64 `json:"chainId"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

type balanceJSON struct {
	Connected   bool   `json:"connected"`
	UserBalance string `json:"userBalance"`
	TotalAssets string `json:"totalAssets"`
}

func toWalletJSON(st wallet.State) walletJSON {
	out := walletJSON{Connected: st.Connected, ChainID: st.ChainID}
	if st.Connected {
		out.Address = st.Address.Hex()
	}
	return out
}

func toFormJSON(st depositform.State) formJSON {
	out := formJSON{
		ChainID: st.ChainID,
		Token:   st.Token.Hex(),
		Amount:  st.Amount,
		Status:  string(st.Status),
		Error:   st.Error,
	}
	if st.TxHash != (common.Hash{}) {
		out.TxHash = st.TxHash.Hex()
	}
	return out
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	snap := h.balances.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"wallet":  toWalletJSON(h.wallet.State()),
		"form":    toFormJSON(h.form.State()),
		"balance": balanceJSON{Connected: snap.Connected, UserBalance: snap.UserBalance, TotalAssets: snap.TotalAssets},
	})
}

func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.wallet.Connect(r.Context()); err != nil {
		h.cfg.Log.Error("wallet connect failed", "err", err)
		if !wantsJSON(r) {
			redirectHome(w, r)
			return
		}
		writeError(w, http.StatusBadGateway, "wallet_connect_failed")
		return
	}
	h.respondWallet(w, r)
}

func (h *handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.wallet.Disconnect()
	h.respondWallet(w, r)
}

func (h *handler) respondWallet(w http.ResponseWriter, r *http.Request) {
	if !wantsJSON(r) {
		redirectHome(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"wallet":  toWalletJSON(h.wallet.State()),
	})
}

type formRequestBody struct {
	ChainID *uint64 `json:"chainId"`
	Token   *string `json:"token"`
	Amount  *string `json:"amount"`
}

func (h *handler) handleForm(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readFormBody(w, r)
	if !ok {
		return
	}
	if code := h.applyForm(r.Context(), body); code != "" && wantsJSON(r) {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if !wantsJSON(r) {
		redirectHome(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"form":    toFormJSON(h.form.State()),
	})
}

// handleDeposit applies any submitted field values, then submits the form.
func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readFormBody(w, r)
	if !ok {
		return
	}
	if code := h.applyForm(r.Context(), body); code != "" && wantsJSON(r) {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	st := h.form.Submit(r.Context())
	if !wantsJSON(r) {
		redirectHome(w, r)
		return
	}
	status := http.StatusOK
	if st.Status == depositform.StatusLoading {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"version": "v1",
		"form":    toFormJSON(st),
	})
}

// readFormBody accepts a JSON body or an urlencoded form.
func (h *handler) readFormBody(w http.ResponseWriter, r *http.Request) (formRequestBody, bool) {
	if wantsJSON(r) {
		if r.ContentLength == 0 {
			return formRequestBody{}, true
		}
		return decodeJSONBody[formRequestBody](w, r)
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form")
		return formRequestBody{}, false
	}
	var body formRequestBody
	if v, ok := r.PostForm["chainId"]; ok && len(v) > 0 {
		id, err := strconv.ParseUint(strings.TrimSpace(v[0]), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_chain")
			return formRequestBody{}, false
		}
		body.ChainID = &id
	}
	if v, ok := r.PostForm["token"]; ok && len(v) > 0 {
		body.Token = &v[0]
	}
	if v, ok := r.PostForm["amount"]; ok && len(v) > 0 {
		body.Amount = &v[0]
	}
	return body, true
}

// applyForm updates the form and returns an error code for the first rejected
// field. Valid fields are applied even when a later one is rejected.
func (h *handler) applyForm(ctx context.Context, body formRequestBody) string {
	code := ""
	if body.ChainID != nil && *body.ChainID != h.form.State().ChainID {
		if err := h.form.SelectChain(ctx, *body.ChainID); err != nil {
			code = "invalid_chain"
		}
	}
	if body.Token != nil {
		t := strings.TrimSpace(*body.Token)
		if !common.IsHexAddress(t) {
			code = firstCode(code, "invalid_token")
		} else if err := h.form.SelectToken(common.HexToAddress(t)); err != nil {
			code = firstCode(code, "invalid_token")
		}
	}
	if body.Amount != nil && !h.form.SetAmount(*body.Amount) {
		code = firstCode(code, "invalid_amount")
	}
	return code
}

func firstCode(cur, next string) string {
	if cur != "" {
		return cur
	}
	return next
}

func (h *handler) handleDepositStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookupDeposit(w, r)
	if !ok {
		return
	}
	out := depositJSON(rec)
	out["version"] = "v1"
	if h.receipts != nil && rec.State == journal.StateConfirmed {
		archived, err := h.receipts.Exists(r.Context(), activity.ReceiptKey(rec.ChainID, rec.TxHash))
		if err != nil {
			h.cfg.Log.Warn("receipt lookup failed", "txHash", rec.TxHash, "err", err)
		}
		out["receiptArchived"] = archived
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDepositReceipt serves the archived receipt JSON of a deposit.
func (h *handler) handleDepositReceipt(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookupDeposit(w, r)
	if !ok {
		return
	}
	if h.receipts == nil {
		writeError(w, http.StatusNotFound, "receipt_not_found")
		return
	}
	obj, err := h.receipts.Get(r.Context(), activity.ReceiptKey(rec.ChainID, rec.TxHash))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receipt_not_found")
			return
		}
		h.cfg.Log.Error("receipt read failed", "txHash", rec.TxHash, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	ct := obj.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

// handleListDeposits lists an account's deposits, newest first.
func (h *handler) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := strings.TrimSpace(q.Get("account"))
	if !common.IsHexAddress(account) {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return
	}
	limit := defaultListLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	items := make([]map[string]any, 0)
	if h.deposits != nil {
		recs, err := h.deposits.ListByAccount(r.Context(), common.HexToAddress(account), limit)
		if err != nil {
			h.cfg.Log.Error("deposit list failed", "account", account, "err", err)
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		for _, rec := range recs {
			items = append(items, depositJSON(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"account":  common.HexToAddress(account).Hex(),
		"deposits": items,
	})
}

// lookupDeposit resolves the {txHash} path value against the journal and
// writes the error response when it cannot.
func (h *handler) lookupDeposit(w http.ResponseWriter, r *http.Request) (journal.Record, bool) {
	raw := strings.TrimSpace(r.PathValue("txHash"))
	hashHex := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(hashHex) != 64 || !isHex(hashHex) {
		writeError(w, http.StatusBadRequest, "invalid_tx_hash")
		return journal.Record{}, false
	}
	if h.deposits == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return journal.Record{}, false
	}

	rec, err := h.deposits.Get(r.Context(), common.HexToHash(hashHex))
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return journal.Record{}, false
		}
		h.cfg.Log.Error("deposit lookup failed", "txHash", raw, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return journal.Record{}, false
	}
	return rec, true
}

func depositJSON(rec journal.Record) map[string]any {
	out := map[string]any{
		"txHash":      rec.TxHash.Hex(),
		"chainId":     rec.ChainID,
		"account":     rec.Account.Hex(),
		"token":       rec.Token.Hex(),
		"symbol":      rec.Symbol,
		"amount":      rec.Amount,
		"assets":      "0",
		"state":       rec.State.String(),
		"submittedAt": rec.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if rec.Assets != nil {
		out["assets"] = rec.Assets.String()
	}
	if rec.BlockNumber > 0 {
		out["blockNumber"] = rec.BlockNumber
	}
	if rec.FailReason != "" {
		out["reason"] = rec.FailReason
	}
	return out
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func wantsJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return strings.Contains(r.Header.Get("Accept"), "application/json")
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
