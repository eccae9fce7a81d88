package dashboard

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/solver-vault/internal/depositform"
	"github.com/juno-intents/solver-vault/internal/vaultconfig"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var pageTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html.tmpl"))

type navItem struct {
	Label    string
	Href     string
	Active   bool
	External bool
}

type option struct {
	Value    string
	Label    string
	Selected bool
}

type pageData struct {
	Title          string
	Nav            []navItem
	RefreshSeconds int

	Connected    bool
	ShortAddress string

	Chains  []option
	Tokens  []option
	Amount  string
	Pattern string

	Loading bool
	Error   string
	Success bool

	UserBalance string
	TotalAssets string
}

func navItems(path, bridgeURL string) []navItem {
	items := []navItem{
		{Label: "Home", Href: "/"},
		{Label: "Bridge", Href: bridgeURL},
	}
	for i := range items {
		items[i].Active = items[i].Href == path
		items[i].External = strings.HasPrefix(items[i].Href, "https://")
	}
	return items
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(addr common.Address) string {
	s := addr.Hex()
	return s[:6] + "..." + s[len(s)-4:]
}

func (h *handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	ws := h.wallet.State()
	fs := h.form.State()
	snap := h.balances.Refresh(r.Context())

	data := pageData{
		Title:       "Solver Vault",
		Nav:         navItems(r.URL.Path, h.cfg.BridgeURL),
		Connected:   ws.Connected,
		Amount:      fs.Amount,
		Pattern:     `^\d*\.?\d*$`,
		Loading:     fs.Status == depositform.StatusLoading,
		Success:     fs.Status == depositform.StatusSuccess,
		UserBalance: snap.UserBalance,
		TotalAssets: snap.TotalAssets,
	}
	if fs.Status == depositform.StatusError {
		data.Error = fs.Error
	}
	if ws.Connected {
		data.ShortAddress = ShortAddress(ws.Address)
	}
	if data.Loading {
		data.RefreshSeconds = max(1, int(h.cfg.RefreshInterval.Seconds()))
	}
	for _, c := range vaultconfig.Chains() {
		data.Chains = append(data.Chains, option{
			Value:    strconv.FormatUint(c.ID, 10),
			Label:    c.Name,
			Selected: c.ID == fs.ChainID,
		})
	}
	for _, t := range vaultconfig.Tokens() {
		data.Tokens = append(data.Tokens, option{
			Value:    t.Address.Hex(),
			Label:    t.Symbol,
			Selected: t.Address == fs.Token,
		})
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		h.cfg.Log.Error("render page failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
