package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/kakeibo/internal/api/middleware"
	"github.com/dvloznov/kakeibo/internal/classifier"
	"github.com/dvloznov/kakeibo/internal/domain"
	"github.com/dvloznov/kakeibo/internal/fiscal"
	"github.com/dvloznov/kakeibo/internal/master"
	"github.com/dvloznov/kakeibo/internal/pipeline"
	"github.com/dvloznov/kakeibo/internal/report"
)

// LedgerHandler handles transactions, receipts, reports and the category
// master.
type LedgerHandler struct {
	svc       *pipeline.Service
	maxUpload int64
	log       zerolog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(svc *pipeline.Service, maxUpload int64, log zerolog.Logger) *LedgerHandler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &LedgerHandler{svc: svc, maxUpload: maxUpload, log: log}
}

// month reads the "month" query parameter, defaulting to the current fiscal
// month.
func (h *LedgerHandler) month(w http.ResponseWriter, r *http.Request) (string, bool) {
	month := strings.TrimSpace(r.URL.Query().Get("month"))
	if month == "" {
		return h.svc.CurrentMonth(), true
	}
	if _, _, err := fiscal.Range(month); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM")
		return "", false
	}
	return month, true
}

// ListTransactions handles GET /api/transactions?month=YYYY-MM
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	month, ok := h.month(w, r)
	if !ok {
		return
	}

	txs, err := h.svc.Transactions(r.Context(), month)
	if err != nil {
		h.log.Error().Err(err).Str("month", month).Msg("Failed to list transactions")
		writeErr(w, err, "Failed to list transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"month":        month,
		"transactions": txs,
		"count":        len(txs),
	})
}

// CreateTransaction handles POST /api/transactions (manual entry).
func (h *LedgerHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !tx.Date.IsValid() {
		middleware.WriteError(w, http.StatusBadRequest, "A valid date is required")
		return
	}
	if tx.Amount <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	saved, err := h.svc.AddManual(r.Context(), tx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to add transaction")
		writeErr(w, err, "Failed to add transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, saved)
}

// ListMonths handles GET /api/months
func (h *LedgerHandler) ListMonths(w http.ResponseWriter, r *http.Request) {
	months, err := h.svc.Months(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list months")
		writeErr(w, err, "Failed to list months")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"months": months,
		"count":  len(months),
	})
}

// GetReport handles GET /api/reports?month=YYYY-MM&by_member=true&all=true
func (h *LedgerHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	month, ok := h.month(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	byMember, _ := strconv.ParseBool(query.Get("by_member"))
	all, _ := strconv.ParseBool(query.Get("all"))

	summary, err := h.svc.Report(r.Context(), month, report.Options{ByMember: byMember, IncludeAll: all})
	if err != nil {
		h.log.Error().Err(err).Str("month", month).Msg("Failed to build report")
		writeErr(w, err, "Failed to build report")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summary)
}

// ClassifyReceipt handles POST /api/receipts/classify with a multipart
// "image" and optional "mode", "member" and "institution" fields.
func (h *LedgerHandler) ClassifyReceipt(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readReceipt(w, r)
	if !ok {
		return
	}

	draft, err := h.svc.DraftReceipt(r.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Str("filename", req.Filename).Msg("Receipt classification failed")
		writeErr(w, err, "Failed to classify receipt")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, draft)
}

// SaveReceipt handles POST /api/receipts with the same multipart form as
// ClassifyReceipt plus a "drafts" field holding the confirmed transactions
// as a JSON array.
func (h *LedgerHandler) SaveReceipt(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readReceipt(w, r)
	if !ok {
		return
	}

	var drafts []domain.Transaction
	if err := json.Unmarshal([]byte(r.FormValue("drafts")), &drafts); err != nil || len(drafts) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "drafts must be a non-empty JSON array")
		return
	}

	saved, err := h.svc.SaveReceipt(r.Context(), req, drafts)
	if err != nil {
		h.log.Error().Err(err).Int("saved", len(saved)).Msg("Failed to save receipt")
		writeErr(w, err, "Failed to save receipt")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"transactions": saved,
		"count":        len(saved),
	})
}

func (h *LedgerHandler) readReceipt(w http.ResponseWriter, r *http.Request) (pipeline.ReceiptRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return pipeline.ReceiptRequest{}, false
	}

	mode, err := classifier.ParseMode(r.FormValue("mode"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return pipeline.ReceiptRequest{}, false
	}

	f, fh, err := r.FormFile("image")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "image is required")
		return pipeline.ReceiptRequest{}, false
	}
	defer f.Close()
	image, err := io.ReadAll(f)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Failed to read image")
		return pipeline.ReceiptRequest{}, false
	}

	return pipeline.ReceiptRequest{
		Image:       image,
		MIMEType:    fh.Header.Get("Content-Type"),
		Filename:    fh.Filename,
		Mode:        mode,
		Member:      strings.TrimSpace(r.FormValue("member")),
		Institution: strings.TrimSpace(r.FormValue("institution")),
	}, true
}

// ListMaster handles GET /api/master
func (h *LedgerHandler) ListMaster(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.MasterEntries(r.Context())
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// AddMaster handles POST /api/master with {"entries": [...]}.
func (h *LedgerHandler) AddMaster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []master.Entry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	added, err := h.svc.Learn(r.Context(), req.Entries)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to update category master")
		writeErr(w, err, "Failed to update category master")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"added": added})
}

// BootstrapMaster handles POST /api/master/bootstrap
func (h *LedgerHandler) BootstrapMaster(w http.ResponseWriter, r *http.Request) {
	added, err := h.svc.Bootstrap(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to bootstrap category master")
		writeErr(w, err, "Failed to bootstrap category master")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"added": added})
}
