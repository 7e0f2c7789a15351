package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/adherence"
	"github.com/pillpal/medledger/internal/domain/ledger"
)

const dateLayout = "2006-01-02"

// defaultAdherenceDays is the report window when no range is given
const defaultAdherenceDays = 7

// NextDoseResponse is the response of GET /therapies/{id}/next-dose
type NextDoseResponse struct {
	TherapyID   ledger.TherapyID `json:"therapy_id"`
	After       time.Time        `json:"after"`
	NextDose    *time.Time       `json:"next_dose"`
	Description string           `json:"description"`
}

// NextDose handles GET /therapies/{id}/next-dose?after=RFC3339
func (h *LedgerHandler) NextDose(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseTherapyID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	after := h.clock.Now()
	if raw := r.URL.Query().Get("after"); raw != "" {
		if after, err = time.Parse(time.RFC3339, raw); err != nil {
			jsonError(w, "after must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}

	t, err := h.provider.Therapy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := NextDoseResponse{TherapyID: id, After: after, Description: t.Describe()}
	if next, ok := t.NextDose(after, h.provider.Location()); ok {
		resp.NextDose = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// Adherence handles GET /therapies/{id}/adherence?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Without a range it reports the last week up to today.
func (h *LedgerHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseTherapyID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}
	loc := h.provider.Location()

	to := h.clock.Now().In(loc)
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.ParseInLocation(dateLayout, raw, loc); err != nil {
			jsonError(w, "to must be a date (YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
	}
	from := to.AddDate(0, 0, -(defaultAdherenceDays - 1))
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.ParseInLocation(dateLayout, raw, loc); err != nil {
			jsonError(w, "from must be a date (YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
	}

	t, err := h.provider.Therapy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := adherence.Report(r.Context(), h.history, t, from, to, loc)
	if err != nil {
		h.logger.Warn("adherence report failed", zap.String("therapy_id", id.String()), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Stock handles GET /medicines/{id}/stock
func (h *LedgerHandler) Stock(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseMedicineID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	level, err := adherence.Stock(r.Context(), h.history, h.provider, id, h.clock.Now(), h.provider.Location())
	if err != nil {
		h.logger.Warn("stock projection failed", zap.String("medicine_id", id.String()), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

// Events handles GET /medicines/{id}/events. A medicine without history
// returns an empty list.
func (h *LedgerHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.ParseMedicineID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
		return
	}

	events, err := h.history.ListByMedicine(r.Context(), id)
	if err != nil {
		h.logger.Error("list events failed", zap.String("medicine_id", id.String()), zap.Error(err))
		writeError(w, err)
		return
	}
	if events == nil {
		events = []ledger.DomainEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
