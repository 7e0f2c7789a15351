// Package handlers provides HTTP handlers for the ledger API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/api/middleware"
	"github.com/pillpal/medledger/internal/commands"
	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/therapy"
	"github.com/pillpal/medledger/pkg/idempotency"
)

// LedgerHandler serves ledger commands and the schedule, adherence and stock
// queries built on the ledger history
type LedgerHandler struct {
	exec     commands.Executor
	history  ledger.HistoryReader
	provider therapy.Provider
	clock    ledger.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewLedgerHandler creates a handler. A nil clock uses the system clock.
func NewLedgerHandler(exec commands.Executor, history ledger.HistoryReader, provider therapy.Provider, clock ledger.Clock, logger *zap.Logger) *LedgerHandler {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		exec:     exec,
		history:  history,
		provider: provider,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("ledger-handler"),
	}
}

// Routes returns the handler routes, mounted under /api/v1
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/intakes", h.command(commands.KindRecordIntake))
	r.Post("/purchases", h.command(commands.KindRecordPurchase))
	r.Post("/prescriptions/requests", h.command(commands.KindRequestPrescription))
	r.Post("/prescriptions/receipts", h.command(commands.KindRecordPrescriptionReceived))
	r.Post("/stock-adjustments", h.command(commands.KindAdjustStock))
	r.Post("/undo", h.command(commands.KindUndo))

	r.Get("/therapies/{id}/next-dose", h.NextDose)
	r.Get("/therapies/{id}/adherence", h.Adherence)
	r.Get("/medicines/{id}/stock", h.Stock)
	r.Get("/medicines/{id}/events", h.Events)
	return r
}

// CommandRequest is the body of every command endpoint. The command kind is
// taken from the route. An intake without an operation ID but with a therapy
// and ScheduledAt gets the operation ID derived from that dose slot.
type CommandRequest struct {
	commands.Command
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *LedgerHandler) command(kind commands.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "api."+string(kind))
		defer span.End()

		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		cmd := req.Command
		cmd.Kind = kind
		if kind == commands.KindRecordIntake && cmd.OperationID.IsZero() && cmd.TherapyID != nil && req.ScheduledAt != nil {
			cmd.OperationID = ledger.OperationID(idempotency.DoseOperationID(
				uuid.UUID(cmd.MedicineID), uuid.UUID(*cmd.TherapyID), *req.ScheduledAt))
		}
		span.SetAttributes(
			attribute.String("operation_id", cmd.OperationID.String()),
			attribute.String("medicine_id", cmd.MedicineID.String()))

		res, err := cmd.Execute(ctx, h.exec)
		if err != nil {
			h.logger.Warn("command failed",
				zap.String("command", string(kind)),
				zap.String("operation_id", cmd.OperationID.String()),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			writeError(w, err)
			return
		}

		h.logger.Info("command applied",
			zap.String("command", string(kind)),
			zap.String("operation_id", res.OperationID.String()),
			zap.String("event_id", res.EventID.String()),
			zap.Bool("was_duplicate", res.WasDuplicate),
			zap.String("request_id", middleware.GetRequestID(ctx)))

		status := http.StatusCreated
		if res.WasDuplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

// statusFor maps the ledger error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrSaveFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	jsonError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
