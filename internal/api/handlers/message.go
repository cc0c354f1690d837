// Package handlers provides HTTP handlers for the ingestion API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carewire/go-siu/internal/api/middleware"
	"github.com/carewire/go-siu/internal/domain/appointment"
	"github.com/carewire/go-siu/internal/hl7/siu"
	"github.com/carewire/go-siu/internal/ingest"
)

// Publisher queues raw messages for asynchronous processing.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// MessageHandler handles HL7 message ingestion endpoints
type MessageHandler struct {
	repo      *appointment.Repository
	parser    *siu.Parser
	publisher Publisher
	rawTopic  string
	logger    *zap.Logger
}

// NewMessageHandler creates a new handler. A nil publisher disables
// asynchronous ingestion.
func NewMessageHandler(repo *appointment.Repository, parser *siu.Parser, publisher Publisher, rawTopic string, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		repo:      repo,
		parser:    parser,
		publisher: publisher,
		rawTopic:  rawTopic,
		logger:    logger,
	}
}

// Routes returns the message ingestion routes
func (h *MessageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Ingest)
	r.Post("/batch", h.IngestBatch)
	return r
}

// AppointmentRoutes returns the read-side routes for stored appointments
func (h *MessageHandler) AppointmentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

// IngestResponse is the response for a parsed and stored message
type IngestResponse struct {
	IngestID    string                   `json:"ingest_id"`
	ControlID   string                   `json:"control_id,omitempty"`
	Appointment *appointment.Appointment `json:"appointment"`
	ReceivedAt  time.Time                `json:"received_at"`
}

// AcceptedResponse is the response for an asynchronously queued message
type AcceptedResponse struct {
	IngestID string `json:"ingest_id"`
	Status   string `json:"status"`
}

// BatchFailure reports one unparseable message in a batch, 1-based
type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResponse summarizes a multi-message ingest
type BatchResponse struct {
	Persisted int            `json:"persisted"`
	Failed    int            `json:"failed"`
	IngestIDs []string       `json:"ingest_ids,omitempty"`
	Failures  []BatchFailure `json:"failures,omitempty"`
}

// Ingest handles POST /messages. The body is one raw HL7 message; with
// ?async=true the message is queued instead of parsed inline.
func (h *MessageHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("message-handler")
	ctx, span := tracer.Start(ctx, "ingest_message")
	defer span.End()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		h.jsonError(w, "request body is empty", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueue(ctx, w, raw)
		return
	}

	result, err := h.parser.ParseMessage(string(raw))
	if err != nil {
		h.parseError(ctx, w, err)
		return
	}

	rec := appointment.NewRecord(result.Appointment,
		result.Header.ControlID,
		result.Header.SendingApplication,
		result.Header.SendingFacility)

	if err := h.repo.Save(ctx, rec); err != nil {
		if errors.Is(err, appointment.ErrDuplicateControlID) {
			h.jsonError(w, "message control ID already ingested", http.StatusConflict)
			return
		}
		h.logger.Error("save failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		h.jsonError(w, "failed to store appointment", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("ingest_id", rec.IngestID))
	h.logger.Info("message ingested",
		zap.String("ingest_id", rec.IngestID),
		zap.String("appointment_id", result.Appointment.AppointmentID),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.writeJSON(w, http.StatusCreated, IngestResponse{
		IngestID:    rec.IngestID,
		ControlID:   rec.ControlID,
		Appointment: rec.Appointment,
		ReceivedAt:  rec.ReceivedAt,
	})
}

// enqueue publishes the raw message for the ingest workers
func (h *MessageHandler) enqueue(ctx context.Context, w http.ResponseWriter, raw []byte) {
	if h.publisher == nil {
		h.jsonError(w, "asynchronous ingestion is not enabled", http.StatusServiceUnavailable)
		return
	}

	env := ingest.NewEnvelope(ingest.TransportHTTP, raw)
	data, err := env.Marshal()
	if err != nil {
		h.jsonError(w, "failed to queue message", http.StatusInternalServerError)
		return
	}

	if err := h.publisher.ProduceMessage(ctx, h.rawTopic, env.Key(), data); err != nil {
		h.logger.Error("enqueue failed",
			zap.Error(err),
			zap.String("ingest_id", env.IngestID))
		h.jsonError(w, "failed to queue message", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{
		IngestID: env.IngestID,
		Status:   "queued",
	})
}

// IngestBatch handles POST /messages/batch. The body holds one or more
// messages separated by MSH boundaries or blank lines. By default the
// whole batch is rejected on the first unparseable message; with
// ?continue=true valid messages are stored and failures reported.
func (h *MessageHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("message-handler")
	ctx, span := tracer.Start(ctx, "ingest_batch")
	defer span.End()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	messages := siu.SplitMessages(string(raw))
	if len(messages) == 0 {
		h.jsonError(w, "input contains no messages", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("message_count", len(messages)))

	continueOnError := r.URL.Query().Get("continue") == "true"

	var resp BatchResponse
	results := make([]*siu.Result, 0, len(messages))
	for i, msg := range messages {
		result, err := h.parser.ParseMessage(msg)
		if err != nil {
			if !continueOnError {
				h.batchAbort(ctx, w, i+1, err)
				return
			}
			resp.Failures = append(resp.Failures, BatchFailure{Index: i + 1, Error: err.Error()})
			results = append(results, nil)
			continue
		}
		results = append(results, result)
	}

	for i, result := range results {
		if result == nil {
			continue
		}
		rec := appointment.NewRecord(result.Appointment,
			result.Header.ControlID,
			result.Header.SendingApplication,
			result.Header.SendingFacility)

		if err := h.repo.Save(ctx, rec); err != nil {
			// Redeliveries are expected; a duplicate is recorded, not fatal.
			if errors.Is(err, appointment.ErrDuplicateControlID) {
				resp.Failures = append(resp.Failures, BatchFailure{
					Index: i + 1,
					Error: "message control ID already ingested",
				})
				continue
			}
			h.logger.Error("batch save failed",
				zap.Error(err),
				zap.String("request_id", middleware.GetRequestID(ctx)))
			h.jsonError(w, "failed to store appointment", http.StatusInternalServerError)
			return
		}
		resp.Persisted++
		resp.IngestIDs = append(resp.IngestIDs, rec.IngestID)
	}

	resp.Failed = len(resp.Failures)
	h.logger.Info("batch ingested",
		zap.Int("messages", len(messages)),
		zap.Int("persisted", resp.Persisted),
		zap.Int("failed", resp.Failed),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	h.writeJSON(w, http.StatusOK, resp)
}

// batchAbort rejects the whole batch at the first unparseable message
func (h *MessageHandler) batchAbort(ctx context.Context, w http.ResponseWriter, index int, err error) {
	var perr *siu.ParseError
	kind := ""
	if errors.As(err, &perr) {
		kind = string(perr.Kind)
	}

	h.logger.Warn("batch rejected",
		zap.Int("message_index", index),
		zap.String("kind", kind),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	body := errorBody(err)
	body["index"] = index
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.statusForParseError(err))
	json.NewEncoder(w).Encode(body)
}

// Get handles GET /appointments/{id}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := h.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrNotFound) {
			h.jsonError(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("lookup failed", zap.Error(err))
		h.jsonError(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, IngestResponse{
		IngestID:    rec.IngestID,
		ControlID:   rec.ControlID,
		Appointment: rec.Appointment,
		ReceivedAt:  rec.ReceivedAt,
	})
}

// List handles GET /appointments
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	recs, err := h.repo.List(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		h.jsonError(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]IngestResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, IngestResponse{
			IngestID:    rec.IngestID,
			ControlID:   rec.ControlID,
			Appointment: rec.Appointment,
			ReceivedAt:  rec.ReceivedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"appointments": items,
		"count":        len(items),
	})
}

// parseError maps the parse taxonomy onto HTTP statuses. Structurally
// broken input is a 400; recognizable HL7 that cannot become an
// appointment is a 422.
func (h *MessageHandler) parseError(ctx context.Context, w http.ResponseWriter, err error) {
	var perr *siu.ParseError
	if !errors.As(err, &perr) {
		h.jsonError(w, "failed to parse message", http.StatusBadRequest)
		return
	}

	h.logger.Warn("message rejected",
		zap.String("kind", string(perr.Kind)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.statusForParseError(err))
	json.NewEncoder(w).Encode(errorBody(err))
}

// errorBody builds the structured error payload for a parse failure,
// including the taxonomy fields when the error carries them.
func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{"error": err.Error()}
	var perr *siu.ParseError
	if !errors.As(err, &perr) {
		return body
	}
	body["kind"] = string(perr.Kind)
	if perr.Segment != "" {
		body["segment"] = perr.Segment
	}
	if perr.Expected != "" {
		body["expected"] = perr.Expected
	}
	if perr.Actual != "" {
		body["actual"] = perr.Actual
	}
	return body
}

func (h *MessageHandler) statusForParseError(err error) int {
	var perr *siu.ParseError
	if errors.As(err, &perr) && perr.Kind != siu.KindInvalidFormat {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func (h *MessageHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *MessageHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
