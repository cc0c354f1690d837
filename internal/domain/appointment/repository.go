package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carewire/go-siu/internal/infrastructure/postgres"
)

// Repository errors callers branch on.
var (
	// ErrNotFound reports a lookup for an appointment that was never stored.
	ErrNotFound = errors.New("appointment not found")
	// ErrDuplicateControlID reports a message whose MSH control ID was
	// already ingested. Redeliveries from interface engines hit this path.
	ErrDuplicateControlID = errors.New("message control ID already ingested")
)

// Config holds repository configuration.
type Config struct {
	// EventTopic is the Kafka topic outbox entries are addressed to.
	EventTopic string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EventTopic: "appointment.scheduled",
	}
}

// Repository persists appointment records and their outbox events.
type Repository struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultConfig().EventTopic
	}
	return &Repository{pool: pool, config: cfg, logger: logger}
}

// Save stores a record and writes its AppointmentScheduled event to the
// outbox in the same transaction, so the event is published if and only if
// the appointment landed. A record whose control ID was seen before returns
// ErrDuplicateControlID and writes nothing.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	if rec.Appointment == nil {
		return fmt.Errorf("record has no appointment")
	}
	if err := rec.Appointment.Validate(); err != nil {
		return fmt.Errorf("invalid appointment: %w", err)
	}

	payload, err := json.Marshal(rec.Appointment)
	if err != nil {
		return fmt.Errorf("marshal appointment: %w", err)
	}

	scheduledAt, err := time.Parse(time.RFC3339, rec.Appointment.AppointmentDateTime)
	if err != nil {
		return fmt.Errorf("parse appointment datetime: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO appointments
		(ingest_id, appointment_id, scheduled_at, control_id, sending_application, sending_facility, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (control_id) DO NOTHING
	`
	ct, err := tx.Exec(ctx, insert,
		rec.IngestID,
		rec.Appointment.AppointmentID,
		scheduledAt,
		nullable(rec.ControlID),
		rec.SendingApplication,
		rec.SendingFacility,
		payload,
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicateControlID
	}

	if err := r.writeOutboxEvent(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("appointment stored",
		zap.String("ingest_id", rec.IngestID),
		zap.String("appointment_id", rec.Appointment.AppointmentID))
	return nil
}

// writeOutboxEvent queues the AppointmentScheduled event for the relay.
// Inserting inside the caller's transaction is what makes the publish
// atomic with the domain write.
func (r *Repository) writeOutboxEvent(ctx context.Context, tx pgx.Tx, rec *Record) error {
	event, err := NewEvent(rec.IngestID, EventAppointmentScheduled, &ScheduledData{
		IngestID:           rec.IngestID,
		ControlID:          rec.ControlID,
		SendingApplication: rec.SendingApplication,
		SendingFacility:    rec.SendingFacility,
		Appointment:        rec.Appointment,
		ReceivedAt:         rec.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}

	envelope, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   rec.IngestID,
		AggregateType: "Appointment",
		EventType:     string(event.EventType),
		Payload:       envelope,
		KafkaTopic:    r.config.EventTopic,
		KafkaKey:      rec.Appointment.AppointmentID,
	})
}

// Get retrieves a record by its ingest ID.
func (r *Repository) Get(ctx context.Context, ingestID string) (*Record, error) {
	query := `
		SELECT ingest_id, appointment_id, control_id, sending_application, sending_facility, payload, received_at
		FROM appointments
		WHERE ingest_id = $1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, ingestID))
}

// GetByControlID retrieves a record by its MSH control ID.
func (r *Repository) GetByControlID(ctx context.Context, controlID string) (*Record, error) {
	query := `
		SELECT ingest_id, appointment_id, control_id, sending_application, sending_facility, payload, received_at
		FROM appointments
		WHERE control_id = $1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, controlID))
}

// List returns stored records newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ingest_id, appointment_id, control_id, sending_application, sending_facility, payload, received_at
		FROM appointments
		ORDER BY received_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanOne(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		apptID    string
		controlID *string
		payload   []byte
	)

	err := row.Scan(&rec.IngestID, &apptID, &controlID, &rec.SendingApplication,
		&rec.SendingFacility, &payload, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}

	if controlID != nil {
		rec.ControlID = *controlID
	}

	var appt Appointment
	if err := json.Unmarshal(payload, &appt); err != nil {
		return nil, fmt.Errorf("unmarshal appointment %s: %w", rec.IngestID, err)
	}
	rec.Appointment = &appt

	return rec, nil
}

// nullable maps the empty string to NULL so messages without a control ID
// do not collide on the unique index.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
