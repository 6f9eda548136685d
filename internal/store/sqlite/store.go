// Package sqlite is a single-file store for clinics running one instance.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
)

// Extended result codes from sqlite3.h.
const (
	constraintForeignKey = 787
	constraintPrimaryKey = 1555
	constraintUnique     = 2067
)

const dateLayout = "2006-01-02"

const entryColumns = `
	entry_id, clinic_id, appointment_id, animal_id, queue_number, queue_date, status, priority,
	check_in_time, started_time, completed_time, assigned_provider_id, assigned_room,
	estimated_duration_minutes, estimated_start_time, notes`

// Store keeps one connection open. Every unit of work holds it for its
// whole duration, which serializes queue number allocation.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "queue.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&repository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	_ = s.db.Close()
}

type repository struct {
	tx *sql.Tx
}

func (r *repository) InsertEntry(ctx context.Context, entry models.QueueEntry) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`, priority_rank)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, entry.ID, entry.ClinicID, nullString(entry.AppointmentID), entry.AnimalID, entry.QueueNumber,
		formatDate(entry.QueueDate), string(entry.Status), string(entry.Priority), formatTime(entry.CheckInTime),
		nullTime(entry.StartedTime), nullTime(entry.CompletedTime), nullString(entry.AssignedProviderID),
		nullString(entry.AssignedRoom), entry.EstimatedDurationMinutes, formatTime(entry.EstimatedStartTime),
		entry.Notes, entry.Priority.Rank())
	return mapWriteError(err, store.ErrDuplicateEntry)
}

func (r *repository) GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = ? AND clinic_id = ?
	`, entryID, clinicID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, err
}

// GetEntryForUpdate needs no row lock: the store runs one transaction at a
// time on its single connection.
func (r *repository) GetEntryForUpdate(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	return r.GetEntry(ctx, clinicID, entryID)
}

func (r *repository) UpdateEntry(ctx context.Context, entry models.QueueEntry) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, priority = ?, priority_rank = ?, started_time = ?, completed_time = ?,
			assigned_provider_id = ?, assigned_room = ?, notes = ?
		WHERE entry_id = ?
	`, string(entry.Status), string(entry.Priority), entry.Priority.Rank(), nullTime(entry.StartedTime),
		nullTime(entry.CompletedTime), nullString(entry.AssignedProviderID), nullString(entry.AssignedRoom),
		entry.Notes, entry.ID)
	if err != nil {
		return mapWriteError(err, store.ErrDuplicateEntry)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (r *repository) ListEntries(ctx context.Context, clinicID string, date time.Time) ([]models.QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = ? AND queue_date = ?
		ORDER BY queue_number ASC
	`, clinicID, formatDate(date))
}

func (r *repository) ListEntriesByStatus(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) ([]models.QueueEntry, error) {
	placeholders, args := statusArgs(statuses)
	return r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = ? AND queue_date = ? AND status IN (`+placeholders+`)
		ORDER BY priority_rank DESC, queue_number ASC
	`, append([]any{clinicID, formatDate(date)}, args...)...)
}

func (r *repository) FindEntryByAnimal(ctx context.Context, animalID string, date time.Time, statuses []models.QueueStatus) (models.QueueEntry, bool, error) {
	placeholders, args := statusArgs(statuses)
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE animal_id = ? AND queue_date = ? AND status IN (`+placeholders+`)
		ORDER BY queue_number ASC
		LIMIT 1
	`, append([]any{animalID, formatDate(date)}, args...)...)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (r *repository) ListEntriesByProvider(ctx context.Context, clinicID, providerID string, date time.Time, status models.QueueStatus) ([]models.QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = ? AND assigned_provider_id = ? AND queue_date = ? AND status = ?
		ORDER BY queue_number ASC
	`, clinicID, providerID, formatDate(date), string(status))
}

func (r *repository) NextQueueNumber(ctx context.Context, clinicID string, date time.Time) (int, error) {
	var next int
	row := r.tx.QueryRowContext(ctx, `
		INSERT INTO queue_sequences (clinic_id, queue_date, next_number)
		VALUES (?, ?, 1)
		ON CONFLICT (clinic_id, queue_date)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, clinicID, formatDate(date))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repository) CountEntries(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) (int, error) {
	placeholders, args := statusArgs(statuses)
	var count int
	row := r.tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM queue_entries
		WHERE clinic_id = ? AND queue_date = ? AND status IN (`+placeholders+`)
	`, append([]any{clinicID, formatDate(date)}, args...)...)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) queryEntries(ctx context.Context, query string, args ...any) ([]models.QueueEntry, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (models.QueueEntry, error) {
	var (
		entry                              models.QueueEntry
		appointmentID, providerID, room    sql.NullString
		queueDate, checkIn, estimatedStart string
		started, completed                 sql.NullString
		status, priority                   string
	)
	err := row.Scan(&entry.ID, &entry.ClinicID, &appointmentID, &entry.AnimalID, &entry.QueueNumber,
		&queueDate, &status, &priority, &checkIn, &started, &completed, &providerID, &room,
		&entry.EstimatedDurationMinutes, &estimatedStart, &entry.Notes)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = models.QueueStatus(status)
	entry.Priority = models.Priority(priority)
	entry.AppointmentID = stringPtr(appointmentID)
	entry.AssignedProviderID = stringPtr(providerID)
	entry.AssignedRoom = stringPtr(room)
	if entry.QueueDate, err = time.Parse(dateLayout, queueDate); err != nil {
		return models.QueueEntry{}, err
	}
	if entry.CheckInTime, err = parseTime(checkIn); err != nil {
		return models.QueueEntry{}, err
	}
	if entry.EstimatedStartTime, err = parseTime(estimatedStart); err != nil {
		return models.QueueEntry{}, err
	}
	if entry.StartedTime, err = parseNullTime(started); err != nil {
		return models.QueueEntry{}, err
	}
	if entry.CompletedTime, err = parseNullTime(completed); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (r *repository) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	var (
		appointment             models.Appointment
		dateTime, status, kind  string
		checkIn, estimatedStart sql.NullString
		queueNumber             sql.NullInt64
	)
	row := r.tx.QueryRowContext(ctx, `
		SELECT appointment_id, clinic_id, animal_id, date_time, subject, status, appointment_type,
			check_in_time, queue_number, estimated_start_time, notes
		FROM appointments
		WHERE appointment_id = ?
	`, appointmentID)
	err := row.Scan(&appointment.ID, &appointment.ClinicID, &appointment.AnimalID, &dateTime, &appointment.Subject,
		&status, &kind, &checkIn, &queueNumber, &estimatedStart, &appointment.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if err != nil {
		return models.Appointment{}, err
	}
	appointment.Status = models.AppointmentStatus(status)
	appointment.AppointmentType = models.AppointmentType(kind)
	if queueNumber.Valid {
		number := int(queueNumber.Int64)
		appointment.QueueNumber = &number
	}
	if appointment.DateTime, err = parseTime(dateTime); err != nil {
		return models.Appointment{}, err
	}
	if appointment.CheckInTime, err = parseNullTime(checkIn); err != nil {
		return models.Appointment{}, err
	}
	if appointment.EstimatedStartTime, err = parseNullTime(estimatedStart); err != nil {
		return models.Appointment{}, err
	}
	return appointment, nil
}

func (r *repository) CreateAppointment(ctx context.Context, appointment models.Appointment) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO appointments (
			appointment_id, clinic_id, animal_id, date_time, subject, status, appointment_type,
			check_in_time, queue_number, estimated_start_time, notes
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, appointment.ID, appointment.ClinicID, appointment.AnimalID, formatTime(appointment.DateTime),
		appointment.Subject, string(appointment.Status), string(appointment.AppointmentType),
		nullTime(appointment.CheckInTime), nullInt(appointment.QueueNumber), nullTime(appointment.EstimatedStartTime),
		appointment.Notes)
	return err
}

func (r *repository) UpdateAppointment(ctx context.Context, appointment models.Appointment) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE appointments
		SET status = ?, check_in_time = ?, queue_number = ?, estimated_start_time = ?, notes = ?
		WHERE appointment_id = ?
	`, string(appointment.Status), nullTime(appointment.CheckInTime), nullInt(appointment.QueueNumber),
		nullTime(appointment.EstimatedStartTime), appointment.Notes, appointment.ID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrAppointmentNotFound
	}
	return nil
}

func (r *repository) GetClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	var clinic models.Clinic
	row := r.tx.QueryRowContext(ctx, `SELECT clinic_id, name, timezone FROM clinics WHERE clinic_id = ?`, clinicID)
	if err := row.Scan(&clinic.ClinicID, &clinic.Name, &clinic.Timezone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	return clinic, nil
}

func (r *repository) GetAnimal(ctx context.Context, animalID string) (models.Animal, error) {
	var (
		animal                                          models.Animal
		ownerClinicID, clinicID, clinicName, clinicZone sql.NullString
	)
	row := r.tx.QueryRowContext(ctx, `
		SELECT a.animal_id, a.name, a.species, o.owner_id, o.name, o.clinic_id, c.clinic_id, c.name, c.timezone
		FROM animals a
		JOIN owners o ON o.owner_id = a.owner_id
		LEFT JOIN clinics c ON c.clinic_id = o.clinic_id
		WHERE a.animal_id = ?
	`, animalID)
	err := row.Scan(&animal.AnimalID, &animal.Name, &animal.Species, &animal.Owner.OwnerID, &animal.Owner.Name,
		&ownerClinicID, &clinicID, &clinicName, &clinicZone)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Animal{}, store.ErrAnimalNotFound
	}
	if err != nil {
		return models.Animal{}, err
	}
	animal.Owner.ClinicID = stringPtr(ownerClinicID)
	if clinicID.Valid {
		animal.Clinic = &models.Clinic{ClinicID: clinicID.String, Name: clinicName.String, Timezone: clinicZone.String}
	}
	return animal, nil
}

func (r *repository) SaveClinic(ctx context.Context, clinic models.Clinic) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO clinics (clinic_id, name, timezone)
		VALUES (?, ?, ?)
		ON CONFLICT (clinic_id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone
	`, clinic.ClinicID, clinic.Name, clinic.Timezone)
	return err
}

func (r *repository) SaveOwner(ctx context.Context, owner models.Owner) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO owners (owner_id, name, clinic_id)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET name = excluded.name, clinic_id = excluded.clinic_id
	`, owner.OwnerID, owner.Name, nullString(owner.ClinicID))
	return mapWriteError(err, store.ErrClinicNotFound)
}

func (r *repository) SaveAnimal(ctx context.Context, animal models.Animal) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO animals (animal_id, owner_id, name, species)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (animal_id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name, species = excluded.species
	`, animal.AnimalID, animal.Owner.OwnerID, animal.Name, animal.Species)
	return mapWriteError(err, store.ErrOwnerNotFound)
}

func (r *repository) AppendEntryEvent(ctx context.Context, entryID, eventType string, payload []byte, createdAt time.Time) (store.EntryEvent, error) {
	var last store.EntryEvent
	var prev *store.EntryEvent
	row := r.tx.QueryRowContext(ctx, `
		SELECT entry_seq, hash
		FROM queue_entry_events
		WHERE entry_id = ?
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entryID)
	err := row.Scan(&last.EntrySeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, sql.ErrNoRows):
		return store.EntryEvent{}, err
	}

	event := store.ChainEntryEvent(prev, entryID, eventType, payload, createdAt)
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO queue_entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.EntryID, event.EntrySeq, event.Type, []byte(event.Payload), formatTime(event.CreatedAt), event.PrevHash, event.Hash)
	if err != nil {
		return store.EntryEvent{}, err
	}
	return event, nil
}

func (r *repository) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE entry_id = ?
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload []byte
		var createdAt string
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func mapWriteError(err error, sentinel error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case constraintUnique, constraintPrimaryKey, constraintForeignKey:
			return sentinel
		}
	}
	return err
}

func statusArgs(statuses []models.QueueStatus) (string, []any) {
	if len(statuses) == 0 {
		return "NULL", nil
	}
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","), args
}

func formatDate(value time.Time) string {
	return value.UTC().Format(dateLayout)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	parsed, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
