package postgres

import (
	"context"
	"errors"
	"time"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const entryColumns = `
	entry_id, clinic_id, appointment_id, animal_id, queue_number, queue_date, status, priority,
	check_in_time, started_time, completed_time, assigned_provider_id, assigned_room,
	estimated_duration_minutes, estimated_start_time, notes`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&repository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type repository struct {
	tx pgx.Tx
}

func (r *repository) InsertEntry(ctx context.Context, entry models.QueueEntry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`, priority_rank)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, entry.ID, entry.ClinicID, entry.AppointmentID, entry.AnimalID, entry.QueueNumber, entry.QueueDate,
		entry.Status, entry.Priority, entry.CheckInTime, entry.StartedTime, entry.CompletedTime,
		entry.AssignedProviderID, entry.AssignedRoom, entry.EstimatedDurationMinutes, entry.EstimatedStartTime,
		entry.Notes, entry.Priority.Rank())
	return mapWriteError(err, store.ErrDuplicateEntry)
}

func (r *repository) GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	return r.getEntry(ctx, clinicID, entryID, "")
}

func (r *repository) GetEntryForUpdate(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	return r.getEntry(ctx, clinicID, entryID, "FOR UPDATE")
}

func (r *repository) getEntry(ctx context.Context, clinicID, entryID, lock string) (models.QueueEntry, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND clinic_id = $2
		`+lock, entryID, clinicID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, err
}

func (r *repository) UpdateEntry(ctx context.Context, entry models.QueueEntry) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, priority = $3, priority_rank = $4, started_time = $5, completed_time = $6,
			assigned_provider_id = $7, assigned_room = $8, notes = $9
		WHERE entry_id = $1
	`, entry.ID, entry.Status, entry.Priority, entry.Priority.Rank(), entry.StartedTime, entry.CompletedTime,
		entry.AssignedProviderID, entry.AssignedRoom, entry.Notes)
	if err != nil {
		return mapWriteError(err, store.ErrDuplicateEntry)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (r *repository) ListEntries(ctx context.Context, clinicID string, date time.Time) ([]models.QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND queue_date = $2
		ORDER BY queue_number ASC
	`, clinicID, date)
}

func (r *repository) ListEntriesByStatus(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) ([]models.QueueEntry, error) {
	return r.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND queue_date = $2 AND status = ANY($3)
		ORDER BY priority_rank DESC, queue_number ASC
	`, clinicID, date, statusStrings(statuses))
}

func (r *repository) FindEntryByAnimal(ctx context.Context, animalID string, date time.Time, statuses []models.QueueStatus) (models.QueueEntry, bool, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE animal_id = $1 AND queue_date = $2 AND status = ANY($3)
		ORDER BY queue_number ASC
		LIMIT 1
	`, animalID, date, statusStrings(statuses))
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE clinic_id = $1 AND assigned_provider_id = $2 AND queue_date = $3 AND status = $4
		ORDER BY queue_number ASC
	`, clinicID, providerID, date, status)
}

// NextQueueNumber holds the row lock on the sequence until the transaction
// ends, so concurrent check-ins for the same clinic day queue up behind it.
func (r *repository) NextQueueNumber(ctx context.Context, clinicID string, date time.Time) (int, error) {
	var next int
	row := r.tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (clinic_id, queue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (clinic_id, queue_date)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, clinicID, date)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repository) CountEntries(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) (int, error) {
	var count int
	row := r.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM queue_entries
		WHERE clinic_id = $1 AND queue_date = $2 AND status = ANY($3)
	`, clinicID, date, statusStrings(statuses))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) queryEntries(ctx context.Context, sql string, args ...any) ([]models.QueueEntry, error) {
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	err := row.Scan(&entry.ID, &entry.ClinicID, &entry.AppointmentID, &entry.AnimalID, &entry.QueueNumber,
		&entry.QueueDate, &entry.Status, &entry.Priority, &entry.CheckInTime, &entry.StartedTime,
		&entry.CompletedTime, &entry.AssignedProviderID, &entry.AssignedRoom, &entry.EstimatedDurationMinutes,
		&entry.EstimatedStartTime, &entry.Notes)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.QueueDate = entry.QueueDate.UTC()
	return entry, nil
}

func (r *repository) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	var appointment models.Appointment
	row := r.tx.QueryRow(ctx, `
		SELECT appointment_id, clinic_id, animal_id, date_time, subject, status, appointment_type,
			check_in_time, queue_number, estimated_start_time, notes
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID)
	err := row.Scan(&appointment.ID, &appointment.ClinicID, &appointment.AnimalID, &appointment.DateTime,
		&appointment.Subject, &appointment.Status, &appointment.AppointmentType, &appointment.CheckInTime,
		&appointment.QueueNumber, &appointment.EstimatedStartTime, &appointment.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if err != nil {
		return models.Appointment{}, err
	}
	return appointment, nil
}

func (r *repository) CreateAppointment(ctx context.Context, appointment models.Appointment) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO appointments (
			appointment_id, clinic_id, animal_id, date_time, subject, status, appointment_type,
			check_in_time, queue_number, estimated_start_time, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, appointment.ID, appointment.ClinicID, appointment.AnimalID, appointment.DateTime, appointment.Subject,
		appointment.Status, appointment.AppointmentType, appointment.CheckInTime, appointment.QueueNumber,
		appointment.EstimatedStartTime, appointment.Notes)
	return err
}

func (r *repository) UpdateAppointment(ctx context.Context, appointment models.Appointment) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, check_in_time = $3, queue_number = $4, estimated_start_time = $5, notes = $6
		WHERE appointment_id = $1
	`, appointment.ID, appointment.Status, appointment.CheckInTime, appointment.QueueNumber,
		appointment.EstimatedStartTime, appointment.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAppointmentNotFound
	}
	return nil
}

func (r *repository) GetClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	var clinic models.Clinic
	row := r.tx.QueryRow(ctx, `SELECT clinic_id, name, timezone FROM clinics WHERE clinic_id = $1`, clinicID)
	if err := row.Scan(&clinic.ClinicID, &clinic.Name, &clinic.Timezone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	return clinic, nil
}

func (r *repository) GetAnimal(ctx context.Context, animalID string) (models.Animal, error) {
	var animal models.Animal
	var clinicID, clinicName, clinicTimezone *string
	row := r.tx.QueryRow(ctx, `
		SELECT a.animal_id, a.name, a.species, o.owner_id, o.name, o.clinic_id, c.clinic_id, c.name, c.timezone
		FROM animals a
		JOIN owners o ON o.owner_id = a.owner_id
		LEFT JOIN clinics c ON c.clinic_id = o.clinic_id
		WHERE a.animal_id = $1
	`, animalID)
	err := row.Scan(&animal.AnimalID, &animal.Name, &animal.Species, &animal.Owner.OwnerID, &animal.Owner.Name,
		&animal.Owner.ClinicID, &clinicID, &clinicName, &clinicTimezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Animal{}, store.ErrAnimalNotFound
	}
	if err != nil {
		return models.Animal{}, err
	}
	if clinicID != nil {
		animal.Clinic = &models.Clinic{ClinicID: *clinicID, Name: deref(clinicName), Timezone: deref(clinicTimezone)}
	}
	return animal, nil
}

func (r *repository) SaveClinic(ctx context.Context, clinic models.Clinic) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO clinics (clinic_id, name, timezone)
		VALUES ($1, $2, $3)
		ON CONFLICT (clinic_id) DO UPDATE SET name = EXCLUDED.name, timezone = EXCLUDED.timezone
	`, clinic.ClinicID, clinic.Name, clinic.Timezone)
	return err
}

func (r *repository) SaveOwner(ctx context.Context, owner models.Owner) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO owners (owner_id, name, clinic_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET name = EXCLUDED.name, clinic_id = EXCLUDED.clinic_id
	`, owner.OwnerID, owner.Name, owner.ClinicID)
	return mapWriteError(err, store.ErrClinicNotFound)
}

func (r *repository) SaveAnimal(ctx context.Context, animal models.Animal) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO animals (animal_id, owner_id, name, species)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (animal_id) DO UPDATE SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name, species = EXCLUDED.species
	`, animal.AnimalID, animal.Owner.OwnerID, animal.Name, animal.Species)
	return mapWriteError(err, store.ErrOwnerNotFound)
}

func (r *repository) AppendEntryEvent(ctx context.Context, entryID, eventType string, payload []byte, createdAt time.Time) (store.EntryEvent, error) {
	if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entryID); err != nil {
		return store.EntryEvent{}, err
	}

	var last store.EntryEvent
	row := r.tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entryID)
	var prev *store.EntryEvent
	err := row.Scan(&last.EntrySeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return store.EntryEvent{}, err
	}

	event := store.ChainEntryEvent(prev, entryID, eventType, payload, createdAt)
	_, err = r.tx.Exec(ctx, `
		INSERT INTO queue_entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EntryID, event.EntrySeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	if err != nil {
		return store.EntryEvent{}, err
	}
	return event, nil
}

func (r *repository) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload::text, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload string
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func mapWriteError(err error, sentinel error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation, foreignKeyViolation:
			return sentinel
		}
	}
	return err
}

func statusStrings(statuses []models.QueueStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
