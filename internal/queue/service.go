// Package queue implements front-desk check-in and the daily visit queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vetclinic/queue-service/internal/metrics"
	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
)

const tracerName = "vetclinic/queue-service/queue"

type Options struct {
	// Location is used for clinics without a timezone of their own.
	Location          *time.Location
	RoomConflictCheck bool
	Now               func() time.Time
	Logger            zerolog.Logger
	Tracer            trace.Tracer
	Metrics           *metrics.Metrics
	Publisher         Publisher
}

type Service struct {
	store     store.Store
	location  *time.Location
	roomCheck bool
	now       func() time.Time
	logger    zerolog.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	publisher Publisher
}

type WalkInRequest struct {
	AnimalID        string
	AppointmentType string
	Priority        string
	Notes           string
}

type History struct {
	Events   []store.EntryEvent `json:"events"`
	Verified bool               `json:"verified"`
}

func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:     st,
		location:  opts.Location,
		roomCheck: opts.RoomConflictCheck,
		now:       opts.Now,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.publisher == nil {
		s.publisher = noopPublisher{}
	}
	return s
}

// CheckIn queues the animal of an existing appointment.
func (s *Service) CheckIn(ctx context.Context, clinicID, appointmentID string) (Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.CheckIn", clinicID)
	defer span.End()

	var result Projection
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		now, day, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		appointment, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appointment.ClinicID != clinicID {
			return store.ErrAppointmentNotFound
		}
		if err := rejectDuplicate(ctx, tx, appointment.AnimalID, day); err != nil {
			return err
		}
		animal, err := tx.GetAnimal(ctx, appointment.AnimalID)
		if err != nil {
			return err
		}

		entry, err := allocate(ctx, tx, models.QueueEntry{
			ClinicID:      clinicID,
			AppointmentID: &appointment.ID,
			AnimalID:      appointment.AnimalID,
			Priority:      models.PriorityNormal,
		}, now, day)
		if err != nil {
			return err
		}

		appointment.CheckInTime = &now
		appointment.QueueNumber = &entry.QueueNumber
		appointment.EstimatedStartTime = &entry.EstimatedStartTime
		if appointment.Status == models.AppointmentScheduled {
			appointment.Status = models.AppointmentConfirmed
		}
		if err := tx.UpdateAppointment(ctx, appointment); err != nil {
			return err
		}

		result, err = projectOne(ctx, tx, entry, summarize(animal))
		return err
	})
	if err != nil {
		return Projection{}, s.fail(span, err)
	}

	s.metrics.CheckIn("appointment")
	s.logger.Info().Str("clinic_id", clinicID).Str("entry_id", result.QueueEntryID).
		Int("queue_number", result.QueueNumber).Msg("appointment checked in")
	s.publish(store.EventEntryCreated, result)
	return result, nil
}

// WalkIn queues an animal without an appointment and creates one for the visit.
func (s *Service) WalkIn(ctx context.Context, clinicID string, req WalkInRequest) (Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.WalkIn", clinicID)
	defer span.End()

	kind := s.parseAppointmentType(clinicID, req.AppointmentType)
	priority := s.parsePriority(clinicID, req.Priority)

	var result Projection
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		animal, err := tx.GetAnimal(ctx, req.AnimalID)
		if err != nil {
			return err
		}
		if animal.Clinic == nil {
			return ErrNoClinic
		}
		if animal.Clinic.ClinicID != clinicID {
			return store.ErrAnimalNotFound
		}
		now, day, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		if err := rejectDuplicate(ctx, tx, animal.AnimalID, day); err != nil {
			return err
		}

		appointmentID := uuid.NewString()
		entry, err := allocate(ctx, tx, models.QueueEntry{
			ClinicID:      clinicID,
			AppointmentID: &appointmentID,
			AnimalID:      animal.AnimalID,
			Priority:      priority,
			Notes:         req.Notes,
		}, now, day)
		if err != nil {
			return err
		}

		appointment := models.Appointment{
			ID:                 appointmentID,
			ClinicID:           clinicID,
			AnimalID:           animal.AnimalID,
			DateTime:           now,
			Subject:            "Walk-in: " + string(kind),
			Status:             models.AppointmentInProgress,
			AppointmentType:    kind,
			CheckInTime:        &now,
			QueueNumber:        &entry.QueueNumber,
			EstimatedStartTime: &entry.EstimatedStartTime,
			Notes:              req.Notes,
		}
		if err := tx.CreateAppointment(ctx, appointment); err != nil {
			return err
		}

		result, err = projectOne(ctx, tx, entry, summarize(animal))
		return err
	})
	if err != nil {
		return Projection{}, s.fail(span, err)
	}

	s.metrics.CheckIn("walk_in")
	s.logger.Info().Str("clinic_id", clinicID).Str("entry_id", result.QueueEntryID).
		Int("queue_number", result.QueueNumber).Str("priority", string(result.Priority)).Msg("walk-in checked in")
	s.publish(store.EventEntryCreated, result)
	return result, nil
}

func (s *Service) UpdateStatus(ctx context.Context, clinicID, entryID string, status models.QueueStatus) (Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.UpdateStatus", clinicID)
	defer span.End()
	span.SetAttributes(attribute.String("queue.status", string(status)))
	if !status.Valid() {
		return Projection{}, s.fail(span, fmt.Errorf("%w: unknown status %q", ErrValidation, status))
	}

	var result Projection
	changed := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		now, _, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		entry, err := tx.GetEntryForUpdate(ctx, clinicID, entryID)
		if err != nil {
			return err
		}
		if !models.CanTransition(entry.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, entry.Status, status)
		}

		if entry.Status != status {
			previous := entry.Status
			entry.Status = status
			switch status {
			case models.StatusInProgress:
				entry.StartedTime = &now
			case models.StatusCompleted:
				entry.CompletedTime = &now
			}
			if err := tx.UpdateEntry(ctx, entry); err != nil {
				return err
			}
			if err := mirrorAppointment(ctx, tx, entry); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, entry, previous, store.EventStatusChanged, now); err != nil {
				return err
			}
			changed = true
		}

		summary, err := animalSummary(ctx, tx, entry.AnimalID)
		if err != nil {
			return err
		}
		result, err = projectOne(ctx, tx, entry, summary)
		return err
	})
	if err != nil {
		return Projection{}, s.fail(span, err)
	}

	if changed {
		s.metrics.Transition(string(status))
		s.logger.Debug().Str("clinic_id", clinicID).Str("entry_id", entryID).
			Str("status", string(status)).Msg("queue entry status changed")
		s.publish(store.EventStatusChanged, result)
	}
	return result, nil
}

// Assign overwrites the provider and room of an entry. A nil room clears it.
func (s *Service) Assign(ctx context.Context, clinicID, entryID, providerID string, room *string) (Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.Assign", clinicID)
	defer span.End()

	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return Projection{}, s.fail(span, fmt.Errorf("%w: veterinarian id is required", ErrValidation))
	}
	if room != nil {
		trimmed := strings.TrimSpace(*room)
		room = &trimmed
		if trimmed == "" {
			room = nil
		}
	}

	var result Projection
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		now, _, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		entry, err := tx.GetEntryForUpdate(ctx, clinicID, entryID)
		if err != nil {
			return err
		}
		if room != nil && s.roomCheck {
			if err := rejectRoomInUse(ctx, tx, entry, *room); err != nil {
				return err
			}
		}

		entry.AssignedProviderID = &providerID
		entry.AssignedRoom = room
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, entry, "", store.EventAssigned, now); err != nil {
			return err
		}

		summary, err := animalSummary(ctx, tx, entry.AnimalID)
		if err != nil {
			return err
		}
		result, err = projectOne(ctx, tx, entry, summary)
		return err
	})
	if err != nil {
		return Projection{}, s.fail(span, err)
	}

	s.logger.Debug().Str("clinic_id", clinicID).Str("entry_id", entryID).
		Str("provider_id", providerID).Msg("queue entry assigned")
	s.publish(store.EventAssigned, result)
	return result, nil
}

// TodayQueue lists every entry of the clinic's day by queue number.
func (s *Service) TodayQueue(ctx context.Context, clinicID string) ([]Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.TodayQueue", clinicID)
	defer span.End()

	var result []Projection
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, day, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, clinicID, day)
		if err != nil {
			return err
		}
		result, err = projectMany(ctx, tx, clinicID, entries, day)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return result, nil
}

// ActiveQueue lists WAITING and IN_PROGRESS entries by priority, then number.
func (s *Service) ActiveQueue(ctx context.Context, clinicID string) ([]Projection, error) {
	ctx, span := s.startSpan(ctx, "queue.ActiveQueue", clinicID)
	defer span.End()

	var result []Projection
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, day, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntriesByStatus(ctx, clinicID, day, models.ActiveStatuses)
		if err != nil {
			return err
		}
		result, err = projectMany(ctx, tx, clinicID, entries, day)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return result, nil
}

// NextForProvider prefers the provider's own earliest waiting entry and
// otherwise falls back to the head of the clinic's waiting line. The bool is
// false when nobody is waiting.
func (s *Service) NextForProvider(ctx context.Context, clinicID, providerID string) (Projection, bool, error) {
	ctx, span := s.startSpan(ctx, "queue.NextForProvider", clinicID)
	defer span.End()

	var result Projection
	found := false
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, day, err := s.clinicDay(ctx, tx, clinicID)
		if err != nil {
			return err
		}
		candidates, err := tx.ListEntriesByProvider(ctx, clinicID, providerID, day, models.StatusWaiting)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			candidates, err = tx.ListEntriesByStatus(ctx, clinicID, day, []models.QueueStatus{models.StatusWaiting})
			if err != nil {
				return err
			}
		}
		if len(candidates) == 0 {
			return nil
		}

		summary, err := animalSummary(ctx, tx, candidates[0].AnimalID)
		if err != nil {
			return err
		}
		result, err = projectOne(ctx, tx, candidates[0], summary)
		found = err == nil
		return err
	})
	if err != nil {
		return Projection{}, false, s.fail(span, err)
	}
	return result, found, nil
}

func (s *Service) EstimatedWait(ctx context.Context, clinicID, entryID string) (int, error) {
	ctx, span := s.startSpan(ctx, "queue.EstimatedWait", clinicID)
	defer span.End()

	var minutes int
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetClinic(ctx, clinicID); err != nil {
			return err
		}
		entry, err := tx.GetEntry(ctx, clinicID, entryID)
		if err != nil {
			return err
		}
		minutes, err = estimateWait(ctx, tx, entry)
		return err
	})
	if err != nil {
		return 0, s.fail(span, err)
	}
	return minutes, nil
}

// History returns the entry's audit events. Verified is set when the hash
// chain holds and replaying it reproduces the stored entry.
func (s *Service) History(ctx context.Context, clinicID, entryID string) (History, error) {
	ctx, span := s.startSpan(ctx, "queue.History", clinicID)
	defer span.End()

	var history History
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetClinic(ctx, clinicID); err != nil {
			return err
		}
		entry, err := tx.GetEntry(ctx, clinicID, entryID)
		if err != nil {
			return err
		}
		events, err := tx.ListEntryEvents(ctx, entryID)
		if err != nil {
			return err
		}
		history.Events = events
		if verifyErr := store.VerifyChain(events); verifyErr != nil {
			s.logger.Warn().Err(verifyErr).Str("clinic_id", clinicID).Str("entry_id", entryID).Msg("entry event chain failed verification")
			return nil
		}
		replayed, err := store.RehydrateEntry(events)
		if err != nil || !store.ReplayMatches(entry, replayed) {
			s.logger.Warn().Err(err).Str("clinic_id", clinicID).Str("entry_id", entryID).Msg("entry event chain does not replay to the stored entry")
			return nil
		}
		history.Verified = true
		return nil
	})
	if err != nil {
		return History{}, s.fail(span, err)
	}
	return history, nil
}

// ClinicExists reports whether clinicID names a registered clinic.
func (s *Service) ClinicExists(ctx context.Context, clinicID string) (bool, error) {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetClinic(ctx, clinicID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// clinicDay loads the clinic and returns the current instant together with
// the clinic-local queue day.
func (s *Service) clinicDay(ctx context.Context, tx store.Tx, clinicID string) (time.Time, time.Time, error) {
	clinic, err := tx.GetClinic(ctx, clinicID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	loc := s.location
	if clinic.Timezone != "" {
		if clinicLoc, err := time.LoadLocation(clinic.Timezone); err == nil {
			loc = clinicLoc
		} else {
			s.logger.Warn().Str("clinic_id", clinicID).Str("timezone", clinic.Timezone).Msg("unknown clinic timezone, using default")
		}
	}
	now := s.now().UTC()
	return now, models.QueueDay(now, loc), nil
}

func (s *Service) parsePriority(clinicID, raw string) models.Priority {
	if strings.TrimSpace(raw) == "" {
		return models.PriorityNormal
	}
	priority, ok := models.ParsePriority(raw)
	if !ok {
		s.metrics.EnumFallback("priority")
		s.logger.Warn().Str("clinic_id", clinicID).Str("priority", raw).Msg("unrecognized priority, defaulting to NORMAL")
		return models.PriorityNormal
	}
	return priority
}

func (s *Service) parseAppointmentType(clinicID, raw string) models.AppointmentType {
	if strings.TrimSpace(raw) == "" {
		return models.AppointmentGeneralExam
	}
	kind, ok := models.ParseAppointmentType(raw)
	if !ok {
		s.metrics.EnumFallback("appointment_type")
		s.logger.Warn().Str("clinic_id", clinicID).Str("appointment_type", raw).Msg("unrecognized appointment type, defaulting to GENERAL_EXAM")
		return models.AppointmentGeneralExam
	}
	return kind
}

func (s *Service) startSpan(ctx context.Context, name, clinicID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("clinic.id", clinicID))
	return ctx, span
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Service) publish(eventType string, entry Projection) {
	s.publisher.Publish(Event{
		Type:       eventType,
		ClinicID:   entry.ClinicID,
		Entry:      entry,
		OccurredAt: s.now().UTC(),
	})
}

func rejectDuplicate(ctx context.Context, tx store.Tx, animalID string, day time.Time) error {
	existing, found, err := tx.FindEntryByAnimal(ctx, animalID, day, models.ActiveStatuses)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: animal already checked in today with queue number %d", ErrConflict, existing.QueueNumber)
	}
	return nil
}

func rejectRoomInUse(ctx context.Context, tx store.Tx, entry models.QueueEntry, room string) error {
	busy, err := tx.ListEntriesByStatus(ctx, entry.ClinicID, entry.QueueDate, []models.QueueStatus{models.StatusInProgress})
	if err != nil {
		return err
	}
	for _, other := range busy {
		if other.ID == entry.ID || other.AssignedRoom == nil {
			continue
		}
		if strings.EqualFold(*other.AssignedRoom, room) {
			return fmt.Errorf("%w: room %s is in use by queue number %d", ErrConflict, room, other.QueueNumber)
		}
	}
	return nil
}

// allocate numbers, estimates and persists a new WAITING entry built from
// template. It must run inside the caller's unit of work.
func allocate(ctx context.Context, tx store.Tx, template models.QueueEntry, now, day time.Time) (models.QueueEntry, error) {
	number, err := tx.NextQueueNumber(ctx, template.ClinicID, day)
	if err != nil {
		return models.QueueEntry{}, err
	}
	ahead, err := tx.CountEntries(ctx, template.ClinicID, day, models.ActiveStatuses)
	if err != nil {
		return models.QueueEntry{}, err
	}

	entry := template
	entry.ID = uuid.NewString()
	entry.QueueNumber = number
	entry.QueueDate = day
	entry.Status = models.StatusWaiting
	entry.CheckInTime = now
	entry.EstimatedDurationMinutes = models.DefaultVisitMinutes
	entry.EstimatedStartTime = now.Add(time.Duration(ahead*models.DefaultVisitMinutes) * time.Minute)

	if err := tx.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			return models.QueueEntry{}, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return models.QueueEntry{}, err
	}
	if err := appendEvent(ctx, tx, entry, "", store.EventEntryCreated, now); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func mirrorAppointment(ctx context.Context, tx store.Tx, entry models.QueueEntry) error {
	if entry.AppointmentID == nil {
		return nil
	}
	status, ok := models.MirrorAppointmentStatus(entry.Status)
	if !ok {
		return nil
	}
	appointment, err := tx.GetAppointment(ctx, *entry.AppointmentID)
	if err != nil {
		return err
	}
	appointment.Status = status
	return tx.UpdateAppointment(ctx, appointment)
}

func appendEvent(ctx context.Context, tx store.Tx, entry models.QueueEntry, previous models.QueueStatus, eventType string, at time.Time) error {
	payload, err := store.EntryPayload(entry, previous)
	if err != nil {
		return err
	}
	_, err = tx.AppendEntryEvent(ctx, entry.ID, eventType, payload, at)
	return err
}

// estimateWait ranks the entry within the active list of its own queue day,
// so an entry carried past midnight still counts the entries ahead of it.
func estimateWait(ctx context.Context, tx store.Tx, entry models.QueueEntry) (int, error) {
	if entry.Status != models.StatusWaiting {
		return 0, nil
	}
	active, err := tx.ListEntriesByStatus(ctx, entry.ClinicID, entry.QueueDate, models.ActiveStatuses)
	if err != nil {
		return 0, err
	}
	return waitMinutes(entry, active), nil
}

func projectOne(ctx context.Context, tx store.Tx, entry models.QueueEntry, animal AnimalSummary) (Projection, error) {
	wait, err := estimateWait(ctx, tx, entry)
	if err != nil {
		return Projection{}, err
	}
	return BuildProjection(entry, animal, wait), nil
}

// projectMany computes every wait estimate from a single pass over the
// active ordering.
func projectMany(ctx context.Context, tx store.Tx, clinicID string, entries []models.QueueEntry, day time.Time) ([]Projection, error) {
	active, err := tx.ListEntriesByStatus(ctx, clinicID, day, models.ActiveStatuses)
	if err != nil {
		return nil, err
	}
	position := make(map[string]int, len(active))
	for i, entry := range active {
		position[entry.ID] = i
	}

	animals := make(map[string]AnimalSummary)
	out := make([]Projection, 0, len(entries))
	for _, entry := range entries {
		summary, ok := animals[entry.AnimalID]
		if !ok {
			var err error
			summary, err = animalSummary(ctx, tx, entry.AnimalID)
			if err != nil {
				return nil, err
			}
			animals[entry.AnimalID] = summary
		}
		wait := 0
		if entry.Status == models.StatusWaiting {
			wait = position[entry.ID] * models.DefaultVisitMinutes
		}
		out = append(out, BuildProjection(entry, summary, wait))
	}
	return out, nil
}

// animalSummary loads the names shown on a projection. A missing animal
// yields blank names rather than failing the read.
func animalSummary(ctx context.Context, tx store.Tx, animalID string) (AnimalSummary, error) {
	animal, err := tx.GetAnimal(ctx, animalID)
	if errors.Is(err, store.ErrNotFound) {
		return AnimalSummary{}, nil
	}
	if err != nil {
		return AnimalSummary{}, err
	}
	return summarize(animal), nil
}
