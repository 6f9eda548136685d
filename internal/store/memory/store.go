// Package memory provides an in-process store used for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
)

type sequenceKey struct {
	clinicID string
	date     string
}

type state struct {
	clinics      map[string]models.Clinic
	owners       map[string]models.Owner
	animals      map[string]animalRecord
	appointments map[string]models.Appointment
	entries      map[string]models.QueueEntry
	sequences    map[sequenceKey]int
	events       map[string][]store.EntryEvent
}

type animalRecord struct {
	animalID string
	name     string
	species  string
	ownerID  string
}

func newState() state {
	return state{
		clinics:      make(map[string]models.Clinic),
		owners:       make(map[string]models.Owner),
		animals:      make(map[string]animalRecord),
		appointments: make(map[string]models.Appointment),
		entries:      make(map[string]models.QueueEntry),
		sequences:    make(map[sequenceKey]int),
		events:       make(map[string][]store.EntryEvent),
	}
}

func (s state) clone() state {
	cloned := newState()
	for k, v := range s.clinics {
		cloned.clinics[k] = v
	}
	for k, v := range s.owners {
		cloned.owners[k] = v
	}
	for k, v := range s.animals {
		cloned.animals[k] = v
	}
	for k, v := range s.appointments {
		cloned.appointments[k] = v
	}
	for k, v := range s.entries {
		cloned.entries[k] = v
	}
	for k, v := range s.sequences {
		cloned.sequences[k] = v
	}
	for k, v := range s.events {
		cloned.events[k] = append([]store.EntryEvent(nil), v...)
	}
	return cloned
}

// Store keeps all data in maps guarded by one mutex. Units of work run on a
// cloned state that replaces the live state only when fn succeeds.
type Store struct {
	mu    sync.Mutex
	state state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() {}

type transaction struct {
	state state
}

func dateKey(date time.Time) string {
	return date.UTC().Format("2006-01-02")
}

func sameDay(a, b time.Time) bool {
	return dateKey(a) == dateKey(b)
}

func (t *transaction) InsertEntry(_ context.Context, entry models.QueueEntry) error {
	for _, existing := range t.state.entries {
		if !sameDay(existing.QueueDate, entry.QueueDate) {
			continue
		}
		if existing.ClinicID == entry.ClinicID && existing.QueueNumber == entry.QueueNumber {
			return store.ErrDuplicateEntry
		}
		if existing.AnimalID == entry.AnimalID && existing.Status.IsActive() && entry.Status.IsActive() {
			return store.ErrDuplicateEntry
		}
	}
	t.state.entries[entry.ID] = entry
	return nil
}

func (t *transaction) GetEntry(_ context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	entry, ok := t.state.entries[entryID]
	if !ok || entry.ClinicID != clinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, nil
}

// GetEntryForUpdate is GetEntry: InTx already holds the store lock.
func (t *transaction) GetEntryForUpdate(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	return t.GetEntry(ctx, clinicID, entryID)
}

func (t *transaction) UpdateEntry(_ context.Context, entry models.QueueEntry) error {
	if _, ok := t.state.entries[entry.ID]; !ok {
		return store.ErrEntryNotFound
	}
	t.state.entries[entry.ID] = entry
	return nil
}

func (t *transaction) filter(match func(models.QueueEntry) bool) []models.QueueEntry {
	var out []models.QueueEntry
	for _, entry := range t.state.entries {
		if match(entry) {
			out = append(out, entry)
		}
	}
	return out
}

func (t *transaction) ListEntries(_ context.Context, clinicID string, date time.Time) ([]models.QueueEntry, error) {
	entries := t.filter(func(e models.QueueEntry) bool {
		return e.ClinicID == clinicID && sameDay(e.QueueDate, date)
	})
	models.SortByNumber(entries)
	return entries, nil
}

func (t *transaction) ListEntriesByStatus(_ context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) ([]models.QueueEntry, error) {
	entries := t.filter(func(e models.QueueEntry) bool {
		return e.ClinicID == clinicID && sameDay(e.QueueDate, date) && store.ContainsStatus(statuses, e.Status)
	})
	models.SortActive(entries)
	return entries, nil
}

func (t *transaction) FindEntryByAnimal(_ context.Context, animalID string, date time.Time, statuses []models.QueueStatus) (models.QueueEntry, bool, error) {
	entries := t.filter(func(e models.QueueEntry) bool {
		return e.AnimalID == animalID && sameDay(e.QueueDate, date) && store.ContainsStatus(statuses, e.Status)
	})
	if len(entries) == 0 {
		return models.QueueEntry{}, false, nil
	}
	models.SortByNumber(entries)
	return entries[0], true, nil
}

func (t *transaction) ListEntriesByProvider(_ context.Context, clinicID, providerID string, date time.Time, status models.QueueStatus) ([]models.QueueEntry, error) {
	entries := t.filter(func(e models.QueueEntry) bool {
		return e.ClinicID == clinicID && sameDay(e.QueueDate, date) && e.Status == status &&
			e.AssignedProviderID != nil && *e.AssignedProviderID == providerID
	})
	models.SortByNumber(entries)
	return entries, nil
}

func (t *transaction) NextQueueNumber(_ context.Context, clinicID string, date time.Time) (int, error) {
	key := sequenceKey{clinicID: clinicID, date: dateKey(date)}
	t.state.sequences[key]++
	return t.state.sequences[key], nil
}

func (t *transaction) CountEntries(ctx context.Context, clinicID string, date time.Time, statuses []models.QueueStatus) (int, error) {
	entries, err := t.ListEntriesByStatus(ctx, clinicID, date, statuses)
	return len(entries), err
}

func (t *transaction) GetAppointment(_ context.Context, appointmentID string) (models.Appointment, error) {
	appointment, ok := t.state.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return appointment, nil
}

func (t *transaction) CreateAppointment(_ context.Context, appointment models.Appointment) error {
	t.state.appointments[appointment.ID] = appointment
	return nil
}

func (t *transaction) UpdateAppointment(_ context.Context, appointment models.Appointment) error {
	if _, ok := t.state.appointments[appointment.ID]; !ok {
		return store.ErrAppointmentNotFound
	}
	t.state.appointments[appointment.ID] = appointment
	return nil
}

func (t *transaction) GetClinic(_ context.Context, clinicID string) (models.Clinic, error) {
	clinic, ok := t.state.clinics[clinicID]
	if !ok {
		return models.Clinic{}, store.ErrClinicNotFound
	}
	return clinic, nil
}

func (t *transaction) GetAnimal(_ context.Context, animalID string) (models.Animal, error) {
	record, ok := t.state.animals[animalID]
	if !ok {
		return models.Animal{}, store.ErrAnimalNotFound
	}
	animal := models.Animal{AnimalID: record.animalID, Name: record.name, Species: record.species}
	owner, ok := t.state.owners[record.ownerID]
	if !ok {
		return animal, nil
	}
	animal.Owner = owner
	if owner.ClinicID != nil {
		if clinic, ok := t.state.clinics[*owner.ClinicID]; ok {
			animal.Clinic = &clinic
		}
	}
	return animal, nil
}

func (t *transaction) SaveClinic(_ context.Context, clinic models.Clinic) error {
	t.state.clinics[clinic.ClinicID] = clinic
	return nil
}

func (t *transaction) SaveOwner(_ context.Context, owner models.Owner) error {
	if owner.ClinicID != nil {
		if _, ok := t.state.clinics[*owner.ClinicID]; !ok {
			return store.ErrClinicNotFound
		}
	}
	t.state.owners[owner.OwnerID] = owner
	return nil
}

func (t *transaction) SaveAnimal(_ context.Context, animal models.Animal) error {
	if _, ok := t.state.owners[animal.Owner.OwnerID]; !ok {
		return store.ErrOwnerNotFound
	}
	t.state.animals[animal.AnimalID] = animalRecord{
		animalID: animal.AnimalID,
		name:     animal.Name,
		species:  animal.Species,
		ownerID:  animal.Owner.OwnerID,
	}
	return nil
}

func (t *transaction) AppendEntryEvent(_ context.Context, entryID, eventType string, payload []byte, createdAt time.Time) (store.EntryEvent, error) {
	events := t.state.events[entryID]
	var last *store.EntryEvent
	if len(events) > 0 {
		last = &events[len(events)-1]
	}
	event := store.ChainEntryEvent(last, entryID, eventType, payload, createdAt)
	t.state.events[entryID] = append(events, event)
	return event, nil
}

func (t *transaction) ListEntryEvents(_ context.Context, entryID string) ([]store.EntryEvent, error) {
	events := append([]store.EntryEvent(nil), t.state.events[entryID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].EntrySeq < events[j].EntrySeq })
	return events, nil
}
