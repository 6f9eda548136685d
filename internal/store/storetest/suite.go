// Package storetest holds contract tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
)

// Fixture is a clinic with one owner and one animal registered.
type Fixture struct {
	Clinic models.Clinic
	Owner  models.Owner
	Animal models.Animal
}

// Seed registers a fresh clinic, owner and animal.
func Seed(t *testing.T, s store.Store) Fixture {
	t.Helper()
	ctx := context.Background()
	clinicID := uuid.NewString()
	fixture := Fixture{
		Clinic: models.Clinic{ClinicID: clinicID, Name: "Riverside Vets", Timezone: "UTC"},
		Owner:  models.Owner{OwnerID: uuid.NewString(), Name: "Dana Reyes", ClinicID: &clinicID},
	}
	fixture.Animal = models.Animal{AnimalID: uuid.NewString(), Name: "Biscuit", Species: "dog", Owner: fixture.Owner}
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveClinic(ctx, fixture.Clinic); err != nil {
			return err
		}
		if err := tx.SaveOwner(ctx, fixture.Owner); err != nil {
			return err
		}
		return tx.SaveAnimal(ctx, fixture.Animal)
	})
	require.NoError(t, err)
	return fixture
}

// AddAnimal registers another animal for the fixture's owner.
func AddAnimal(t *testing.T, s store.Store, fixture Fixture, name string) models.Animal {
	t.Helper()
	ctx := context.Background()
	animal := models.Animal{AnimalID: uuid.NewString(), Name: name, Species: "cat", Owner: fixture.Owner}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveAnimal(ctx, animal)
	}))
	return animal
}

func newEntry(fixture Fixture, animalID string, number int, day time.Time, priority models.Priority) models.QueueEntry {
	checkIn := day.Add(9 * time.Hour)
	return models.QueueEntry{
		ID:                       uuid.NewString(),
		ClinicID:                 fixture.Clinic.ClinicID,
		AnimalID:                 animalID,
		QueueNumber:              number,
		QueueDate:                day,
		Status:                   models.StatusWaiting,
		Priority:                 priority,
		CheckInTime:              checkIn,
		EstimatedDurationMinutes: models.DefaultVisitMinutes,
		EstimatedStartTime:       checkIn,
	}
}

// Run exercises the store contract against a backend produced by factory.
func Run(t *testing.T, factory func(t *testing.T) store.Store) {
	t.Run("Directory", func(t *testing.T) { testDirectory(t, factory(t)) })
	t.Run("EntryLifecycle", func(t *testing.T) { testEntryLifecycle(t, factory(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, factory(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, factory(t)) })
	t.Run("ConcurrentNumbers", func(t *testing.T) { testConcurrentNumbers(t, factory(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, factory(t)) })
	t.Run("Appointments", func(t *testing.T) { testAppointments(t, factory(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, factory(t)) })
}

func testDirectory(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)

	err := s.InTx(ctx, func(tx store.Tx) error {
		clinic, err := tx.GetClinic(ctx, fixture.Clinic.ClinicID)
		require.NoError(t, err)
		assert.Equal(t, "Riverside Vets", clinic.Name)

		animal, err := tx.GetAnimal(ctx, fixture.Animal.AnimalID)
		require.NoError(t, err)
		assert.Equal(t, "Biscuit", animal.Name)
		assert.Equal(t, "Dana Reyes", animal.Owner.Name)
		require.NotNil(t, animal.Clinic)
		assert.Equal(t, fixture.Clinic.ClinicID, animal.Clinic.ClinicID)

		_, err = tx.GetAnimal(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, store.ErrAnimalNotFound))
		_, err = tx.GetClinic(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, store.ErrNotFound))

		stray := models.Owner{OwnerID: uuid.NewString(), Name: "No Clinic"}
		require.NoError(t, tx.SaveOwner(ctx, stray))
		orphan := models.Animal{AnimalID: uuid.NewString(), Name: "Pip", Owner: stray}
		require.NoError(t, tx.SaveAnimal(ctx, orphan))
		loaded, err := tx.GetAnimal(ctx, orphan.AnimalID)
		require.NoError(t, err)
		assert.Nil(t, loaded.Clinic)
		return nil
	})
	require.NoError(t, err)

	missing := uuid.NewString()
	err = s.InTx(ctx, func(tx store.Tx) error {
		return tx.SaveOwner(ctx, models.Owner{OwnerID: uuid.NewString(), Name: "Lost", ClinicID: &missing})
	})
	assert.True(t, errors.Is(err, store.ErrClinicNotFound))
}

func testEntryLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	entry := newEntry(fixture, fixture.Animal.AnimalID, 1, day, models.PriorityNormal)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, entry)
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		loaded, err := tx.GetEntry(ctx, fixture.Clinic.ClinicID, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry.QueueNumber, loaded.QueueNumber)
		assert.Equal(t, models.StatusWaiting, loaded.Status)
		assert.True(t, loaded.CheckInTime.Equal(entry.CheckInTime))

		_, err = tx.GetEntry(ctx, uuid.NewString(), entry.ID)
		assert.True(t, errors.Is(err, store.ErrEntryNotFound), "entry must be scoped to its clinic")

		found, ok, err := tx.FindEntryByAnimal(ctx, fixture.Animal.AnimalID, day, models.ActiveStatuses)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.ID, found.ID)

		_, ok, err = tx.FindEntryByAnimal(ctx, fixture.Animal.AnimalID, day.AddDate(0, 0, 1), models.ActiveStatuses)
		require.NoError(t, err)
		assert.False(t, ok)

		provider := uuid.NewString()
		room := "Exam 1"
		started := day.Add(10 * time.Hour)
		loaded.Status = models.StatusInProgress
		loaded.StartedTime = &started
		loaded.AssignedProviderID = &provider
		loaded.AssignedRoom = &room
		require.NoError(t, tx.UpdateEntry(ctx, loaded))

		byProvider, err := tx.ListEntriesByProvider(ctx, fixture.Clinic.ClinicID, provider, day, models.StatusInProgress)
		require.NoError(t, err)
		require.Len(t, byProvider, 1)
		require.NotNil(t, byProvider[0].AssignedRoom)
		assert.Equal(t, "Exam 1", *byProvider[0].AssignedRoom)
		require.NotNil(t, byProvider[0].StartedTime)

		count, err := tx.CountEntries(ctx, fixture.Clinic.ClinicID, day, []models.QueueStatus{models.StatusWaiting})
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		return nil
	})
	require.NoError(t, err)
}

func testOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	second := AddAnimal(t, s, fixture, "Mochi")
	third := AddAnimal(t, s, fixture, "Pepper")

	first := newEntry(fixture, fixture.Animal.AnimalID, 1, day, models.PriorityNormal)
	emergency := newEntry(fixture, second.AnimalID, 2, day, models.PriorityEmergency)
	last := newEntry(fixture, third.AnimalID, 3, day, models.PriorityNormal)

	err := s.InTx(ctx, func(tx store.Tx) error {
		for _, entry := range []models.QueueEntry{last, emergency, first} {
			if err := tx.InsertEntry(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		active, err := tx.ListEntriesByStatus(ctx, fixture.Clinic.ClinicID, day, models.ActiveStatuses)
		require.NoError(t, err)
		require.Len(t, active, 3)
		assert.Equal(t, []int{2, 1, 3}, numbers(active))

		all, err := tx.ListEntries(ctx, fixture.Clinic.ClinicID, day)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, numbers(all))

		other, err := tx.ListEntries(ctx, fixture.Clinic.ClinicID, day.AddDate(0, 0, -1))
		require.NoError(t, err)
		assert.Empty(t, other)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	var entryID string
	err := s.InTx(ctx, func(tx store.Tx) error {
		number, err := tx.NextQueueNumber(ctx, fixture.Clinic.ClinicID, day)
		require.NoError(t, err)
		assert.Equal(t, 1, number)
		entry := newEntry(fixture, fixture.Animal.AnimalID, number, day, models.PriorityNormal)
		entryID = entry.ID
		require.NoError(t, tx.InsertEntry(ctx, entry))
		_, err = tx.AppendEntryEvent(ctx, entry.ID, store.EventEntryCreated, []byte(`{}`), day)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetEntry(ctx, fixture.Clinic.ClinicID, entryID)
		assert.True(t, errors.Is(err, store.ErrEntryNotFound))
		events, err := tx.ListEntryEvents(ctx, entryID)
		require.NoError(t, err)
		assert.Empty(t, events)
		number, err := tx.NextQueueNumber(ctx, fixture.Clinic.ClinicID, day)
		require.NoError(t, err)
		assert.Equal(t, 1, number, "rolled back allocation must be reused")
		return nil
	})
	require.NoError(t, err)
}

func testConcurrentNumbers(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 6, 0, 0, 0, 0, time.UTC)
	const workers = 12

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx store.Tx) error {
				number, err := tx.NextQueueNumber(ctx, fixture.Clinic.ClinicID, day)
				if err != nil {
					return err
				}
				mu.Lock()
				numbers = append(numbers, number)
				mu.Unlock()
				return nil
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, numbers, workers)
	seen := make(map[int]bool)
	for _, n := range numbers {
		assert.False(t, seen[n], "duplicate queue number %d", n)
		seen[n] = true
	}
	for n := 1; n <= workers; n++ {
		assert.True(t, seen[n], "missing queue number %d", n)
	}

	other := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	err := s.InTx(ctx, func(tx store.Tx) error {
		number, err := tx.NextQueueNumber(ctx, fixture.Clinic.ClinicID, other)
		require.NoError(t, err)
		assert.Equal(t, 1, number, "each day starts at one")
		return nil
	})
	require.NoError(t, err)
}

// testConcurrentTransitions races terminal transitions on one IN_PROGRESS
// entry. Exactly one may win; the rest must observe the terminal status.
func testConcurrentTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	entry := newEntry(fixture, fixture.Animal.AnimalID, 1, day, models.PriorityNormal)
	entry.Status = models.StatusInProgress
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, entry)
	}))

	errTerminal := errors.New("entry already terminal")
	targets := []models.QueueStatus{models.StatusCompleted, models.StatusCancelled}
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []models.QueueStatus
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		target := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.InTx(ctx, func(tx store.Tx) error {
				current, err := tx.GetEntryForUpdate(ctx, fixture.Clinic.ClinicID, entry.ID)
				if err != nil {
					return err
				}
				if !models.CanTransition(current.Status, target) {
					return errTerminal
				}
				current.Status = target
				return tx.UpdateEntry(ctx, current)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, target)
			case !errors.Is(err, errTerminal):
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, winners, 1, "only one terminal transition may commit")
	err := s.InTx(ctx, func(tx store.Tx) error {
		final, err := tx.GetEntry(ctx, fixture.Clinic.ClinicID, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, winners[0], final.Status)
		return nil
	})
	require.NoError(t, err)
}

func testAppointments(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	at := time.Date(2024, 6, 8, 14, 0, 0, 0, time.UTC)
	appointment := models.Appointment{
		ID:              uuid.NewString(),
		ClinicID:        fixture.Clinic.ClinicID,
		AnimalID:        fixture.Animal.AnimalID,
		DateTime:        at,
		Subject:         "Annual shots",
		Status:          models.AppointmentScheduled,
		AppointmentType: models.AppointmentVaccination,
	}

	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateAppointment(ctx, appointment))

		loaded, err := tx.GetAppointment(ctx, appointment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AppointmentVaccination, loaded.AppointmentType)
		assert.Nil(t, loaded.QueueNumber)

		number := 7
		checkIn := at.Add(-5 * time.Minute)
		loaded.Status = models.AppointmentConfirmed
		loaded.QueueNumber = &number
		loaded.CheckInTime = &checkIn
		loaded.EstimatedStartTime = &at
		require.NoError(t, tx.UpdateAppointment(ctx, loaded))

		updated, err := tx.GetAppointment(ctx, appointment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AppointmentConfirmed, updated.Status)
		require.NotNil(t, updated.QueueNumber)
		assert.Equal(t, 7, *updated.QueueNumber)

		_, err = tx.GetAppointment(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, store.ErrAppointmentNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	fixture := Seed(t, s)
	day := time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)
	entry := newEntry(fixture, fixture.Animal.AnimalID, 1, day, models.PriorityNormal)

	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertEntry(ctx, entry))
		payload, err := store.EntryPayload(entry, "")
		require.NoError(t, err)
		_, err = tx.AppendEntryEvent(ctx, entry.ID, store.EventEntryCreated, payload, day.Add(9*time.Hour))
		require.NoError(t, err)

		entry.Status = models.StatusCancelled
		payload, err = store.EntryPayload(entry, models.StatusWaiting)
		require.NoError(t, err)
		second, err := tx.AppendEntryEvent(ctx, entry.ID, store.EventStatusChanged, payload, day.Add(10*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, second.EntrySeq)
		return nil
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		events, err := tx.ListEntryEvents(ctx, entry.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.NoError(t, store.VerifyChain(events))
		rebuilt, err := store.RehydrateEntry(events)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, rebuilt.Status)
		return nil
	})
	require.NoError(t, err)
}

func numbers(entries []models.QueueEntry) []int {
	out := make([]int, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.QueueNumber)
	}
	return out
}
