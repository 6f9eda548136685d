package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetclinic/queue-service/internal/metrics"
	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
	"vetclinic/queue-service/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	clock     *fakeClock
	metrics   *metrics.Metrics
	publisher *recordingPublisher
	svc       *Service
	clinicID  string
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     memory.New(),
		clock:     &fakeClock{now: time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)},
		metrics:   metrics.New(),
		publisher: &recordingPublisher{},
	}
	options := Options{
		RoomConflictCheck: true,
		Now:               f.clock.Now,
		Logger:            zerolog.Nop(),
		Metrics:           f.metrics,
		Publisher:         f.publisher,
	}
	for _, opt := range opts {
		opt(&options)
	}
	f.svc = NewService(f.store, options)
	f.clinicID = f.addClinic("Riverside Vets")
	return f
}

func (f *fixture) tx(fn func(tx store.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.store.InTx(f.ctx, fn))
}

func (f *fixture) addClinic(name string) string {
	id := uuid.NewString()
	f.tx(func(tx store.Tx) error {
		return tx.SaveClinic(f.ctx, models.Clinic{ClinicID: id, Name: name})
	})
	return id
}

// addAnimal registers an animal whose owner belongs to clinicID; an empty
// clinicID leaves the owner without a clinic.
func (f *fixture) addAnimal(name, clinicID string) string {
	owner := models.Owner{OwnerID: uuid.NewString(), Name: "Owner of " + name}
	if clinicID != "" {
		owner.ClinicID = &clinicID
	}
	animalID := uuid.NewString()
	f.tx(func(tx store.Tx) error {
		if err := tx.SaveOwner(f.ctx, owner); err != nil {
			return err
		}
		return tx.SaveAnimal(f.ctx, models.Animal{AnimalID: animalID, Name: name, Species: "dog", Owner: owner})
	})
	return animalID
}

func (f *fixture) addAppointment(animalID, clinicID string, status models.AppointmentStatus) string {
	id := uuid.NewString()
	f.tx(func(tx store.Tx) error {
		return tx.CreateAppointment(f.ctx, models.Appointment{
			ID:              id,
			ClinicID:        clinicID,
			AnimalID:        animalID,
			DateTime:        f.clock.Now().Add(time.Hour),
			Subject:         "Checkup",
			Status:          status,
			AppointmentType: models.AppointmentGeneralExam,
		})
	})
	return id
}

func (f *fixture) appointment(id string) models.Appointment {
	var appointment models.Appointment
	f.tx(func(tx store.Tx) error {
		var err error
		appointment, err = tx.GetAppointment(f.ctx, id)
		return err
	})
	return appointment
}

func (f *fixture) walkIn(name, priority string) Projection {
	f.t.Helper()
	projection, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: f.addAnimal(name, f.clinicID), Priority: priority})
	require.NoError(f.t, err)
	return projection
}

func (f *fixture) setStatus(entryID string, status models.QueueStatus) Projection {
	f.t.Helper()
	projection, err := f.svc.UpdateStatus(f.ctx, f.clinicID, entryID, status)
	require.NoError(f.t, err)
	return projection
}

func (f *fixture) wait(entryID string) int {
	f.t.Helper()
	minutes, err := f.svc.EstimatedWait(f.ctx, f.clinicID, entryID)
	require.NoError(f.t, err)
	return minutes
}

func queueNumbers(projections []Projection) []int {
	out := make([]int, 0, len(projections))
	for _, p := range projections {
		out = append(out, p.QueueNumber)
	}
	return out
}

func TestWalkInScenario(t *testing.T) {
	f := newFixture(t)

	a := f.walkIn("Alfie", "")
	assert.Equal(t, 1, a.QueueNumber)
	assert.Equal(t, models.PriorityNormal, a.Priority)
	assert.Equal(t, 0, a.EstimatedWaitMinutes)
	assert.Equal(t, "Alfie", a.AnimalName)
	assert.Equal(t, "Owner of Alfie", a.OwnerName)

	b := f.walkIn("Bella", "EMERGENCY")
	assert.Equal(t, 2, b.QueueNumber)

	active, err := f.svc.ActiveQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, b.QueueEntryID, active[0].QueueEntryID)
	assert.Equal(t, a.QueueEntryID, active[1].QueueEntryID)
	assert.Equal(t, 30, f.wait(a.QueueEntryID))

	f.setStatus(b.QueueEntryID, models.StatusInProgress)
	assert.Equal(t, 0, f.wait(b.QueueEntryID))
	assert.Equal(t, 30, f.wait(a.QueueEntryID), "an entry in progress still counts ahead")

	f.setStatus(b.QueueEntryID, models.StatusCompleted)
	assert.Equal(t, 0, f.wait(a.QueueEntryID))
}

func TestAllocationIsMonotonic(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()

	for n := 1; n <= 5; n++ {
		p := f.walkIn(fmt.Sprintf("pet-%d", n), "")
		assert.Equal(t, n, p.QueueNumber)
		assert.Equal(t, start.Add(time.Duration(30*(n-1))*time.Minute), p.EstimatedStartTime)
	}

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, queueNumbers(today))
}

func TestConcurrentWalkInsGetUniqueNumbers(t *testing.T) {
	f := newFixture(t)
	const count = 20
	animals := make([]string, count)
	for i := range animals {
		animals[i] = f.addAnimal(fmt.Sprintf("pet-%d", i), f.clinicID)
	}

	var wg sync.WaitGroup
	results := make(chan Projection, count)
	errs := make(chan error, count)
	for _, animalID := range animals {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: id})
			if err != nil {
				errs <- err
				return
			}
			results <- p
		}(animalID)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("walk-in failed: %v", err)
	}
	seen := make(map[int]bool)
	for p := range results {
		assert.False(t, seen[p.QueueNumber], "duplicate number %d", p.QueueNumber)
		seen[p.QueueNumber] = true
	}
	for n := 1; n <= count; n++ {
		assert.True(t, seen[n], "missing number %d", n)
	}
}

func TestDuplicateCheckInIsRejected(t *testing.T) {
	f := newFixture(t)
	animalID := f.addAnimal("Milo", f.clinicID)
	first, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: animalID})
	require.NoError(t, err)

	appointmentID := f.addAppointment(animalID, f.clinicID, models.AppointmentScheduled)
	_, err = f.svc.CheckIn(f.ctx, f.clinicID, appointmentID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "queue number 1")

	_, err = f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: animalID})
	assert.True(t, errors.Is(err, ErrConflict))

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, first.QueueEntryID, today[0].QueueEntryID)
	assert.Equal(t, models.StatusWaiting, today[0].Status)
	assert.Equal(t, models.AppointmentScheduled, f.appointment(appointmentID).Status)

	f.setStatus(first.QueueEntryID, models.StatusCancelled)
	again, err := f.svc.CheckIn(f.ctx, f.clinicID, appointmentID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.QueueNumber, "numbers are never reused within a day")
}

func TestActiveOrderingByPriorityThenNumber(t *testing.T) {
	f := newFixture(t)
	f.walkIn("one", "NORMAL")
	f.walkIn("two", "EMERGENCY")
	f.walkIn("three", "NORMAL")

	active, err := f.svc.ActiveQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, queueNumbers(active))
	assert.Equal(t, []int{0, 30, 60}, []int{
		active[0].EstimatedWaitMinutes,
		active[1].EstimatedWaitMinutes,
		active[2].EstimatedWaitMinutes,
	})

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, queueNumbers(today))
}

func TestCompletingHeadReducesWaits(t *testing.T) {
	f := newFixture(t)
	head := f.walkIn("head", "")
	second := f.walkIn("second", "")
	third := f.walkIn("third", "")

	before := []int{f.wait(second.QueueEntryID), f.wait(third.QueueEntryID)}
	f.setStatus(head.QueueEntryID, models.StatusInProgress)
	f.setStatus(head.QueueEntryID, models.StatusCompleted)
	after := []int{f.wait(second.QueueEntryID), f.wait(third.QueueEntryID)}

	for i := range before {
		assert.Less(t, after[i], before[i])
	}
	assert.Equal(t, 0, f.wait(head.QueueEntryID))
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	paths := map[models.QueueStatus][]models.QueueStatus{
		models.StatusCompleted: {models.StatusInProgress, models.StatusCompleted},
		models.StatusCancelled: {models.StatusCancelled},
		models.StatusNoShow:    {models.StatusNoShow},
	}
	all := []models.QueueStatus{
		models.StatusWaiting, models.StatusInProgress, models.StatusCompleted,
		models.StatusCancelled, models.StatusNoShow,
	}

	for terminal, path := range paths {
		t.Run(string(terminal), func(t *testing.T) {
			f := newFixture(t)
			entry := f.walkIn("pet", "")
			for _, status := range path {
				f.setStatus(entry.QueueEntryID, status)
			}
			for _, target := range all {
				_, err := f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, target)
				assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s", terminal, target)
				assert.True(t, errors.Is(err, ErrInvalidState))
			}
		})
	}
}

func TestIllegalTransitionsFromActiveStates(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("pet", "")

	_, err := f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, models.StatusCompleted)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	f.setStatus(entry.QueueEntryID, models.StatusInProgress)
	_, err = f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, models.StatusWaiting)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	_, err = f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, models.StatusNoShow)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestWaitingResetIsNoop(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("pet", "")

	p := f.setStatus(entry.QueueEntryID, models.StatusWaiting)
	assert.Equal(t, models.StatusWaiting, p.Status)

	history, err := f.svc.History(f.ctx, f.clinicID, entry.QueueEntryID)
	require.NoError(t, err)
	assert.Len(t, history.Events, 1)
	assert.Equal(t, []string{store.EventEntryCreated}, f.publisher.types())
}

func TestWalkInWithoutClinicCreatesNothing(t *testing.T) {
	f := newFixture(t)
	stray := f.addAnimal("Stray", "")

	_, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: stray})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoClinic))
	assert.True(t, errors.Is(err, ErrInvalidState))

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	assert.Empty(t, today)

	assert.Empty(t, f.publisher.types())

	next := f.walkIn("Next", "")
	assert.Equal(t, 1, next.QueueNumber, "no number was consumed")
}

func TestWalkInUnknownAnimal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{AnimalID: uuid.NewString()})
	assert.True(t, errors.Is(err, store.ErrAnimalNotFound))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestWalkInCreatesAppointment(t *testing.T) {
	f := newFixture(t)
	animalID := f.addAnimal("Luna", f.clinicID)

	p, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{
		AnimalID:        animalID,
		AppointmentType: "vaccination",
		Priority:        "urgent",
		Notes:           "limping",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, p.Priority)
	assert.Equal(t, "limping", p.Notes)
	require.NotNil(t, p.AppointmentID)

	appointment := f.appointment(*p.AppointmentID)
	assert.Equal(t, "Walk-in: VACCINATION", appointment.Subject)
	assert.Equal(t, models.AppointmentInProgress, appointment.Status)
	assert.Equal(t, models.AppointmentVaccination, appointment.AppointmentType)
	assert.True(t, appointment.DateTime.Equal(f.clock.Now()))
	assert.Equal(t, f.clinicID, appointment.ClinicID)
}

func TestUnrecognizedEnumsFallBackToDefaults(t *testing.T) {
	f := newFixture(t)
	animalID := f.addAnimal("Rex", f.clinicID)

	p, err := f.svc.WalkIn(f.ctx, f.clinicID, WalkInRequest{
		AnimalID:        animalID,
		AppointmentType: "x-ray",
		Priority:        "critical",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, p.Priority)
	assert.Equal(t, "Walk-in: GENERAL_EXAM", f.appointment(*p.AppointmentID).Subject)

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "vet_queue_enum_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCheckInStampsAppointment(t *testing.T) {
	f := newFixture(t)
	f.walkIn("ahead", "")
	animalID := f.addAnimal("Coco", f.clinicID)
	appointmentID := f.addAppointment(animalID, f.clinicID, models.AppointmentScheduled)

	f.clock.Advance(5 * time.Minute)
	p, err := f.svc.CheckIn(f.ctx, f.clinicID, appointmentID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.QueueNumber)
	assert.Equal(t, models.PriorityNormal, p.Priority)
	assert.Equal(t, 30, p.EstimatedWaitMinutes)
	require.NotNil(t, p.AppointmentID)
	assert.Equal(t, appointmentID, *p.AppointmentID)

	appointment := f.appointment(appointmentID)
	assert.Equal(t, models.AppointmentConfirmed, appointment.Status)
	require.NotNil(t, appointment.CheckInTime)
	assert.True(t, appointment.CheckInTime.Equal(f.clock.Now()))
	require.NotNil(t, appointment.QueueNumber)
	assert.Equal(t, 2, *appointment.QueueNumber)
	require.NotNil(t, appointment.EstimatedStartTime)
	assert.True(t, appointment.EstimatedStartTime.Equal(f.clock.Now().Add(30*time.Minute)))
}

func TestCheckInLeavesOtherAppointmentStatuses(t *testing.T) {
	f := newFixture(t)
	animalID := f.addAnimal("Ziggy", f.clinicID)
	appointmentID := f.addAppointment(animalID, f.clinicID, models.AppointmentCancelled)

	_, err := f.svc.CheckIn(f.ctx, f.clinicID, appointmentID)
	require.NoError(t, err)
	appointment := f.appointment(appointmentID)
	assert.Equal(t, models.AppointmentCancelled, appointment.Status)
	require.NotNil(t, appointment.QueueNumber)
}

func TestCheckInUnknownAppointment(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckIn(f.ctx, f.clinicID, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrAppointmentNotFound))
}

func TestStatusChangesMirrorAppointment(t *testing.T) {
	f := newFixture(t)
	animalID := f.addAnimal("Olive", f.clinicID)
	appointmentID := f.addAppointment(animalID, f.clinicID, models.AppointmentScheduled)
	p, err := f.svc.CheckIn(f.ctx, f.clinicID, appointmentID)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	started := f.clock.Now()
	f.setStatus(p.QueueEntryID, models.StatusInProgress)
	assert.Equal(t, models.AppointmentInProgress, f.appointment(appointmentID).Status)

	f.clock.Advance(20 * time.Minute)
	completed := f.clock.Now()
	f.setStatus(p.QueueEntryID, models.StatusCompleted)
	assert.Equal(t, models.AppointmentCompleted, f.appointment(appointmentID).Status)

	f.tx(func(tx store.Tx) error {
		entry, err := tx.GetEntry(f.ctx, f.clinicID, p.QueueEntryID)
		require.NoError(t, err)
		require.NotNil(t, entry.StartedTime)
		require.NotNil(t, entry.CompletedTime)
		assert.True(t, entry.StartedTime.Equal(started))
		assert.True(t, entry.CompletedTime.Equal(completed))
		return nil
	})
}

func TestNoShowMirrorsWithoutTimestamps(t *testing.T) {
	f := newFixture(t)
	p := f.walkIn("Ghost", "")
	f.setStatus(p.QueueEntryID, models.StatusNoShow)
	assert.Equal(t, models.AppointmentNoShow, f.appointment(*p.AppointmentID).Status)

	f.tx(func(tx store.Tx) error {
		entry, err := tx.GetEntry(f.ctx, f.clinicID, p.QueueEntryID)
		require.NoError(t, err)
		assert.Nil(t, entry.StartedTime)
		assert.Nil(t, entry.CompletedTime)
		return nil
	})
}

func TestNextForProvider(t *testing.T) {
	f := newFixture(t)
	vet := uuid.NewString()
	other := uuid.NewString()

	_, found, err := f.svc.NextForProvider(f.ctx, f.clinicID, vet)
	require.NoError(t, err)
	assert.False(t, found)

	f.walkIn("first", "NORMAL")
	emergency := f.walkIn("second", "EMERGENCY")
	mine := f.walkIn("third", "LOW")
	_, err = f.svc.Assign(f.ctx, f.clinicID, mine.QueueEntryID, vet, nil)
	require.NoError(t, err)

	next, found, err := f.svc.NextForProvider(f.ctx, f.clinicID, vet)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mine.QueueEntryID, next.QueueEntryID)

	next, found, err = f.svc.NextForProvider(f.ctx, f.clinicID, other)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, emergency.QueueEntryID, next.QueueEntryID)

	f.setStatus(emergency.QueueEntryID, models.StatusInProgress)
	next, found, err = f.svc.NextForProvider(f.ctx, f.clinicID, other)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, next.QueueNumber, "only waiting entries are offered")
}

func TestAssignRoomConflict(t *testing.T) {
	f := newFixture(t)
	vet := uuid.NewString()
	room := "Exam 1"
	first := f.walkIn("first", "")
	second := f.walkIn("second", "")

	_, err := f.svc.Assign(f.ctx, f.clinicID, first.QueueEntryID, vet, &room)
	require.NoError(t, err)
	_, err = f.svc.Assign(f.ctx, f.clinicID, second.QueueEntryID, vet, &room)
	require.NoError(t, err, "waiting entries may share a room and provider")

	f.setStatus(first.QueueEntryID, models.StatusInProgress)
	lower := "exam 1"
	_, err = f.svc.Assign(f.ctx, f.clinicID, second.QueueEntryID, vet, &lower)
	assert.True(t, errors.Is(err, ErrConflict))

	p, err := f.svc.Assign(f.ctx, f.clinicID, first.QueueEntryID, vet, &room)
	require.NoError(t, err, "an entry does not conflict with itself")
	require.NotNil(t, p.AssignedRoom)
	assert.Equal(t, "Exam 1", *p.AssignedRoom)
	require.NotNil(t, p.AssignedVeterinarianID)
	assert.Equal(t, vet, *p.AssignedVeterinarianID)

	cleared, err := f.svc.Assign(f.ctx, f.clinicID, second.QueueEntryID, vet, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.AssignedRoom)
}

func TestAssignWithoutRoomCheck(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RoomConflictCheck = false })
	room := "Surgery"
	first := f.walkIn("first", "")
	second := f.walkIn("second", "")
	_, err := f.svc.Assign(f.ctx, f.clinicID, first.QueueEntryID, uuid.NewString(), &room)
	require.NoError(t, err)
	f.setStatus(first.QueueEntryID, models.StatusInProgress)

	_, err = f.svc.Assign(f.ctx, f.clinicID, second.QueueEntryID, uuid.NewString(), &room)
	assert.NoError(t, err)
}

func TestClinicIsolation(t *testing.T) {
	f := newFixture(t)
	otherClinic := f.addClinic("Hillside Vets")
	animalID := f.addAnimal("Nala", f.clinicID)
	entry := f.walkIn("Simba", "")

	_, err := f.svc.EstimatedWait(f.ctx, otherClinic, entry.QueueEntryID)
	assert.True(t, errors.Is(err, store.ErrEntryNotFound))
	_, err = f.svc.UpdateStatus(f.ctx, otherClinic, entry.QueueEntryID, models.StatusCancelled)
	assert.True(t, errors.Is(err, store.ErrEntryNotFound))

	_, err = f.svc.WalkIn(f.ctx, otherClinic, WalkInRequest{AnimalID: animalID})
	assert.True(t, errors.Is(err, store.ErrAnimalNotFound))

	appointmentID := f.addAppointment(animalID, f.clinicID, models.AppointmentScheduled)
	_, err = f.svc.CheckIn(f.ctx, otherClinic, appointmentID)
	assert.True(t, errors.Is(err, store.ErrAppointmentNotFound))

	today, err := f.svc.TodayQueue(f.ctx, otherClinic)
	require.NoError(t, err)
	assert.Empty(t, today)

	_, err = f.svc.ActiveQueue(f.ctx, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrClinicNotFound))
}

func TestQueueDayUsesClinicLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	f := newFixture(t, func(o *Options) { o.Location = loc })
	f.clock.now = time.Date(2024, 5, 7, 3, 0, 0, 0, time.UTC)

	late := f.walkIn("late", "")
	assert.Equal(t, 1, late.QueueNumber)

	f.clock.Advance(90 * time.Minute)
	later := f.walkIn("later", "")
	assert.Equal(t, 2, later.QueueNumber, "still the same local day")

	f.clock.Advance(6 * time.Hour)
	morning := f.walkIn("morning", "")
	assert.Equal(t, 1, morning.QueueNumber, "numbering restarts on a new local day")

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, morning.QueueEntryID, today[0].QueueEntryID)
}

func TestHistoryRecordsEveryMutation(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("Pixel", "HIGH")
	room := "Exam 3"
	_, err := f.svc.Assign(f.ctx, f.clinicID, entry.QueueEntryID, uuid.NewString(), &room)
	require.NoError(t, err)
	f.setStatus(entry.QueueEntryID, models.StatusInProgress)

	history, err := f.svc.History(f.ctx, f.clinicID, entry.QueueEntryID)
	require.NoError(t, err)
	assert.True(t, history.Verified)
	require.Len(t, history.Events, 3)
	assert.Equal(t, store.EventEntryCreated, history.Events[0].Type)
	assert.Equal(t, store.EventAssigned, history.Events[1].Type)
	assert.Equal(t, store.EventStatusChanged, history.Events[2].Type)

	rebuilt, err := store.RehydrateEntry(history.Events)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, rebuilt.Status)
	assert.Equal(t, models.PriorityHigh, rebuilt.Priority)
	require.NotNil(t, rebuilt.AssignedRoom)
	assert.Equal(t, room, *rebuilt.AssignedRoom)

	assert.Equal(t, []string{store.EventEntryCreated, store.EventAssigned, store.EventStatusChanged}, f.publisher.types())
}

func TestHistoryReplaysClearedRoom(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("Juniper", "")
	provider := uuid.NewString()
	room := "Room 1"
	_, err := f.svc.Assign(f.ctx, f.clinicID, entry.QueueEntryID, provider, &room)
	require.NoError(t, err)
	cleared, err := f.svc.Assign(f.ctx, f.clinicID, entry.QueueEntryID, provider, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.AssignedRoom)

	history, err := f.svc.History(f.ctx, f.clinicID, entry.QueueEntryID)
	require.NoError(t, err)
	assert.True(t, history.Verified)

	rebuilt, err := store.RehydrateEntry(history.Events)
	require.NoError(t, err)
	assert.Nil(t, rebuilt.AssignedRoom)
	require.NotNil(t, rebuilt.AssignedProviderID)
	assert.Equal(t, provider, *rebuilt.AssignedProviderID)
}

func TestHistoryFlagsEntryChangedOutsideLedger(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("Clover", "")
	f.tx(func(tx store.Tx) error {
		stored, err := tx.GetEntry(f.ctx, f.clinicID, entry.QueueEntryID)
		if err != nil {
			return err
		}
		stored.Priority = models.PriorityEmergency
		return tx.UpdateEntry(f.ctx, stored)
	})

	history, err := f.svc.History(f.ctx, f.clinicID, entry.QueueEntryID)
	require.NoError(t, err)
	require.Len(t, history.Events, 1)
	assert.False(t, history.Verified)
}

func TestWaitUsesEntryQueueDayAfterMidnight(t *testing.T) {
	f := newFixture(t)
	f.clock.now = time.Date(2024, 5, 6, 23, 50, 0, 0, time.UTC)
	f.walkIn("Urgent", "EMERGENCY")
	behind := f.walkIn("Patient", "")
	assert.Equal(t, models.DefaultVisitMinutes, behind.EstimatedWaitMinutes)

	f.clock.Advance(20 * time.Minute)
	assert.Equal(t, models.DefaultVisitMinutes, f.wait(behind.QueueEntryID))

	assigned, err := f.svc.Assign(f.ctx, f.clinicID, behind.QueueEntryID, uuid.NewString(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultVisitMinutes, assigned.EstimatedWaitMinutes)
}

func TestProjectionsTolerateMissingAnimal(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	entry := models.QueueEntry{
		ID:                       uuid.NewString(),
		ClinicID:                 f.clinicID,
		AnimalID:                 uuid.NewString(),
		QueueNumber:              1,
		QueueDate:                models.QueueDay(now, time.UTC),
		Status:                   models.StatusWaiting,
		Priority:                 models.PriorityNormal,
		CheckInTime:              now,
		EstimatedDurationMinutes: models.DefaultVisitMinutes,
		EstimatedStartTime:       now,
	}
	f.tx(func(tx store.Tx) error {
		return tx.InsertEntry(f.ctx, entry)
	})

	today, err := f.svc.TodayQueue(f.ctx, f.clinicID)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Empty(t, today[0].AnimalName)

	started := f.setStatus(entry.ID, models.StatusInProgress)
	assert.Empty(t, started.AnimalName)
	assert.Equal(t, entry.AnimalID, started.AnimalID)
}

func TestFailedOperationsPublishNothing(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("pet", "")
	f.setStatus(entry.QueueEntryID, models.StatusCancelled)
	before := len(f.publisher.types())

	_, err := f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, models.StatusInProgress)
	require.Error(t, err)
	assert.Len(t, f.publisher.types(), before)
}

func TestRejectsMalformedCommands(t *testing.T) {
	f := newFixture(t)
	entry := f.walkIn("pet", "")

	_, err := f.svc.UpdateStatus(f.ctx, f.clinicID, entry.QueueEntryID, models.QueueStatus("PAUSED"))
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.svc.Assign(f.ctx, f.clinicID, entry.QueueEntryID, "  ", nil)
	assert.True(t, errors.Is(err, ErrValidation))

	assert.Equal(t, []string{store.EventEntryCreated}, f.publisher.types())
}
