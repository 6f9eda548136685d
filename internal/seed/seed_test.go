package seed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
	"vetclinic/queue-service/internal/store/memory"
)

const fixture = `{
  "clinics": [{"clinic_id": "11111111-1111-1111-1111-111111111111", "name": "Riverside Vets", "timezone": "Europe/Berlin"}],
  "owners": [{"owner_id": "22222222-2222-2222-2222-222222222222", "name": "Dana Reyes", "clinic_id": "11111111-1111-1111-1111-111111111111"}],
  "animals": [{"animal_id": "33333333-3333-3333-3333-333333333333", "name": "Biscuit", "species": "dog", "owner_id": "22222222-2222-2222-2222-222222222222"}],
  "appointments": [{
    "id": "44444444-4444-4444-4444-444444444444",
    "clinic_id": "11111111-1111-1111-1111-111111111111",
    "animal_id": "33333333-3333-3333-3333-333333333333",
    "date_time": "2024-05-06T10:00:00Z",
    "subject": "Annual checkup"
  }]
}`

func TestApplyLoadsDirectory(t *testing.T) {
	ctx := context.Background()
	dir, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)

	st := memory.New()
	res, err := Apply(ctx, st, dir)
	require.NoError(t, err)
	assert.Equal(t, Result{Clinics: 1, Owners: 1, Animals: 1, Appointments: 1}, res)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		animal, err := tx.GetAnimal(ctx, "33333333-3333-3333-3333-333333333333")
		require.NoError(t, err)
		require.NotNil(t, animal.Clinic)
		assert.Equal(t, "Europe/Berlin", animal.Clinic.Timezone)

		appointment, err := tx.GetAppointment(ctx, "44444444-4444-4444-4444-444444444444")
		require.NoError(t, err)
		assert.Equal(t, models.AppointmentScheduled, appointment.Status)
		assert.Equal(t, models.AppointmentGeneralExam, appointment.AppointmentType)
		return nil
	}))

	again, err := Apply(ctx, st, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Appointments)
}

func TestApplyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	dir := Directory{
		Clinics: []models.Clinic{{ClinicID: "11111111-1111-1111-1111-111111111111", Name: "Riverside"}},
		Animals: []Animal{{AnimalID: "33333333-3333-3333-3333-333333333333", Name: "Stray", OwnerID: "missing"}},
	}

	_, err := Apply(ctx, st, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrOwnerNotFound))

	err = st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetClinic(ctx, "11111111-1111-1111-1111-111111111111")
		return err
	})
	assert.True(t, errors.Is(err, store.ErrClinicNotFound))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"patients": []}`))
	assert.Error(t, err)
}
