// Package seed loads clinic directory fixtures into a store. The queue only
// reads clinics, owners, animals and appointments, so deployments without the
// scheduling side use it to provision them.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/store"
)

type Animal struct {
	AnimalID string `json:"animal_id"`
	Name     string `json:"name"`
	Species  string `json:"species"`
	OwnerID  string `json:"owner_id"`
}

type Directory struct {
	Clinics      []models.Clinic      `json:"clinics"`
	Owners       []models.Owner       `json:"owners"`
	Animals      []Animal             `json:"animals"`
	Appointments []models.Appointment `json:"appointments"`
}

type Result struct {
	Clinics      int
	Owners       int
	Animals      int
	Appointments int
}

func Decode(r io.Reader) (Directory, error) {
	var dir Directory
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&dir); err != nil {
		return Directory{}, fmt.Errorf("decode seed: %w", err)
	}
	return dir, nil
}

func LoadFile(path string) (Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return Directory{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Apply upserts the directory in one unit of work. Appointments that already
// exist are left untouched so a seed can be re-applied to a live store.
func Apply(ctx context.Context, st store.Store, dir Directory) (Result, error) {
	var res Result
	err := st.InTx(ctx, func(tx store.Tx) error {
		res = Result{}
		for _, clinic := range dir.Clinics {
			if err := tx.SaveClinic(ctx, clinic); err != nil {
				return fmt.Errorf("clinic %s: %w", clinic.ClinicID, err)
			}
			res.Clinics++
		}
		for _, owner := range dir.Owners {
			if err := tx.SaveOwner(ctx, owner); err != nil {
				return fmt.Errorf("owner %s: %w", owner.OwnerID, err)
			}
			res.Owners++
		}
		for _, animal := range dir.Animals {
			err := tx.SaveAnimal(ctx, models.Animal{
				AnimalID: animal.AnimalID,
				Name:     animal.Name,
				Species:  animal.Species,
				Owner:    models.Owner{OwnerID: animal.OwnerID},
			})
			if err != nil {
				return fmt.Errorf("animal %s: %w", animal.AnimalID, err)
			}
			res.Animals++
		}
		for _, appointment := range dir.Appointments {
			_, err := tx.GetAppointment(ctx, appointment.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if appointment.Status == "" {
				appointment.Status = models.AppointmentScheduled
			}
			if appointment.AppointmentType == "" {
				appointment.AppointmentType = models.AppointmentGeneralExam
			}
			if err := tx.CreateAppointment(ctx, appointment); err != nil {
				return fmt.Errorf("appointment %s: %w", appointment.ID, err)
			}
			res.Appointments++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
