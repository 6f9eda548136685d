package models

type Clinic struct {
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

type Owner struct {
	OwnerID  string  `json:"owner_id"`
	Name     string  `json:"name"`
	ClinicID *string `json:"clinic_id,omitempty"`
}

// Animal is returned with its owner and the owner's clinic resolved. Clinic
// is nil when the owner is not registered with any clinic.
type Animal struct {
	AnimalID string  `json:"animal_id"`
	Name     string  `json:"name"`
	Species  string  `json:"species,omitempty"`
	Owner    Owner   `json:"owner"`
	Clinic   *Clinic `json:"clinic,omitempty"`
}
