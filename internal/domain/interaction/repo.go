package interaction

import (
	"context"

	"github.com/google/uuid"
)

// AlertRepository is the append-only alert sink plus its history read.
type AlertRepository interface {
	Create(ctx context.Context, a *InteractionAlert) error
	ListByPatientProfile(ctx context.Context, patientProfileID uuid.UUID, limit, offset int) ([]*InteractionAlert, int, error)
}

type MedicationRepository interface {
	UpsertByName(ctx context.Context, name string, rxNormID *string) (*Medication, error)
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
}
