package interaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPrecondition marks request validation failures, the only error the
// check operation surfaces to callers.
var ErrPrecondition = errors.New("precondition failed")

// Prescription types recorded by a screen.
const (
	PrescriptionTypeNew      = "NEW"
	PrescriptionTypeExisting = "EXISTING"
)

// CheckRequest is one inbound interaction screen.
type CheckRequest struct {
	UserID           string
	PatientProfileID uuid.UUID
	Patient          PatientContext
	Existing         []MedicationRef
	NewMedication    MedicationRef
}

// CheckResult is the caller-visible outcome of a screen.
type CheckResult struct {
	Alert    DDIAlert `json:"alert"`
	Fallback bool     `json:"fallback"`
}

// Service runs interaction screens: it records the proposed medication,
// drives the orchestrator, and persists the resulting alert.
type Service struct {
	orch          *Orchestrator
	alerts        AlertRepository
	medications   MedicationRepository
	prescriptions PrescriptionRepository
	log           zerolog.Logger
}

func NewService(orch *Orchestrator, alerts AlertRepository, medications MedicationRepository, prescriptions PrescriptionRepository, log zerolog.Logger) *Service {
	return &Service{
		orch:          orch,
		alerts:        alerts,
		medications:   medications,
		prescriptions: prescriptions,
		log:           log,
	}
}

// persistTimeout bounds the detached writes that outlive the request.
const persistTimeout = 5 * time.Second

// CheckInteractions screens the proposed medication against the patient's
// existing list and returns exactly one alert. An empty proposed medication
// name is the only caller-visible error; everything downstream — engine
// failures, store failures, timeouts — degrades to the fallback alert and
// logged persistence errors.
func (s *Service) CheckInteractions(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if strings.TrimSpace(req.NewMedication.Name) == "" {
		return nil, fmt.Errorf("new medication name is required: %w", ErrPrecondition)
	}

	prescriptionID := s.recordPrescription(ctx, req)

	result := s.orch.Run(ctx, ScreenRequest{
		Patient:  req.Patient,
		Existing: req.Existing,
		Proposed: req.NewMedication,
	})

	s.persistAlert(ctx, req, prescriptionID, result.Alert)

	return &CheckResult{Alert: result.Alert, Fallback: result.Fallback}, nil
}

// recordPrescription upserts the proposed medication and files a NEW
// prescription for it. Failures only cost the alert its prescription link.
func (s *Service) recordPrescription(ctx context.Context, req CheckRequest) *uuid.UUID {
	var rxNorm *string
	if req.NewMedication.RxNormID != "" {
		rxNorm = &req.NewMedication.RxNormID
	}
	med, err := s.medications.UpsertByName(ctx, req.NewMedication.Name, rxNorm)
	if err != nil {
		s.log.Error().Err(err).Str("medication", req.NewMedication.Name).Msg("medication upsert failed")
		return nil
	}

	p := Prescription{
		PatientProfileID: req.PatientProfileID,
		MedicationID:     med.ID,
		Type:             PrescriptionTypeNew,
	}
	if err := s.prescriptions.Create(ctx, &p); err != nil {
		s.log.Error().Err(err).Str("medication", req.NewMedication.Name).Msg("prescription record failed")
		return nil
	}
	return &p.ID
}

// persistAlert appends the alert to the sink without blocking the response.
// The write is detached from the request's cancellation so an impatient
// client cannot lose the audit trail.
func (s *Service) persistAlert(ctx context.Context, req CheckRequest, prescriptionID *uuid.UUID, alert DDIAlert) {
	record := &InteractionAlert{
		UserID:           req.UserID,
		PatientProfileID: req.PatientProfileID,
		PrescriptionID:   prescriptionID,
		Alert:            alert,
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.alerts.Create(pctx, record); err != nil {
			s.log.Error().Err(err).
				Str("user_id", req.UserID).
				Str("patient_profile_id", req.PatientProfileID.String()).
				Msg("alert persist failed")
		}
	}()
}

// ListAlerts returns the persisted alert history for one patient profile,
// newest first.
func (s *Service) ListAlerts(ctx context.Context, patientProfileID uuid.UUID, limit, offset int) ([]*InteractionAlert, int, error) {
	if patientProfileID == uuid.Nil {
		return nil, 0, fmt.Errorf("patient_profile_id is required: %w", ErrPrecondition)
	}
	return s.alerts.ListByPatientProfile(ctx, patientProfileID, limit, offset)
}
