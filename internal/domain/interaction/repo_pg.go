package interaction

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsafe/medsafe/internal/platform/db"
)

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository { return &alertRepoPG{pool: pool} }

func (r *alertRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const alertCols = `id, user_id, patient_profile_id, prescription_id, alert_data, created_at`

func (r *alertRepoPG) scanAlert(row pgx.Row) (*InteractionAlert, error) {
	var a InteractionAlert
	err := row.Scan(&a.ID, &a.UserID, &a.PatientProfileID, &a.PrescriptionID, &a.Alert, &a.CreatedAt)
	return &a, err
}

func (r *alertRepoPG) Create(ctx context.Context, a *InteractionAlert) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO interaction_alert (id, user_id, patient_profile_id, prescription_id, alert_data)
		VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.UserID, a.PatientProfileID, a.PrescriptionID, a.Alert)
	return err
}

func (r *alertRepoPG) ListByPatientProfile(ctx context.Context, patientProfileID uuid.UUID, limit, offset int) ([]*InteractionAlert, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM interaction_alert WHERE patient_profile_id = $1`, patientProfileID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+alertCols+` FROM interaction_alert WHERE patient_profile_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientProfileID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InteractionAlert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, nil
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository { return &medicationRepoPG{pool: pool} }

func (r *medicationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// UpsertByName inserts the medication if its case-insensitive name is new and
// returns the stored row either way. The RxNorm code is only written on first
// insert; an existing row keeps its code.
func (r *medicationRepoPG) UpsertByName(ctx context.Context, name string, rxNormID *string) (*Medication, error) {
	var m Medication
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, name, rx_norm_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (lower(name)) DO UPDATE SET name = medication.name
		RETURNING id, name, rx_norm_id, created_at`,
		uuid.New(), name, rxNormID).Scan(&m.ID, &m.Name, &m.RxNormID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription (id, patient_profile_id, medication_id, type)
		VALUES ($1,$2,$3,$4)`,
		p.ID, p.PatientProfileID, p.MedicationID, p.Type)
	return err
}
