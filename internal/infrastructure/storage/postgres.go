package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore backs both the patient registry and the report store.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ ports.PatientRegistry = (*PostgresStore)(nil)
	_ ports.ReportStore     = (*PostgresStore)(nil)
)

// NewPostgresStore wires a sql.DB implementation.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the race signal the reconciler turns into an update.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetPatient fetches one registry record by primary key, or nil.
func (s *PostgresStore) GetPatient(ctx context.Context, id int64) (*domain.Patient, error) {
	query, args, err := psql.
		Select("id", "mrn", "first_name", "last_name", "dob").
		From("patients").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	patient, err := scanPatient(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return patient, nil
}

// FindByExternalID resolves a previously recorded portal-ID link.
func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*domain.Patient, error) {
	query, args, err := psql.
		Select("p.id", "p.mrn", "p.first_name", "p.last_name", "p.dob").
		From("patients p").
		Join("patient_portal_ids l ON l.patient_id = p.id").
		Where(sq.Eq{"l.external_id": externalID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	patient, err := scanPatient(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient by external id: %w", err)
	}
	return patient, nil
}

// FindByDOB returns all patients born on the given date, the candidate set
// for fuzzy name matching.
func (s *PostgresStore) FindByDOB(ctx context.Context, dob time.Time) ([]domain.Patient, error) {
	query, args, err := psql.
		Select("id", "mrn", "first_name", "last_name", "dob").
		From("patients").
		Where(sq.Eq{"dob": dob}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryPatients(ctx, query, args...)
}

// ListPatients returns every patient, used by the sync-all fan-out.
func (s *PostgresStore) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	query, args, err := psql.
		Select("id", "mrn", "first_name", "last_name", "dob").
		From("patients").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryPatients(ctx, query, args...)
}

// CreatePatient inserts a new registry record and returns its ID.
func (s *PostgresStore) CreatePatient(ctx context.Context, p domain.Patient) (int64, error) {
	query, args, err := psql.
		Insert("patients").
		Columns("mrn", "first_name", "last_name", "dob").
		Values(p.MRN, p.FirstName, p.LastName, p.DOB).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create patient: %w", err)
	}
	return id, nil
}

// RecordExternalID links a portal patient identifier to a registry record,
// so later syncs match exactly without re-fuzzing.
func (s *PostgresStore) RecordExternalID(ctx context.Context, patientID int64, externalID string) error {
	query, args, err := psql.
		Insert("patient_portal_ids").
		Columns("patient_id", "external_id").
		Values(patientID, externalID).
		Suffix("ON CONFLICT (external_id) DO UPDATE SET patient_id = EXCLUDED.patient_id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record external id: %w", err)
	}
	return nil
}

// GetByExternalID fetches the stored report for an upsert key, or nil.
func (s *PostgresStore) GetByExternalID(ctx context.Context, patientID int64, externalID string) (*domain.Report, error) {
	query, args, err := psql.
		Select("id", "patient_id", "external_id", "title", "report_date", "body", "source", "confidence", "created_at", "updated_at").
		From("investigations").
		Where(sq.Eq{"patient_id": patientID, "external_id": externalID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var r domain.Report
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&r.ID, &r.PatientID, &r.ExternalID, &r.Title, &r.ReportDate,
		&r.Body, &r.Source, &r.Confidence, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

// Create inserts a new investigation record. The (patient_id, external_id)
// unique constraint is the dedupe backstop under concurrent imports.
func (s *PostgresStore) Create(ctx context.Context, r domain.Report) error {
	query, args, err := psql.
		Insert("investigations").
		Columns("patient_id", "external_id", "title", "report_date", "body", "source", "confidence").
		Values(r.PatientID, r.ExternalID, r.Title, r.ReportDate, r.Body, r.Source, r.Confidence).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

// Update overwrites the stored content for an upsert key (last write wins).
func (s *PostgresStore) Update(ctx context.Context, r domain.Report) error {
	query, args, err := psql.
		Update("investigations").
		Set("title", r.Title).
		Set("report_date", r.ReportDate).
		Set("body", r.Body).
		Set("source", r.Source).
		Set("confidence", r.Confidence).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"patient_id": r.PatientID, "external_id": r.ExternalID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*domain.Patient, error) {
	var p domain.Patient
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.DOB); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) queryPatients(ctx context.Context, query string, args ...any) ([]domain.Patient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}

	var patients []domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, *p)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return patients, nil
}
