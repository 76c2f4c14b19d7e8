package invoice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore persists invoice records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	body, err := rec.Invoice.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode invoice: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, issuer_tg_id, invoice, confirmation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.IssuerID, string(body), string(rec.Confirmation), rec.CreatedAt, rec.UpdatedAt,
	)
	return mapPgError(err)
}

const invoiceColumns = `id, issuer_tg_id, invoice,
		       payment_tx, payment_mode, payer_tg_id, payer_address, paid_at,
		       confirmation, confirmed_at,
		       payout_kind, payout_tx, rejection_reason, settled_at,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, filter ListFilter) ([]*Record, error) {
	var owner string
	switch filter.Role {
	case RoleIssuer:
		owner = `issuer_tg_id = $1`
	case RolePayer:
		owner = `payer_tg_id = $1`
	default:
		owner = `(issuer_tg_id = $1 OR payer_tg_id = $1)`
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if filter.Cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+invoiceColumns+`
			FROM invoices
			WHERE `+owner+` AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, filter.Cursor.CreatedAt, filter.Cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+invoiceColumns+`
			FROM invoices
			WHERE `+owner+`
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordPayment(ctx context.Context, id string, payment Payment, payout *Payout) error {
	if err := validateSettlement(&payment, payout); err != nil {
		return err
	}
	var (
		kind     sql.NullString
		payoutTx sql.NullString
		settled  sql.NullTime
	)
	if payout != nil {
		kind = nullString(string(payout.Kind))
		payoutTx = nullString(payout.TxRef)
		settled = sql.NullTime{Time: payout.SettledAt, Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			payment_tx = $1, payment_mode = $2, payer_tg_id = $3, payer_address = $4, paid_at = $5,
			payout_kind = $6, payout_tx = $7, settled_at = $8, updated_at = $5
		WHERE id = $9 AND payment_tx IS NULL AND payout_kind IS NULL`,
		payment.TxRef, string(payment.Mode), payment.PayerID, nullString(payment.PayerAddress), payment.RecordedAt,
		kind, payoutTx, settled, id,
	)
	if err != nil {
		return mapPgError(err)
	}
	return p.checkApplied(ctx, result, id, fmt.Errorf("%w: payment already recorded", ErrInvalidState))
}

func (p *PostgresStore) SetConfirmed(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET confirmation = 'confirmed', confirmed_at = $1, updated_at = $1
		WHERE id = $2 AND payment_tx IS NOT NULL AND confirmation = 'pending'`,
		at, id,
	)
	if err != nil {
		return mapPgError(err)
	}
	return p.checkApplied(ctx, result, id, fmt.Errorf("%w: nothing to confirm", ErrInvalidState))
}

func (p *PostgresStore) SetPayout(ctx context.Context, id string, payout Payout, confirmation Confirmation) error {
	if err := payout.validate(); err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			payout_kind = $1, payout_tx = $2, rejection_reason = $3, settled_at = $4,
			confirmation = $5, updated_at = $4
		WHERE id = $6 AND payment_tx IS NOT NULL AND payout_kind IS NULL`,
		string(payout.Kind), nullString(payout.TxRef), nullString(payout.RejectionReason), payout.SettledAt,
		string(confirmation), id,
	)
	if err != nil {
		return mapPgError(err)
	}
	return p.checkApplied(ctx, result, id, ErrAlreadySettled)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM invoices
		WHERE id = $1 AND payment_tx IS NULL AND payout_kind IS NULL`, id)
	if err != nil {
		return err
	}
	return p.checkApplied(ctx, result, id, fmt.Errorf("%w: paid invoices cannot be deleted", ErrInvalidState))
}

// checkApplied turns a zero-row conditional write into ErrNotFound or conflict.
func (p *PostgresStore) checkApplied(ctx context.Context, result sql.Result, id string, conflict error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return conflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		body         string
		paymentTx    sql.NullString
		paymentMode  sql.NullString
		payerID      sql.NullInt64
		payerAddress sql.NullString
		paidAt       sql.NullTime
		confirmation string
		confirmedAt  sql.NullTime
		payoutKind   sql.NullString
		payoutTx     sql.NullString
		reason       sql.NullString
		settledAt    sql.NullTime
	)
	err := s.Scan(
		&rec.ID, &rec.IssuerID, &body,
		&paymentTx, &paymentMode, &payerID, &payerAddress, &paidAt,
		&confirmation, &confirmedAt,
		&payoutKind, &payoutTx, &reason, &settledAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &rec.Invoice); err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", rec.ID, err)
	}
	rec.Confirmation = Confirmation(confirmation)
	if confirmedAt.Valid {
		rec.ConfirmedAt = &confirmedAt.Time
	}
	if paymentTx.Valid {
		rec.Payment = &Payment{
			TxRef:        paymentTx.String,
			Mode:         PaymentMode(paymentMode.String),
			PayerID:      payerID.Int64,
			PayerAddress: payerAddress.String,
			RecordedAt:   paidAt.Time,
		}
	}
	if payoutKind.Valid {
		rec.Payout = &Payout{
			Kind:            PayoutKind(payoutKind.String),
			TxRef:           payoutTx.String,
			RejectionReason: reason.String,
			SettledAt:       settledAt.Time,
		}
	}
	return rec, nil
}

// mapPgError translates constraint violations into invoice errors.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	case pgCheckViolation:
		return fmt.Errorf("%w: %s", ErrValidation, pqErr.Constraint)
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
