package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/utils"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore provides database operations on PostgreSQL
type PostgresStore struct {
	pgReader
	db  *sql.DB
	log *logrus.Logger
}

// NewPostgresStore initializes a new store. Instrument references are sealed
// with sealer before they are written.
func NewPostgresStore(db *sql.DB, sealer *utils.Sealer, log *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		pgReader: pgReader{q: db, sealer: sealer},
		db:       db,
		log:      log,
	}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a database transaction, committing only if fn succeeds
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx, sealer: s.sealer}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && s.log != nil {
			s.log.Errorf("Failed to roll back transaction: %v", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgReader struct {
	q      querier
	sealer *utils.Sealer
}

type rowScanner interface {
	Scan(dest ...any) error
}

const installmentColumns = `id, transaction_id, installment_number, amount, due_date, status,
	retry_count, next_retry_at, last_failure_reason, external_charge_ref,
	last_attempt_at, paid_at, discount_applied, version, created_at, updated_at`

func scanInstallment(row rowScanner) (models.Installment, error) {
	var (
		inst                         models.Installment
		status                       string
		nextRetry, lastAttempt, paid sql.NullTime
		failureReason, chargeRef     sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.TransactionID, &inst.InstallmentNumber, &inst.Amount, &inst.DueDate, &status,
		&inst.RetryCount, &nextRetry, &failureReason, &chargeRef,
		&lastAttempt, &paid, &inst.DiscountApplied, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return inst, err
	}
	inst.Status = models.InstallmentStatus(status)
	inst.DueDate = inst.DueDate.UTC()
	inst.NextRetryAt = nullTime(nextRetry)
	inst.LastAttemptAt = nullTime(lastAttempt)
	inst.PaidAt = nullTime(paid)
	inst.LastFailureReason = nullString(failureReason)
	inst.ExternalChargeRef = nullString(chargeRef)
	return inst, nil
}

func (r pgReader) queryInstallments(ctx context.Context, query string, args ...any) ([]models.Installment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetTransaction retrieves a transaction without its installments
func (r pgReader) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var plan string
	query := `
		SELECT id, merchant_ref, customer_ref, total_amount, card_funded_amount, currency, plan, created_at
		FROM bnpl.transactions
		WHERE id = $1`
	err := r.q.QueryRowContext(ctx, query, id).
		Scan(&txn.ID, &txn.MerchantRef, &txn.CustomerRef, &txn.TotalAmount, &txn.CardFundedAmount, &txn.Currency, &plan, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	txn.Plan = models.InstallmentPlan(plan)
	return txn, nil
}

// GetInstallment retrieves a single installment
func (r pgReader) GetInstallment(ctx context.Context, id string) (*models.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM bnpl.installments WHERE id = $1`
	inst, err := scanInstallment(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find installment: %w", err)
	}
	return &inst, nil
}

// ListInstallments returns a transaction's installments ordered by number
func (r pgReader) ListInstallments(ctx context.Context, transactionID string) ([]models.Installment, error) {
	query := `SELECT ` + installmentColumns + `
		FROM bnpl.installments
		WHERE transaction_id = $1
		ORDER BY installment_number, id`
	return r.queryInstallments(ctx, query, transactionID)
}

// ListDueInstallments returns SCHEDULED installments whose due date or
// pending retry time has passed. A pending retry hides the due date.
func (r pgReader) ListDueInstallments(ctx context.Context, f DueFilter) ([]models.Installment, error) {
	cond := `((next_retry_at IS NULL AND due_date <= $2) OR next_retry_at <= $2)`
	if f.RetriesOnly {
		cond = `next_retry_at IS NOT NULL AND next_retry_at <= $2`
	}
	query := `SELECT ` + installmentColumns + `
		FROM bnpl.installments
		WHERE status = $1 AND ` + cond + `
		ORDER BY due_date, transaction_id, installment_number`
	return r.queryInstallments(ctx, query, string(models.StatusScheduled), f.Now)
}

// ListStaleProcessing returns PROCESSING installments untouched since before
func (r pgReader) ListStaleProcessing(ctx context.Context, before time.Time) ([]models.Installment, error) {
	query := `SELECT ` + installmentColumns + `
		FROM bnpl.installments
		WHERE status = $1 AND COALESCE(last_attempt_at, created_at) <= $2
		ORDER BY COALESCE(last_attempt_at, created_at), id`
	return r.queryInstallments(ctx, query, string(models.StatusProcessing), before)
}

// GetCustomer retrieves a customer and unseals the stored instrument
func (r pgReader) GetCustomer(ctx context.Context, ref string) (*models.Customer, error) {
	c := &models.Customer{}
	var sealed sql.NullString
	query := `
		SELECT ref, email, name, default_instrument_ref, payment_method_type, tier
		FROM bnpl.customers
		WHERE ref = $1`
	err := r.q.QueryRowContext(ctx, query, ref).
		Scan(&c.Ref, &c.Email, &c.Name, &sealed, &c.PaymentMethodType, &c.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find customer: %w", err)
	}
	if sealed.Valid && sealed.String != "" {
		ref, err := r.sealer.Open(sealed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal instrument for customer %s: %w", c.Ref, err)
		}
		c.DefaultInstrumentRef = ref
	}
	return c, nil
}

// GetDiscountConfig retrieves a merchant's discount configuration
func (r pgReader) GetDiscountConfig(ctx context.Context, merchantRef string) (*models.MerchantDiscountConfig, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	query := `SELECT config, updated_at FROM bnpl.merchant_discount_configs WHERE merchant_ref = $1`
	err := r.q.QueryRowContext(ctx, query, merchantRef).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("discount config %s: %w", merchantRef, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find discount config: %w", err)
	}
	cfg := &models.MerchantDiscountConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode discount config %s: %w", merchantRef, err)
	}
	cfg.MerchantRef = merchantRef
	cfg.UpdatedAt = updatedAt
	return cfg, nil
}

// GetMerchantSettings folds the merchant's key/value rows into typed settings.
// A merchant without rows gets empty settings.
func (r pgReader) GetMerchantSettings(ctx context.Context, merchantRef string) (*models.MerchantSettings, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT key, value FROM bnpl.merchant_settings WHERE merchant_ref = $1`, merchantRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query merchant settings: %w", err)
	}
	defer rows.Close()

	s := &models.MerchantSettings{MerchantRef: merchantRef}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan merchant setting: %w", err)
		}
		switch key {
		case models.SettingSchedulingInterval:
			s.Scheduling.Interval = value
		}
	}
	return s, rows.Err()
}

const notificationColumns = `id, kind, transaction_id, installment_id, customer_ref, amount, reason,
	next_retry_at, attempts, created_at, sent_at`

// ListPendingNotifications returns undelivered outbox rows, oldest first
func (r pgReader) ListPendingNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM bnpl.notifications
		WHERE sent_at IS NULL
		ORDER BY created_at, id
		LIMIT $1`
	rows, err := r.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n                     models.Notification
			kind                  string
			installmentID, reason sql.NullString
			nextRetry, sent       sql.NullTime
		)
		if err := rows.Scan(&n.ID, &kind, &n.TransactionID, &installmentID, &n.CustomerRef, &n.Amount, &reason,
			&nextRetry, &n.Attempts, &n.CreatedAt, &sent); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Kind = models.NotificationKind(kind)
		n.InstallmentID = installmentID.String
		n.Reason = reason.String
		n.NextRetryAt = nullTime(nextRetry)
		n.SentAt = nullTime(sent)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListAudit returns a transaction's audit trail in insertion order
func (r pgReader) ListAudit(ctx context.Context, transactionID string) ([]models.AuditEntry, error) {
	query := `
		SELECT id, transaction_id, installment_id, action, from_status, to_status, detail, created_at
		FROM bnpl.audit_log
		WHERE transaction_id = $1
		ORDER BY created_at, id`
	rows, err := r.q.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var (
			e                               models.AuditEntry
			installmentID, from, to, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &installmentID, &e.Action, &from, &to, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.InstallmentID = installmentID.String
		e.FromStatus = models.InstallmentStatus(from.String)
		e.ToStatus = models.InstallmentStatus(to.String)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	pgReader
}

// InsertTransaction creates the transaction row if it does not exist yet
func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO bnpl.transactions (id, merchant_ref, customer_ref, total_amount, card_funded_amount, currency, plan, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	_, err := t.q.ExecContext(ctx, query, txn.ID, txn.MerchantRef, txn.CustomerRef, txn.TotalAmount,
		txn.CardFundedAmount, txn.Currency, string(txn.Plan), txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// InsertInstallments writes one row per installment
func (t *pgTx) InsertInstallments(ctx context.Context, installments []models.Installment) error {
	query := `
		INSERT INTO bnpl.installments (` + installmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	for _, inst := range installments {
		_, err := t.q.ExecContext(ctx, query, installmentArgs(inst)...)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("installment %d of transaction %s: %w", inst.InstallmentNumber, inst.TransactionID, ErrScheduleExists)
			}
			return fmt.Errorf("failed to create installment %d: %w", inst.InstallmentNumber, err)
		}
	}
	return nil
}

// DeleteInstallments removes a transaction's whole schedule
func (t *pgTx) DeleteInstallments(ctx context.Context, transactionID string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM bnpl.installments WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete installments: %w", err)
	}
	return res.RowsAffected()
}

// CompareAndSwapInstallment updates the row only if status and version still
// match cur
func (t *pgTx) CompareAndSwapInstallment(ctx context.Context, cur, next models.Installment) (models.Installment, error) {
	query := `
		UPDATE bnpl.installments
		SET amount = $1, due_date = $2, status = $3, retry_count = $4, next_retry_at = $5,
			last_failure_reason = $6, external_charge_ref = $7, last_attempt_at = $8, paid_at = $9,
			discount_applied = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND status = $13 AND version = $14`
	res, err := t.q.ExecContext(ctx, query,
		next.Amount, next.DueDate, string(next.Status), next.RetryCount, next.NextRetryAt,
		next.LastFailureReason, next.ExternalChargeRef, next.LastAttemptAt, next.PaidAt,
		next.DiscountApplied, next.UpdatedAt,
		cur.ID, string(cur.Status), cur.Version)
	if err != nil {
		return next, fmt.Errorf("failed to update installment %s: %w", cur.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return next, fmt.Errorf("failed to update installment %s: %w", cur.ID, err)
	}
	if n == 0 {
		return next, fmt.Errorf("installment %s (%s v%d): %w", cur.ID, cur.Status, cur.Version, ErrStaleInstallment)
	}
	next.Version = cur.Version + 1
	return next, nil
}

// UpsertCustomer creates or updates a customer's profile. The stored
// instrument is only written by SetDefaultInstrument.
func (t *pgTx) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	query := `
		INSERT INTO bnpl.customers (ref, email, name, payment_method_type, tier)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE
		SET email = EXCLUDED.email, name = EXCLUDED.name,
			payment_method_type = EXCLUDED.payment_method_type, tier = EXCLUDED.tier`
	if _, err := t.q.ExecContext(ctx, query, c.Ref, c.Email, c.Name, c.PaymentMethodType, c.Tier); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	if c.DefaultInstrumentRef != "" {
		return t.SetDefaultInstrument(ctx, c.Ref, c.DefaultInstrumentRef)
	}
	return nil
}

// SetDefaultInstrument seals and stores a customer's reusable instrument
func (t *pgTx) SetDefaultInstrument(ctx context.Context, customerRef, instrumentRef string) error {
	sealed, err := t.sealer.Seal(instrumentRef)
	if err != nil {
		return fmt.Errorf("failed to seal instrument: %w", err)
	}
	query := `
		INSERT INTO bnpl.customers (ref, default_instrument_ref)
		VALUES ($1, $2)
		ON CONFLICT (ref) DO UPDATE SET default_instrument_ref = EXCLUDED.default_instrument_ref`
	if _, err := t.q.ExecContext(ctx, query, customerRef, sealed); err != nil {
		return fmt.Errorf("failed to store instrument: %w", err)
	}
	return nil
}

// SaveDiscountConfig stores the merchant's configuration as a JSON document
func (t *pgTx) SaveDiscountConfig(ctx context.Context, cfg *models.MerchantDiscountConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode discount config: %w", err)
	}
	query := `
		INSERT INTO bnpl.merchant_discount_configs (merchant_ref, config, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_ref) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`
	if _, err := t.q.ExecContext(ctx, query, cfg.MerchantRef, raw, cfg.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save discount config: %w", err)
	}
	return nil
}

// SaveMerchantSettings writes the typed settings back as key/value rows
func (t *pgTx) SaveMerchantSettings(ctx context.Context, s *models.MerchantSettings) error {
	values := map[string]string{
		models.SettingSchedulingInterval: s.Scheduling.Interval,
	}
	for key, value := range values {
		var err error
		if value == "" {
			_, err = t.q.ExecContext(ctx, `DELETE FROM bnpl.merchant_settings WHERE merchant_ref = $1 AND key = $2`, s.MerchantRef, key)
		} else {
			_, err = t.q.ExecContext(ctx, `
				INSERT INTO bnpl.merchant_settings (merchant_ref, key, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (merchant_ref, key) DO UPDATE SET value = EXCLUDED.value`, s.MerchantRef, key, value)
		}
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}
	return nil
}

// AppendAudit inserts audit entries
func (t *pgTx) AppendAudit(ctx context.Context, entries ...models.AuditEntry) error {
	query := `
		INSERT INTO bnpl.audit_log (id, transaction_id, installment_id, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, query, e.ID, e.TransactionID, emptyAsNull(e.InstallmentID), e.Action,
			emptyAsNull(string(e.FromStatus)), emptyAsNull(string(e.ToStatus)), emptyAsNull(e.Detail), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append audit entry %s: %w", e.Action, err)
		}
	}
	return nil
}

// EnqueueNotification adds a row to the outbox
func (t *pgTx) EnqueueNotification(ctx context.Context, n models.Notification) error {
	query := `
		INSERT INTO bnpl.notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.q.ExecContext(ctx, query, n.ID, string(n.Kind), n.TransactionID, emptyAsNull(n.InstallmentID),
		n.CustomerRef, n.Amount, emptyAsNull(n.Reason), n.NextRetryAt, n.Attempts, n.CreatedAt, n.SentAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// MarkNotificationSent records delivery
func (t *pgTx) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return t.updateNotification(ctx, `UPDATE bnpl.notifications SET sent_at = $1, attempts = attempts + 1 WHERE id = $2`, at, id)
}

// MarkNotificationFailed counts a failed delivery; the row stays pending
func (t *pgTx) MarkNotificationFailed(ctx context.Context, id string) error {
	return t.updateNotification(ctx, `UPDATE bnpl.notifications SET attempts = attempts + 1 WHERE id = $1`, id)
}

func (t *pgTx) updateNotification(ctx context.Context, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("notification: %w", ErrNotFound)
	}
	return nil
}

func installmentArgs(inst models.Installment) []any {
	return []any{
		inst.ID, inst.TransactionID, inst.InstallmentNumber, inst.Amount, inst.DueDate, string(inst.Status),
		inst.RetryCount, inst.NextRetryAt, inst.LastFailureReason, inst.ExternalChargeRef,
		inst.LastAttemptAt, inst.PaidAt, inst.DiscountApplied, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
