// Package memory is an in-process repository.Store used in dev mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/repository"
)

type installmentKey struct {
	transactionID string
	number        int
}

type state struct {
	transactions  map[string]models.Transaction
	installments  map[string]models.Installment
	customers     map[string]models.Customer
	configs       map[string]models.MerchantDiscountConfig
	settings      map[string]models.MerchantSettings
	audit         []models.AuditEntry
	notifications []models.Notification
}

func newState() *state {
	return &state{
		transactions: make(map[string]models.Transaction),
		installments: make(map[string]models.Installment),
		customers:    make(map[string]models.Customer),
		configs:      make(map[string]models.MerchantDiscountConfig),
		settings:     make(map[string]models.MerchantSettings),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.installments {
		c.installments[k] = v.Clone()
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.configs {
		c.configs[k] = cloneConfig(v)
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	c.audit = append([]models.AuditEntry(nil), s.audit...)
	c.notifications = append([]models.Notification(nil), s.notifications...)
	return c
}

// Store keeps everything in maps. A unit of work runs against a private copy
// of the state which replaces the shared one only on success.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	// BeforeInsert, when set, is called before each installment insert.
	// Returning an error aborts the unit of work.
	BeforeInsert func(inst models.Installment) error
}

var (
	_ repository.Store = (*Store)(nil)
	_ repository.Tx    = (*tx)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// WithinTx serializes units of work and commits fn's writes atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{reader: reader{st: work}, store: s}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetTransaction(ctx, id)
}

func (s *Store) GetInstallment(ctx context.Context, id string) (*models.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetInstallment(ctx, id)
}

func (s *Store) ListInstallments(ctx context.Context, transactionID string) ([]models.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListInstallments(ctx, transactionID)
}

func (s *Store) ListDueInstallments(ctx context.Context, f repository.DueFilter) ([]models.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListDueInstallments(ctx, f)
}

func (s *Store) ListStaleProcessing(ctx context.Context, before time.Time) ([]models.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListStaleProcessing(ctx, before)
}

func (s *Store) GetCustomer(ctx context.Context, ref string) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetCustomer(ctx, ref)
}

func (s *Store) GetDiscountConfig(ctx context.Context, merchantRef string) (*models.MerchantDiscountConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetDiscountConfig(ctx, merchantRef)
}

func (s *Store) GetMerchantSettings(ctx context.Context, merchantRef string) (*models.MerchantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.GetMerchantSettings(ctx, merchantRef)
}

func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListPendingNotifications(ctx, limit)
}

func (s *Store) ListAudit(ctx context.Context, transactionID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ListAudit(ctx, transactionID)
}

// Count returns the number of stored installments.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.installments)
}

type reader struct {
	st *state
}

func (r reader) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	txn, ok := r.st.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, repository.ErrNotFound)
	}
	txn.Installments = nil
	return &txn, nil
}

func (r reader) GetInstallment(_ context.Context, id string) (*models.Installment, error) {
	inst, ok := r.st.installments[id]
	if !ok {
		return nil, fmt.Errorf("installment %s: %w", id, repository.ErrNotFound)
	}
	c := inst.Clone()
	return &c, nil
}

func (r reader) ListInstallments(_ context.Context, transactionID string) ([]models.Installment, error) {
	var out []models.Installment
	for _, inst := range r.st.installments {
		if inst.TransactionID == transactionID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].InstallmentNumber != out[b].InstallmentNumber {
			return out[a].InstallmentNumber < out[b].InstallmentNumber
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (r reader) ListDueInstallments(_ context.Context, f repository.DueFilter) ([]models.Installment, error) {
	var out []models.Installment
	for _, inst := range r.st.installments {
		if f.RetriesOnly && inst.NextRetryAt == nil {
			continue
		}
		if inst.IsDue(f.Now) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].DueDate.Equal(out[b].DueDate) {
			return out[a].DueDate.Before(out[b].DueDate)
		}
		if out[a].TransactionID != out[b].TransactionID {
			return out[a].TransactionID < out[b].TransactionID
		}
		return out[a].InstallmentNumber < out[b].InstallmentNumber
	})
	return out, nil
}

func (r reader) ListStaleProcessing(_ context.Context, before time.Time) ([]models.Installment, error) {
	var out []models.Installment
	touched := func(i models.Installment) time.Time {
		if i.LastAttemptAt != nil {
			return *i.LastAttemptAt
		}
		return i.CreatedAt
	}
	for _, inst := range r.st.installments {
		if inst.Status == models.StatusProcessing && !touched(inst).After(before) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if ta, tb := touched(out[a]), touched(out[b]); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (r reader) GetCustomer(_ context.Context, ref string) (*models.Customer, error) {
	c, ok := r.st.customers[ref]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", ref, repository.ErrNotFound)
	}
	return &c, nil
}

func (r reader) GetDiscountConfig(_ context.Context, merchantRef string) (*models.MerchantDiscountConfig, error) {
	cfg, ok := r.st.configs[merchantRef]
	if !ok {
		return nil, fmt.Errorf("discount config %s: %w", merchantRef, repository.ErrNotFound)
	}
	c := cloneConfig(cfg)
	return &c, nil
}

func (r reader) GetMerchantSettings(_ context.Context, merchantRef string) (*models.MerchantSettings, error) {
	s, ok := r.st.settings[merchantRef]
	if !ok {
		return &models.MerchantSettings{MerchantRef: merchantRef}, nil
	}
	return &s, nil
}

func (r reader) ListPendingNotifications(_ context.Context, limit int) ([]models.Notification, error) {
	var out []models.Notification
	for _, n := range r.st.notifications {
		if n.SentAt != nil {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r reader) ListAudit(_ context.Context, transactionID string) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range r.st.audit {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type tx struct {
	reader
	store *Store
}

func (t *tx) InsertTransaction(_ context.Context, txn *models.Transaction) error {
	if _, ok := t.st.transactions[txn.ID]; ok {
		return nil
	}
	c := *txn
	c.Installments = nil
	t.st.transactions[txn.ID] = c
	return nil
}

func (t *tx) InsertInstallments(_ context.Context, installments []models.Installment) error {
	taken := make(map[installmentKey]bool, len(t.st.installments))
	for _, inst := range t.st.installments {
		taken[installmentKey{inst.TransactionID, inst.InstallmentNumber}] = true
	}
	for _, inst := range installments {
		if t.store.BeforeInsert != nil {
			if err := t.store.BeforeInsert(inst); err != nil {
				return err
			}
		}
		key := installmentKey{inst.TransactionID, inst.InstallmentNumber}
		if taken[key] {
			return fmt.Errorf("installment %d of transaction %s: %w", inst.InstallmentNumber, inst.TransactionID, repository.ErrScheduleExists)
		}
		if _, ok := t.st.installments[inst.ID]; ok {
			return fmt.Errorf("installment %s already exists", inst.ID)
		}
		taken[key] = true
		t.st.installments[inst.ID] = inst.Clone()
	}
	return nil
}

func (t *tx) DeleteInstallments(_ context.Context, transactionID string) (int64, error) {
	var n int64
	for id, inst := range t.st.installments {
		if inst.TransactionID == transactionID {
			delete(t.st.installments, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) CompareAndSwapInstallment(_ context.Context, cur, next models.Installment) (models.Installment, error) {
	stored, ok := t.st.installments[cur.ID]
	if !ok {
		return next, fmt.Errorf("installment %s: %w", cur.ID, repository.ErrNotFound)
	}
	if stored.Status != cur.Status || stored.Version != cur.Version {
		return next, fmt.Errorf("installment %s (%s v%d): %w", cur.ID, cur.Status, cur.Version, repository.ErrStaleInstallment)
	}
	next.ID = stored.ID
	next.TransactionID = stored.TransactionID
	next.InstallmentNumber = stored.InstallmentNumber
	next.CreatedAt = stored.CreatedAt
	next.Version = stored.Version + 1
	t.st.installments[cur.ID] = next.Clone()
	return next, nil
}

func (t *tx) UpsertCustomer(_ context.Context, c *models.Customer) error {
	existing := t.st.customers[c.Ref]
	updated := *c
	if updated.DefaultInstrumentRef == "" {
		updated.DefaultInstrumentRef = existing.DefaultInstrumentRef
	}
	t.st.customers[c.Ref] = updated
	return nil
}

func (t *tx) SetDefaultInstrument(_ context.Context, customerRef, instrumentRef string) error {
	c := t.st.customers[customerRef]
	c.Ref = customerRef
	c.DefaultInstrumentRef = instrumentRef
	t.st.customers[customerRef] = c
	return nil
}

func (t *tx) SaveDiscountConfig(_ context.Context, cfg *models.MerchantDiscountConfig) error {
	t.st.configs[cfg.MerchantRef] = cloneConfig(*cfg)
	return nil
}

func (t *tx) SaveMerchantSettings(_ context.Context, s *models.MerchantSettings) error {
	t.st.settings[s.MerchantRef] = *s
	return nil
}

func (t *tx) AppendAudit(_ context.Context, entries ...models.AuditEntry) error {
	t.st.audit = append(t.st.audit, entries...)
	return nil
}

func (t *tx) EnqueueNotification(_ context.Context, n models.Notification) error {
	t.st.notifications = append(t.st.notifications, n)
	return nil
}

func (t *tx) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	for i := range t.st.notifications {
		if t.st.notifications[i].ID == id {
			t.st.notifications[i].SentAt = &at
			t.st.notifications[i].Attempts++
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, repository.ErrNotFound)
}

func (t *tx) MarkNotificationFailed(_ context.Context, id string) error {
	for i := range t.st.notifications {
		if t.st.notifications[i].ID == id {
			t.st.notifications[i].Attempts++
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, repository.ErrNotFound)
}

func cloneConfig(cfg models.MerchantDiscountConfig) models.MerchantDiscountConfig {
	return *cfg.Clone()
}
