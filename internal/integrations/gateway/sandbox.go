package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-process gateway for local runs and tests. Charges succeed
// unless an outcome was registered for the instrument. A charge repeating the
// idempotency_key metadata of an earlier one returns the earlier result.
type Sandbox struct {
	mu        sync.Mutex
	outcomes  map[string]string
	charges   []ChargeRequest
	replays   map[string]sandboxCharge
	refunds   map[string]decimal.Decimal
	provision error
	created   int
}

type sandboxCharge struct {
	res ChargeResult
	err error
}

// NewSandbox returns an empty sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{
		outcomes: make(map[string]string),
		replays:  make(map[string]sandboxCharge),
		refunds:  make(map[string]decimal.Decimal),
	}
}

// Decline makes every charge against instrumentRef fail with code.
// An empty code restores success.
func (s *Sandbox) Decline(instrumentRef, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		delete(s.outcomes, instrumentRef)
		return
	}
	s.outcomes[instrumentRef] = code
}

// FailProvisioning makes CreateReusableInstrument return err.
func (s *Sandbox) FailProvisioning(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provision = err
}

// Charges returns the charge attempts seen so far.
func (s *Sandbox) Charges() []ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChargeRequest, len(s.charges))
	copy(out, s.charges)
	return out
}

// InstrumentsCreated counts provisioned instruments.
func (s *Sandbox) InstrumentsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Refunded returns the refunded amount for chargeRef.
func (s *Sandbox) Refunded(chargeRef string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.refunds[chargeRef]
	return amount, ok
}

func (s *Sandbox) ChargeStoredInstrument(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, &Error{Code: CodeTimeout, Message: err.Error()}
	}
	if req.InstrumentRef == "" {
		return ChargeResult{}, ErrMissingInstrument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.Metadata["idempotency_key"]
	if prev, ok := s.replays[key]; ok && key != "" {
		return prev.res, prev.err
	}
	s.charges = append(s.charges, req)

	var c sandboxCharge
	if code, ok := s.outcomes[req.InstrumentRef]; ok {
		c.err = &Error{Code: code, Message: "sandbox decline"}
	} else {
		c.res = ChargeResult{ChargeRef: "ch_" + uuid.NewString(), Status: StatusSucceeded}
	}
	if key != "" {
		s.replays[key] = c
	}
	return c.res, c.err
}

func (s *Sandbox) CreateReusableInstrument(ctx context.Context, customerRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provision != nil {
		return "", s.provision
	}
	s.created++
	return "pm_" + uuid.NewString(), nil
}

func (s *Sandbox) RefundCharge(ctx context.Context, chargeRef string, amount *decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refunded := decimal.Zero
	if amount != nil {
		refunded = *amount
	}
	s.refunds[chargeRef] = refunded
	return "re_" + uuid.NewString(), nil
}
