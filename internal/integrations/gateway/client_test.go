package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewClient(config.GatewayConfig{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, log)
}

func TestChargeStoredInstrumentSuccess(t *testing.T) {
	var got *etree.Document
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charges" {
			t.Errorf("expected /charges, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("expected bearer key, got %q", r.Header.Get("Authorization"))
		}
		got = etree.NewDocument()
		if _, err := got.ReadFrom(r.Body); err != nil {
			t.Errorf("failed to parse request: %v", err)
		}
		io.WriteString(w, `<?xml version="1.0"?><response><status>succeeded</status><id>ch_1</id></response>`)
	})

	res, err := c.ChargeStoredInstrument(context.Background(), ChargeRequest{
		CustomerRef:   "cus_1",
		InstrumentRef: "pm_1",
		Amount:        decimal.RequireFromString("100"),
		Currency:      "USD",
		Metadata:      map[string]string{"installment_id": "i-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ChargeRef != "ch_1" || res.Status != StatusSucceeded {
		t.Errorf("unexpected result %+v", res)
	}
	if el := got.FindElement("//charge/amount"); el == nil || el.Text() != "100.00" {
		t.Errorf("expected amount 100.00 in request")
	}
	if el := got.FindElement("//charge/metadata/entry[@key='installment_id']"); el == nil || el.Text() != "i-1" {
		t.Errorf("expected metadata entry in request")
	}
}

func TestChargeStoredInstrumentDecline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<response><status>declined</status><id>ch_2</id><error code="insufficient_funds">not enough</error></response>`)
	})

	_, err := c.ChargeStoredInstrument(context.Background(), ChargeRequest{InstrumentRef: "pm_1", Amount: decimal.NewFromInt(5)})
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gwErr.Code != CodeInsufficientFunds || gwErr.ChargeRef != "ch_2" {
		t.Errorf("unexpected error %+v", gwErr)
	}
}

func TestChargeStoredInstrumentServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ChargeStoredInstrument(context.Background(), ChargeRequest{InstrumentRef: "pm_1", Amount: decimal.NewFromInt(5)})
	if !errors.Is(err, &Error{Code: CodeProcessingError}) {
		t.Errorf("expected processing error, got %v", err)
	}
}

func TestChargeStoredInstrumentTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server notices the client hang-up (needed before Go 1.22)
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ChargeStoredInstrument(ctx, ChargeRequest{InstrumentRef: "pm_1", Amount: decimal.NewFromInt(5)})
	if !errors.Is(err, &Error{Code: CodeTimeout}) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestChargeWithoutInstrument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.ChargeStoredInstrument(context.Background(), ChargeRequest{Amount: decimal.NewFromInt(5)})
	if !errors.Is(err, ErrMissingInstrument) {
		t.Errorf("expected missing instrument, got %v", err)
	}
}

func TestRefundCharge(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		io.WriteString(w, `<response><status>succeeded</status><id>re_1</id></response>`)
	})
	amount := decimal.RequireFromString("12.5")
	ref, err := c.RefundCharge(context.Background(), "ch_1", &amount)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "re_1" {
		t.Errorf("expected re_1, got %s", ref)
	}
	if !strings.Contains(body, "<amount>12.50</amount>") || !strings.Contains(body, "<charge>ch_1</charge>") {
		t.Errorf("unexpected request body %s", body)
	}
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not xml`)
	})
	if _, err := c.CreateReusableInstrument(context.Background(), "cus_1"); err == nil {
		t.Error("expected parse error")
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"charge_ref":"ch_1"}`)
	sig := Sign(payload, "whsec")

	if !VerifySignature(payload, sig, "whsec") {
		t.Error("expected valid signature")
	}
	if !VerifySignature(payload, "sha256="+sig, "whsec") {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, sig, "other") {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte("tampered"), sig, "whsec") {
		t.Error("expected tampered payload to fail")
	}
	if VerifySignature(payload, "zz", "whsec") {
		t.Error("expected malformed header to fail")
	}
}

func TestSandbox(t *testing.T) {
	t.Parallel()

	s := NewSandbox()
	ctx := context.Background()
	pm, err := s.CreateReusableInstrument(ctx, "cus_1")
	if err != nil || !strings.HasPrefix(pm, "pm_") {
		t.Fatalf("unexpected instrument %q %v", pm, err)
	}

	s.Decline(pm, CodeCardDeclined)
	if _, err := s.ChargeStoredInstrument(ctx, ChargeRequest{InstrumentRef: pm, Amount: decimal.NewFromInt(1)}); !errors.Is(err, &Error{Code: CodeCardDeclined}) {
		t.Errorf("expected decline, got %v", err)
	}
	s.Decline(pm, "")
	if _, err := s.ChargeStoredInstrument(ctx, ChargeRequest{InstrumentRef: pm, Amount: decimal.NewFromInt(1)}); err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if n := len(s.Charges()); n != 2 {
		t.Errorf("expected 2 charges recorded, got %d", n)
	}
	if s.InstrumentsCreated() != 1 {
		t.Errorf("expected 1 instrument, got %d", s.InstrumentsCreated())
	}
}

func TestSandboxReplaysIdempotencyKey(t *testing.T) {
	t.Parallel()

	s := NewSandbox()
	ctx := context.Background()
	req := ChargeRequest{InstrumentRef: "pm_1", Amount: decimal.NewFromInt(5), Metadata: map[string]string{"idempotency_key": "i-1:2"}}

	first, err := s.ChargeStoredInstrument(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Decline("pm_1", CodeCardDeclined)
	again, err := s.ChargeStoredInstrument(ctx, req)
	if err != nil || again.ChargeRef != first.ChargeRef {
		t.Errorf("expected replay of %s, got %+v %v", first.ChargeRef, again, err)
	}

	req.Metadata = map[string]string{"idempotency_key": "i-1:3"}
	if _, err := s.ChargeStoredInstrument(ctx, req); !errors.Is(err, &Error{Code: CodeCardDeclined}) {
		t.Errorf("expected a new key to reach the instrument, got %v", err)
	}
	if n := len(s.Charges()); n != 2 {
		t.Errorf("expected 2 charges recorded, got %d", n)
	}
}
