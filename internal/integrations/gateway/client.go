package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
)

// Client talks to the gateway over HTTP. Requests and responses are XML.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	log    *logrus.Logger
}

// NewClient initializes a new gateway client
func NewClient(cfg config.GatewayConfig, log *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// response is the parsed gateway reply.
type response struct {
	Status  string
	ID      string
	Code    string
	Message string
}

// buildRequest renders an operation and its fields as an XML document.
func buildRequest(operation string, fields map[string]string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(operation)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, "meta.") {
			meta := root.FindElement("./metadata")
			if meta == nil {
				meta = root.CreateElement("metadata")
			}
			entry := meta.CreateElement("entry")
			entry.CreateAttr("key", strings.TrimPrefix(k, "meta."))
			entry.SetText(fields[k])
			continue
		}
		root.CreateElement(k).SetText(fields[k])
	}
	return doc.WriteToBytes()
}

// sendRequest posts an XML body to path
func (c *Client) sendRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return nil, &Error{Code: CodeProcessingError, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeProcessingError, Message: fmt.Sprintf("failed to read response: %v", err)}
	}
	c.log.Debugf("Gateway XML response from %s: %s", path, string(raw))

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &Error{Code: CodeProcessingError, Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
	}
	return raw, nil
}

// parseResponse extracts status, id and error details from the reply.
func parseResponse(raw []byte) (*response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &Error{Code: CodeProcessingError, Message: fmt.Sprintf("failed to parse XML: %v", err)}
	}
	root := doc.FindElement("//response")
	if root == nil {
		return nil, &Error{Code: CodeProcessingError, Message: "response element not found in XML"}
	}

	r := &response{}
	if el := root.FindElement("./status"); el != nil {
		r.Status = strings.TrimSpace(el.Text())
	}
	if el := root.FindElement("./id"); el != nil {
		r.ID = strings.TrimSpace(el.Text())
	}
	if el := root.FindElement("./error"); el != nil {
		r.Code = el.SelectAttrValue("code", CodeProcessingError)
		r.Message = strings.TrimSpace(el.Text())
	}
	return r, nil
}

func (c *Client) call(ctx context.Context, path, operation string, fields map[string]string) (*response, error) {
	body, err := buildRequest(operation, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	raw, err := c.sendRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}
	r, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	if r.Code != "" || (r.Status != "" && r.Status != StatusSucceeded) {
		code := r.Code
		if code == "" {
			code = CodeProcessingError
		}
		return nil, &Error{Code: code, Message: r.Message, ChargeRef: r.ID}
	}
	if r.ID == "" {
		return nil, &Error{Code: CodeProcessingError, Message: "no reference in gateway response"}
	}
	return r, nil
}

// ChargeStoredInstrument charges a previously provisioned instrument.
func (c *Client) ChargeStoredInstrument(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.InstrumentRef == "" {
		return ChargeResult{}, ErrMissingInstrument
	}
	fields := map[string]string{
		"customer":   req.CustomerRef,
		"instrument": req.InstrumentRef,
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
	}
	for k, v := range req.Metadata {
		fields["meta."+k] = v
	}
	r, err := c.call(ctx, "/charges", "charge", fields)
	if err != nil {
		return ChargeResult{}, err
	}
	c.log.WithFields(logrus.Fields{"customer": req.CustomerRef, "charge": r.ID}).Info("Charged stored instrument")
	return ChargeResult{ChargeRef: r.ID, Status: StatusSucceeded}, nil
}

// CreateReusableInstrument provisions an instrument for future off-session charges.
func (c *Client) CreateReusableInstrument(ctx context.Context, customerRef string) (string, error) {
	r, err := c.call(ctx, "/instruments", "instrument", map[string]string{"customer": customerRef, "usage": "off_session"})
	if err != nil {
		return "", err
	}
	c.log.WithField("customer", customerRef).Info("Provisioned reusable instrument")
	return r.ID, nil
}

// RefundCharge refunds a charge. A nil amount refunds it in full.
func (c *Client) RefundCharge(ctx context.Context, chargeRef string, amount *decimal.Decimal) (string, error) {
	fields := map[string]string{"charge": chargeRef}
	if amount != nil {
		fields["amount"] = amount.StringFixed(2)
	}
	r, err := c.call(ctx, "/refunds", "refund", fields)
	if err != nil {
		return "", err
	}
	c.log.WithFields(logrus.Fields{"charge": chargeRef, "refund": r.ID}).Info("Refunded charge")
	return r.ID, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
