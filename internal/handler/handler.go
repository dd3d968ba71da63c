package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/models"
	"github.com/Dan9191/bnpl-service/internal/service"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	scheduler     *service.Scheduler
	processor     *service.Processor
	settlement    *service.Settlement
	webhookSecret string
	log           *logrus.Logger
}

func NewHandler(scheduler *service.Scheduler, processor *service.Processor, settlement *service.Settlement, webhookSecret string, log *logrus.Logger) *Handler {
	return &Handler{
		scheduler:     scheduler,
		processor:     processor,
		settlement:    settlement,
		webhookSecret: webhookSecret,
		log:           log,
	}
}

type customerRequest struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PaymentMethodType string `json:"payment_method_type"`
	Tier              string `json:"tier"`
}

type createTransactionRequest struct {
	ID               string                 `json:"id"`
	MerchantRef      string                 `json:"merchant_ref"`
	CustomerRef      string                 `json:"customer_ref"`
	TotalAmount      decimal.Decimal        `json:"total_amount"`
	CardFundedAmount decimal.Decimal        `json:"card_funded_amount"`
	Currency         string                 `json:"currency"`
	Plan             models.InstallmentPlan `json:"plan"`
	Interval         string                 `json:"interval"`
	StartDate        string                 `json:"start_date"`
	Customer         *customerRequest       `json:"customer"`
}

// CreateTransaction stores an approved purchase and its installment schedule
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	opts := service.ScheduleOptions{Interval: req.Interval}
	if req.StartDate != "" {
		start, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
		opts.Start = start
	}
	if req.Customer != nil {
		opts.Customer = &models.Customer{
			Ref:               req.CustomerRef,
			Email:             req.Customer.Email,
			Name:              req.Customer.Name,
			PaymentMethodType: req.Customer.PaymentMethodType,
			Tier:              req.Customer.Tier,
		}
	}

	res, err := h.scheduler.CreateSchedule(r.Context(), &models.Transaction{
		ID:               req.ID,
		MerchantRef:      req.MerchantRef,
		CustomerRef:      req.CustomerRef,
		TotalAmount:      req.TotalAmount,
		CardFundedAmount: req.CardFundedAmount,
		Currency:         req.Currency,
		Plan:             req.Plan,
	}, opts)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+res.TransactionID+"/schedule")
	respondJSON(w, http.StatusCreated, res)
}

// GetSchedule returns the schedule summary of a transaction
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sum, err := h.scheduler.GetScheduleSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// RepairSchedule recreates a corrupt schedule
func (h *Handler) RepairSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.RepairSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ValidateSchedule reports integrity issues without changing anything
func (h *Handler) ValidateSchedule(w http.ResponseWriter, r *http.Request) {
	issues, err := h.scheduler.ValidateSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": !issues.HasBlocking(),
		"issues":  issues,
	})
}

// GetEarlyPaymentOptions quotes early settlement of the remaining installments
func (h *Handler) GetEarlyPaymentOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.settlement.GetEarlyPaymentOptions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, opts)
}

type settleRequest struct {
	InstallmentIDs []string `json:"installment_ids"`
}

// SettleEarly pays the selected installments now at a discount
func (h *Handler) SettleEarly(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}
	res, err := h.settlement.SettleEarly(r.Context(), mux.Vars(r)["id"], req.InstallmentIDs)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// RetryInstallment re-attempts a FAILED installment immediately
func (h *Handler) RetryInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.processor.ManualRetry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// CaptureInstallment charges an installment awaiting its first capture
func (h *Handler) CaptureInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.processor.CaptureInstallment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

type batchRequest struct {
	RetriesOnly bool `json:"retries_only"`
	BatchSize   int  `json:"batch_size"`
	Concurrency int  `json:"concurrency"`
}

// RunBatch triggers a batch run synchronously
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}
	stats, err := h.processor.ProcessDuePayments(r.Context(), service.ProcessOptions{
		RetriesOnly: req.RetriesOnly,
		BatchSize:   req.BatchSize,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	code := http.StatusOK
	if stats.Skipped {
		code = http.StatusAccepted
	}
	respondJSON(w, code, stats)
}

// ReconcileProcessing settles installments stuck in PROCESSING
func (h *Handler) ReconcileProcessing(w http.ResponseWriter, r *http.Request) {
	n, err := h.processor.ReconcileProcessing(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"settled": n})
}

// GetDiscountConfig returns a merchant's early payment configuration
func (h *Handler) GetDiscountConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settlement.GetDiscountConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// SaveDiscountConfig replaces a merchant's early payment configuration
func (h *Handler) SaveDiscountConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.MerchantDiscountConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	cfg.MerchantRef = mux.Vars(r)["id"]
	if err := h.settlement.SaveDiscountConfig(r.Context(), &cfg); err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &cfg)
}

// OnboardMerchant creates the default discount configuration
func (h *Handler) OnboardMerchant(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settlement.OnboardMerchant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

// SaveMerchantSettings stores per-merchant scheduling overrides
func (h *Handler) SaveMerchantSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.MerchantSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	settings.MerchantRef = mux.Vars(r)["id"]
	if err := h.scheduler.SaveMerchantSettings(r.Context(), &settings); err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &settings)
}

// GatewayWebhook records asynchronous charge outcomes
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Stream read error")
		return
	}
	if !gateway.VerifySignature(body, r.Header.Get(gateway.SignatureHeader), h.webhookSecret) {
		h.log.WithField("remote", r.RemoteAddr).Warn("Rejected gateway webhook with bad signature")
		respondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var outcome service.ChargeOutcome
	if err := json.Unmarshal(body, &outcome); err != nil || outcome.InstallmentID == "" {
		respondError(w, http.StatusBadRequest, "Malformed webhook payload")
		return
	}
	if err := h.processor.RecordChargeOutcome(r.Context(), outcome); err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var (
		verr *service.ValidationError
		ierr *service.IntegrityError
		nerr *service.NotEligibleError
		gerr *gateway.Error
	)
	switch {
	case errors.Is(err, service.ErrScheduleExists), errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrSettlementConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &nerr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":       err.Error(),
			"eligibility": nerr.Eligibility,
		})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.As(err, &ierr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "issues": ierr.Issues})
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not Found")
	case errors.As(err, &gerr):
		respondJSON(w, http.StatusPaymentRequired, map[string]string{"error": gerr.Message, "code": gerr.Code})
	default:
		h.log.Errorf("Request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
