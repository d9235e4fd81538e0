package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gramshop/server/internal/auth"
	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/catalog"
	"github.com/gramshop/server/internal/logger"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/payments"
	"github.com/gramshop/server/internal/storage"
)

// initDataMaxAge bounds how old mini-app credentials may be.
const initDataMaxAge = 24 * time.Hour

type ctxKey int

const identityKey ctxKey = iota

// handleProviderCallback receives payment IPNs. The provider retries on
// non-200, so the only 4xx is a body that is not JSON at all; everything
// else is acknowledged and judged internally.
func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if s.cfg.Payments.VerifySignature {
		sig := r.Header.Get("x-nowpayments-sig")
		if err := auth.VerifyIPN(body, sig, s.cfg.Payments.IPNSecret); err != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(err).Msg("callback signature rejected")
			// Acknowledged so a misconfigured provider does not retry
			// forever; the payload is discarded.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
	}

	var cb payments.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	outcome := s.payments.HandleCallback(r.Context(), cb)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// handlePlatformUpdate receives bot updates on the token-derived path.
// Always 200: the platform redelivers on failure and the handler is
// responsible for its own errors.
func (s *Server) handlePlatformUpdate(w http.ResponseWriter, r *http.Request) {
	var upd botapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	s.bot.HandleUpdate(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}

// requireInitData authenticates browse API requests with platform
// mini-app init data.
func (s *Server) requireInitData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Init-Data")
		id, err := auth.VerifyInitData(raw, s.cfg.Bot.Token, initDataMaxAge)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		user, err := s.store.EnsureUser(r.Context(), id.UserID, id.Language)
		if err != nil {
			internalError(w, r)
			return
		}
		if user.Banned {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, user)))
	})
}

func identityFrom(r *http.Request) (storage.User, bool) {
	user, ok := r.Context().Value(identityKey).(storage.User)
	return user, ok
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cities": s.catalog.Current().Cities()})
}

func (s *Server) handleDistricts(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if city == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "city required"})
		return
	}
	districts := s.catalog.Current().Districts(city)
	if districts == nil {
		districts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"city": city, "districts": districts})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	district := r.URL.Query().Get("district")
	if city == "" || district == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "city and district required"})
		return
	}
	types := s.catalog.Current().Types(city, district)
	if types == nil {
		types = []catalog.TypeEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"city":     city,
		"district": district,
		"types":    types,
	})
}

func (s *Server) handleBasket(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	basket, err := s.engine.Basket(r.Context(), user.ID)
	if err != nil {
		internalError(w, r)
		return
	}

	type itemView struct {
		ProductID int64  `json:"product_id"`
		Name      string `json:"name"`
		City      string `json:"city"`
		District  string `json:"district"`
		Price     string `json:"price"`
	}
	items := make([]itemView, 0, len(basket.Items))
	for _, it := range basket.Items {
		items = append(items, itemView{
			ProductID: it.ProductID,
			Name:      it.Name,
			City:      it.City,
			District:  it.District,
			Price:     it.UnitPrice.Major(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": basket.Total.Major(),
	})
}

func (s *Server) handleBasketAdd(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad product id"})
		return
	}
	outcome, err := s.engine.Reserve(r.Context(), user.ID, productID)
	if err != nil {
		internalError(w, r)
		return
	}
	if outcome != storage.ReserveOK {
		writeJSON(w, http.StatusConflict, map[string]string{"error": outcome.String()})
		return
	}
	if err := s.catalog.Rebuild(r.Context()); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("catalogue rebuild after reserve failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": outcome.String()})
}

func (s *Server) handleBasketRemove(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad product id"})
		return
	}
	released, err := s.engine.Release(r.Context(), user.ID, productID)
	if err != nil {
		internalError(w, r)
		return
	}
	if released {
		if err := s.catalog.Rebuild(r.Context()); err != nil {
			log := logger.FromContext(r.Context())
			log.Error().Err(err).Msg("catalogue rebuild after release failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req struct {
		Currency     string `json:"currency"`
		DiscountCode string `json:"discount_code"`
		QuotedTotal  string `json:"quoted_total"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "currency required"})
		return
	}

	basket, err := s.engine.Basket(r.Context(), user.ID)
	if err != nil {
		internalError(w, r)
		return
	}

	var code *storage.DiscountCode
	var codeStr string
	if req.DiscountCode != "" {
		dc, usable, err := s.engine.ValidateDiscount(r.Context(), req.DiscountCode)
		if err != nil {
			internalError(w, r)
			return
		}
		if !usable {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "discount_invalid"})
			return
		}
		code, codeStr = &dc, req.DiscountCode
	}
	total := s.engine.QuoteTotal(basket, code)

	// quoted_total is the price the mini-app displayed at preview. Drift
	// beyond a cent since then aborts the invoice.
	quoted := total
	if req.QuotedTotal != "" {
		q, err := money.FromMajor(req.QuotedTotal)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad quoted_total"})
			return
		}
		quoted = q
	}

	items := make([]storage.BasketItem, len(basket.Items))
	for i, it := range basket.Items {
		items[i] = it.BasketItem
	}
	inv, err := s.payments.CreateInvoice(r.Context(), payments.InvoiceRequest{
		UserID:       user.ID,
		Currency:     req.Currency,
		QuotedTotal:  quoted,
		Total:        total,
		Basket:       items,
		DiscountCode: codeStr,
	})
	if err != nil {
		writeJSON(w, invoiceErrorStatus(err), invoiceErrorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id":  inv.PaymentID,
		"pay_address": inv.PayAddress,
		"pay_amount":  inv.PayAmount.String(),
		"currency":    inv.Currency,
		"total":       total.Major(),
	})
}

// handleCreateRefill opens a top-up invoice for the authenticated user.
func (s *Server) handleCreateRefill(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount and currency required"})
		return
	}
	amount, err := money.FromMajor(req.Amount)
	if err != nil || amount.Cents() <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount invalid"})
		return
	}

	inv, err := s.payments.CreateInvoice(r.Context(), payments.InvoiceRequest{
		UserID:       user.ID,
		Currency:     req.Currency,
		Refill:       true,
		RefillAmount: amount,
	})
	if err != nil {
		writeJSON(w, invoiceErrorStatus(err), invoiceErrorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id":  inv.PaymentID,
		"pay_address": inv.PayAddress,
		"pay_amount":  inv.PayAmount.String(),
		"currency":    inv.Currency,
		"amount":      amount.Major(),
	})
}

// handlePaymentProbe is the "check now" button behind the browse UI: ask
// the provider for the current status and settle as if the callback had
// arrived. A payment that is no longer pending was already processed.
func (s *Server) handlePaymentProbe(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	paymentID := chi.URLParam(r, "paymentID")
	pp, err := s.store.GetPendingPayment(r.Context(), paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
		return
	}
	if err != nil {
		internalError(w, r)
		return
	}
	if pp.UserID != user.ID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	outcome, err := s.payments.ProbeStatus(r.Context(), pp)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "provider unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}
	s.notify.Review(r.Context(), user.ID, strings.TrimSpace(req.Text))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func invoiceErrorStatus(err error) int {
	switch {
	case errors.Is(err, payments.ErrBasketEmpty):
		return http.StatusConflict
	case errors.Is(err, payments.ErrAmountTooLow),
		errors.Is(err, payments.ErrCurrencyNotSupported),
		errors.Is(err, payments.ErrQuoteChanged):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrAPITimeout), errors.Is(err, payments.ErrAPIRequestFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// invoiceErrorBody carries the machine code, plus the provider floor
// when the rejection was a minimum-amount one so the mini-app can show
// the user what to send instead.
func invoiceErrorBody(err error) map[string]string {
	body := map[string]string{"error": invoiceErrorCode(err)}
	var tooLow *payments.AmountTooLowError
	if errors.As(err, &tooLow) && tooLow.MinCrypto.IsPositive() {
		body["min_amount"] = tooLow.MinCrypto.String()
		body["min_currency"] = tooLow.Currency
		body["min_eur"] = tooLow.MinEUR.Major()
	}
	return body
}

func invoiceErrorCode(err error) string {
	switch {
	case errors.Is(err, payments.ErrBasketEmpty):
		return "basket_empty"
	case errors.Is(err, payments.ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, payments.ErrCurrencyNotSupported):
		return "currency_not_supported"
	case errors.Is(err, payments.ErrQuoteChanged):
		return "quote_changed"
	case errors.Is(err, payments.ErrAPITimeout), errors.Is(err, payments.ErrAPIRequestFailed):
		return "provider_unavailable"
	default:
		return "internal"
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	purchases, err := s.store.ListPurchases(r.Context(), user.ID, 20)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		internalError(w, r)
		return
	}

	type purchaseView struct {
		Name      string    `json:"name"`
		PricePaid string    `json:"price_paid"`
		CreatedAt time.Time `json:"created_at"`
	}
	history := make([]purchaseView, 0, len(purchases))
	for _, p := range purchases {
		history = append(history, purchaseView{Name: p.Name, PricePaid: p.PricePaid.Major(), CreatedAt: p.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        user.ID,
		"balance":        user.Balance.Major(),
		"purchase_count": user.PurchaseCount,
		"reseller":       user.Reseller,
		"purchases":      history,
	})
}

// internalError reports a 500 with the request id so users can quote it
// to support.
func internalError(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":      "internal",
		"request_id": logger.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
