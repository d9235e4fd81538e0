// Package bot turns platform updates into storefront actions: browsing
// the catalogue, managing the basket, paying, and the admin flows for
// stocking products. All rendering happens by editing one menu message
// per chat where possible.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/catalog"
	"github.com/gramshop/server/internal/checkout"
	"github.com/gramshop/server/internal/config"
	"github.com/gramshop/server/internal/inventory"
	"github.com/gramshop/server/internal/mediagroup"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/payments"
	"github.com/gramshop/server/internal/storage"
)

// supportedCurrencies are offered on the payment screen.
var supportedCurrencies = []string{"btc", "eth", "ltc", "xmr", "usdttrc20"}

// Platform is the outbound messaging surface the handler uses.
type Platform interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *botapi.InlineKeyboard) (botapi.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *botapi.InlineKeyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendMedia(ctx context.Context, chatID int64, kind, media, caption string) (botapi.Message, error)
	GetFile(ctx context.Context, fileID string) (botapi.File, error)
	DownloadFile(ctx context.Context, filePath, dest string) error
}

// Handler routes updates.
type Handler struct {
	cfg       *config.Config
	store     storage.Store
	engine    *inventory.Engine
	catalog   *catalog.Service
	payments  *payments.Orchestrator
	finalizer *checkout.Finalizer
	collector *mediagroup.Collector
	platform  Platform
	log       zerolog.Logger

	dialogs *dialogs
}

// NewHandler wires the update router. The returned handler feeds admin
// media albums through the collector; install it with Collector().
func NewHandler(cfg *config.Config, store storage.Store, engine *inventory.Engine, cat *catalog.Service, orch *payments.Orchestrator, fin *checkout.Finalizer, platform Platform, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		catalog:   cat,
		payments:  orch,
		finalizer: fin,
		platform:  platform,
		log:       log.With().Str("component", "bot").Logger(),
		dialogs:   newDialogs(),
	}
}

// SetCollector installs the media-group collector. Separate from the
// constructor because the collector's flush callback needs the handler.
func (h *Handler) SetCollector(c *mediagroup.Collector) {
	h.collector = c
}

// HandleUpdate processes one webhook update. Errors are handled
// internally; the webhook endpoint always acknowledges.
func (h *Handler) HandleUpdate(ctx context.Context, upd botapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, *upd.CallbackQuery)
	case upd.Message != nil:
		h.handleMessage(ctx, *upd.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg botapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	userID := msg.From.ID
	user, err := h.store.EnsureUser(ctx, userID, h.language(msg.From))
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("ensure user failed")
		return
	}
	if user.Banned {
		return
	}

	// Media uploads only matter inside the admin stocking flow.
	if part, ok := mediaPart(msg); ok {
		if h.cfg.IsAdmin(userID) && h.dialogs.get(userID).state == stateAdminAwaitMedia && h.collector != nil {
			h.collector.Add(userID, msg.MediaGroupID, part)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		h.handleCommand(ctx, userID, text)
		return
	}

	// Non-command text is interpreted against the dialog state.
	switch h.dialogs.get(userID).state {
	case stateAwaitDiscountCode:
		h.dialogs.clear(userID)
		h.applyDiscountCode(ctx, userID, text)
	case stateAwaitRefillAmount:
		h.dialogs.clear(userID)
		h.promptRefillCurrency(ctx, userID, text)
	case stateAdminAwaitProduct:
		h.adminAddProduct(ctx, userID, text)
	case stateAdminAwaitDiscount:
		h.adminAddDiscount(ctx, userID, text)
	case stateAdminAwaitResellerRule:
		h.adminAddResellerRule(ctx, userID, text)
	default:
		h.showHome(ctx, userID, 0)
	}
}

func (h *Handler) handleCommand(ctx context.Context, userID int64, text string) {
	cmd := strings.Fields(text)[0]
	switch cmd {
	case "/start":
		h.dialogs.clear(userID)
		h.showHome(ctx, userID, 0)
	case "/basket":
		h.showBasket(ctx, userID, 0)
	case "/admin":
		if h.cfg.IsAdmin(userID) {
			h.showAdminMenu(ctx, userID)
		}
	case "/cancel":
		h.dialogs.clear(userID)
		if h.collector != nil {
			h.collector.Cancel(userID)
		}
		h.send(ctx, userID, "Cancelled.", nil)
	default:
		if h.cfg.IsAdmin(userID) && h.handleAdminCommand(ctx, userID, text) {
			return
		}
		h.showHome(ctx, userID, 0)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb botapi.CallbackQuery) {
	userID := cb.From.ID
	user, err := h.store.EnsureUser(ctx, userID, cb.From.LanguageCode)
	if err != nil || user.Banned {
		_ = h.platform.AnswerCallback(ctx, cb.ID, "")
		return
	}
	var messageID int64
	if cb.Message != nil {
		messageID = cb.Message.MessageID
	}

	toast := ""
	switch c := DecodeCallback(cb.Data).(type) {
	case CmdHome:
		h.showHome(ctx, userID, messageID)
	case CmdCities:
		h.showCities(ctx, userID, messageID)
	case CmdCity:
		h.showDistricts(ctx, userID, messageID, c.City)
	case CmdDistrict:
		h.showTypes(ctx, userID, messageID, c.City, c.District)
	case CmdVariant:
		toast = h.reserveVariant(ctx, userID, messageID, c)
	case CmdBasket:
		h.showBasket(ctx, userID, messageID)
	case CmdRemove:
		if _, err := h.engine.Release(ctx, userID, c.ProductID); err != nil {
			h.log.Warn().Err(err).Msg("release failed")
		}
		h.showBasket(ctx, userID, messageID)
	case CmdClear:
		if _, err := h.engine.ReleaseAll(ctx, userID); err != nil {
			h.log.Warn().Err(err).Msg("clear failed")
		}
		h.showBasket(ctx, userID, messageID)
	case CmdCheckout:
		h.showCheckout(ctx, userID, messageID, "")
	case CmdEnterCode:
		h.dialogs.set(userID, dialog{state: stateAwaitDiscountCode})
		h.send(ctx, userID, "Send the discount code as a message.", nil)
	case CmdPayCrypto:
		h.showCurrencies(ctx, userID, messageID, encodeCurrency)
	case CmdCurrency:
		toast = h.createPurchaseInvoice(ctx, userID, c.Currency)
	case CmdPayBalance:
		toast = h.payFromBalance(ctx, userID)
	case CmdRefill:
		h.dialogs.set(userID, dialog{state: stateAwaitRefillAmount})
		h.send(ctx, userID, "Send the top-up amount in EUR, e.g. 50 or 12.50.", nil)
	case CmdRefillCurrency:
		toast = h.createRefillInvoice(ctx, userID, c.Currency)
	case CmdLanguage:
		if err := h.store.SetUserLanguage(ctx, userID, c.Code); err == nil {
			toast = "Language updated"
		}
		h.showHome(ctx, userID, messageID)
	case CmdProfile:
		h.showProfile(ctx, userID, messageID)
	case CmdUnknown:
		h.log.Debug().Str("data", c.Raw).Msg("unknown callback")
	}
	if err := h.platform.AnswerCallback(ctx, cb.ID, toast); err != nil {
		h.log.Debug().Err(err).Msg("answer callback failed")
	}
}

// reserveVariant picks a free unit for the chosen variant and tries the
// reservation CAS. The catalogue candidate may be stale; the store is
// the authority and the toast reflects its verdict.
func (h *Handler) reserveVariant(ctx context.Context, userID, messageID int64, c CmdVariant) string {
	snap := h.catalog.Current()
	productID, ok := snap.UnitFor(c.City, c.District, c.Type, c.Size)
	if !ok {
		h.showTypes(ctx, userID, messageID, c.City, c.District)
		return "Sold out"
	}
	outcome, err := h.engine.Reserve(ctx, userID, productID)
	if err != nil {
		h.log.Error().Err(err).Msg("reserve failed")
		return "Something went wrong, try again"
	}
	switch outcome {
	case storage.ReserveOK:
		if err := h.catalog.Rebuild(ctx); err != nil {
			h.log.Warn().Err(err).Msg("catalogue rebuild failed")
		}
		h.showBasket(ctx, userID, messageID)
		return "Added to basket"
	case storage.ReserveAlreadyHeld, storage.ReserveNotAvailable:
		// Another basket beat us to the candidate; refresh the view.
		if err := h.catalog.Rebuild(ctx); err != nil {
			h.log.Warn().Err(err).Msg("catalogue rebuild failed")
		}
		h.showTypes(ctx, userID, messageID, c.City, c.District)
		return "That unit was just taken"
	}
	return ""
}

func (h *Handler) applyDiscountCode(ctx context.Context, userID int64, code string) {
	_, ok, err := h.engine.ValidateDiscount(ctx, code)
	if err != nil {
		h.log.Error().Err(err).Msg("discount lookup failed")
		h.send(ctx, userID, "Something went wrong, try again.", nil)
		return
	}
	if !ok {
		h.send(ctx, userID, "That code is not valid.", nil)
		h.showCheckout(ctx, userID, 0, "")
		return
	}
	code = strings.TrimSpace(code)
	h.dialogs.set(userID, dialog{code: code})
	h.showCheckout(ctx, userID, 0, code)
}

func (h *Handler) promptRefillCurrency(ctx context.Context, userID int64, text string) {
	amount, err := money.FromMajor(text)
	if err != nil || amount.Cents() <= 0 {
		h.send(ctx, userID, "That does not look like an amount. Send e.g. 50 or 12.50.", nil)
		h.dialogs.set(userID, dialog{state: stateAwaitRefillAmount})
		return
	}
	// Callback payloads carry only the currency; the amount waits here.
	h.dialogs.set(userID, dialog{refillCents: amount.Cents()})
	rows := make([][]botapi.InlineButton, 0, len(supportedCurrencies)+1)
	for _, cur := range supportedCurrencies {
		rows = append(rows, botapi.Row(botapi.Button(strings.ToUpper(cur), encodeRefillCurrency(cur))))
	}
	rows = append(rows, botapi.Row(botapi.Button("Back", encodeHome())))
	h.send(ctx, userID, fmt.Sprintf("Top up %s. Pick a currency:", amount), botapi.Keyboard(rows...))
}

func (h *Handler) createRefillInvoice(ctx context.Context, userID int64, currency string) string {
	cents := h.dialogs.get(userID).refillCents
	h.dialogs.clear(userID)
	if cents <= 0 {
		return "Start the top-up again"
	}
	inv, err := h.payments.CreateInvoice(ctx, payments.InvoiceRequest{
		UserID:       userID,
		Currency:     currency,
		Refill:       true,
		RefillAmount: money.FromCents(cents),
	})
	if err != nil {
		return h.invoiceErrorText(ctx, userID, err)
	}
	h.sendInvoice(ctx, userID, inv, money.FromCents(cents))
	return ""
}

func (h *Handler) createPurchaseInvoice(ctx context.Context, userID int64, currency string) string {
	basket, err := h.engine.Basket(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("basket load failed")
		return "Something went wrong, try again"
	}
	if basket.Empty() {
		return "Your basket is empty"
	}
	code, codeStr, err := h.pendingCode(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("discount lookup failed")
		return "Something went wrong, try again"
	}
	total := h.engine.QuoteTotal(basket, code)
	// Drift is judged against the total the user last saw on the checkout
	// screen, not the value computed just now.
	quoted := total
	if cents := h.dialogs.get(userID).quotedCents; cents > 0 {
		quoted = money.FromCents(cents)
	}

	items := make([]storage.BasketItem, len(basket.Items))
	for i, it := range basket.Items {
		items[i] = it.BasketItem
	}
	inv, err := h.payments.CreateInvoice(ctx, payments.InvoiceRequest{
		UserID:       userID,
		Currency:     currency,
		QuotedTotal:  quoted,
		Total:        total,
		Basket:       items,
		DiscountCode: codeStr,
	})
	if err != nil {
		return h.invoiceErrorText(ctx, userID, err)
	}
	h.dialogs.clear(userID)
	h.sendInvoice(ctx, userID, inv, total)
	return ""
}

// pendingCode resolves the discount code attached to this checkout. A
// code that stopped being usable since it was entered is dropped.
func (h *Handler) pendingCode(ctx context.Context, userID int64) (*storage.DiscountCode, string, error) {
	raw := h.dialogs.get(userID).code
	if raw == "" {
		return nil, "", nil
	}
	dc, ok, err := h.engine.ValidateDiscount(ctx, raw)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", nil
	}
	return &dc, raw, nil
}

func (h *Handler) payFromBalance(ctx context.Context, userID int64) string {
	basket, err := h.engine.Basket(ctx, userID)
	if err != nil || basket.Empty() {
		return "Your basket is empty"
	}
	code, codeStr, err := h.pendingCode(ctx, userID)
	if err != nil {
		return "Something went wrong, try again"
	}
	quoted := h.engine.QuoteTotal(basket, code)
	if cents := h.dialogs.get(userID).quotedCents; cents > 0 {
		quoted = money.FromCents(cents)
	}
	err = h.finalizer.PayFromBalance(ctx, userID, quoted, codeStr)
	if err == nil {
		h.dialogs.clear(userID)
	}
	switch {
	case err == nil:
		return "Paid from balance"
	case errors.Is(err, checkout.ErrInsufficientBalance):
		h.send(ctx, userID, "Your balance does not cover the order, so the reservation was released. Top up and try again, or pay by crypto next time.", nil)
		return ""
	case errors.Is(err, checkout.ErrNothingFulfilled):
		h.showBasket(ctx, userID, 0)
		return "Those items are gone"
	default:
		h.log.Error().Err(err).Msg("balance payment failed")
		return "Something went wrong, try again"
	}
}

func (h *Handler) sendInvoice(ctx context.Context, userID int64, inv payments.Invoice, total money.Amount) {
	text := fmt.Sprintf(
		"Invoice for <b>%s</b>\n\nSend exactly <code>%s %s</code> to:\n<code>%s</code>\n\nThe goods are delivered automatically once the payment confirms. The invoice is valid for a limited time.",
		total, inv.PayAmount, strings.ToUpper(inv.Currency), inv.PayAddress,
	)
	h.send(ctx, userID, text, nil)
}

func (h *Handler) invoiceErrorText(ctx context.Context, userID int64, err error) string {
	switch {
	case errors.Is(err, payments.ErrAmountTooLow):
		var tooLow *payments.AmountTooLowError
		if errors.As(err, &tooLow) && tooLow.MinCrypto.IsPositive() {
			return fmt.Sprintf("Too small: the minimum for %s is %s (about %s EUR)", strings.ToUpper(tooLow.Currency), tooLow.MinCrypto, tooLow.MinEUR)
		}
		return "Amount too small for this currency"
	case errors.Is(err, payments.ErrCurrencyNotSupported):
		return "That currency is unavailable right now"
	case errors.Is(err, payments.ErrQuoteChanged):
		h.showBasket(ctx, userID, 0)
		return "Prices changed, check your basket"
	case errors.Is(err, payments.ErrAPITimeout), errors.Is(err, payments.ErrAPIRequestFailed):
		return "Payment provider unavailable, try again shortly"
	default:
		h.log.Error().Err(err).Msg("invoice creation failed")
		return "Something went wrong, try again"
	}
}

func (h *Handler) language(a *botapi.Account) string {
	if a != nil && a.LanguageCode != "" {
		return a.LanguageCode
	}
	return h.cfg.Bot.DefaultLanguage
}

// render edits the menu message in place, falling back to a fresh
// message. messageID 0 always sends a new one.
func (h *Handler) render(ctx context.Context, userID, messageID int64, text string, kb *botapi.InlineKeyboard) {
	if messageID != 0 {
		if err := h.platform.EditMessageText(ctx, userID, messageID, text, kb); err == nil {
			return
		}
	}
	h.send(ctx, userID, text, kb)
}

func (h *Handler) send(ctx context.Context, userID int64, text string, kb *botapi.InlineKeyboard) {
	if _, err := h.platform.SendMessage(ctx, userID, text, kb); err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("send failed")
	}
}

// mediaPart extracts an album part from an incoming message.
func mediaPart(msg botapi.Message) (mediagroup.Part, bool) {
	switch {
	case len(msg.Photo) > 0:
		// The largest rendition is last.
		return mediagroup.Part{
			Kind:    storage.MediaPhoto,
			FileID:  msg.Photo[len(msg.Photo)-1].FileID,
			Caption: msg.Caption,
		}, true
	case msg.Video != nil:
		return mediagroup.Part{Kind: storage.MediaVideo, FileID: msg.Video.FileID, Caption: msg.Caption}, true
	case msg.Animation != nil:
		return mediagroup.Part{Kind: storage.MediaAnimation, FileID: msg.Animation.FileID, Caption: msg.Caption}, true
	}
	return mediagroup.Part{}, false
}
