package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/gramshop/server/internal/botapi"
)

func (h *Handler) showHome(ctx context.Context, userID, messageID int64) {
	kb := botapi.Keyboard(
		botapi.Row(botapi.Button("🛍 Shop", encodeCities())),
		botapi.Row(botapi.Button("🧺 Basket", encodeBasket()), botapi.Button("👤 Profile", encodeProfile())),
		botapi.Row(botapi.Button("💳 Top up balance", encodeRefill())),
	)
	h.render(ctx, userID, messageID, "Welcome. What would you like to do?", kb)
}

func (h *Handler) showCities(ctx context.Context, userID, messageID int64) {
	snap := h.catalog.Current()
	cities := snap.Cities()
	if len(cities) == 0 {
		h.render(ctx, userID, messageID, "The shop is restocking. Check back soon.",
			botapi.Keyboard(botapi.Row(botapi.Button("Back", encodeHome()))))
		return
	}
	rows := make([][]botapi.InlineButton, 0, len(cities)+1)
	for _, city := range cities {
		rows = append(rows, botapi.Row(botapi.Button(city, encodeCity(city))))
	}
	rows = append(rows, botapi.Row(botapi.Button("Back", encodeHome())))
	h.render(ctx, userID, messageID, "Pick a city:", botapi.Keyboard(rows...))
}

func (h *Handler) showDistricts(ctx context.Context, userID, messageID int64, city string) {
	districts := h.catalog.Current().Districts(city)
	if len(districts) == 0 {
		h.showCities(ctx, userID, messageID)
		return
	}
	rows := make([][]botapi.InlineButton, 0, len(districts)+1)
	for _, d := range districts {
		rows = append(rows, botapi.Row(botapi.Button(d, encodeDistrict(city, d))))
	}
	rows = append(rows, botapi.Row(botapi.Button("Back", encodeCities())))
	h.render(ctx, userID, messageID, fmt.Sprintf("<b>%s</b>\nPick a district:", city), botapi.Keyboard(rows...))
}

func (h *Handler) showTypes(ctx context.Context, userID, messageID int64, city, district string) {
	types := h.catalog.Current().Types(city, district)
	if len(types) == 0 {
		h.showDistricts(ctx, userID, messageID, city)
		return
	}
	var rows [][]botapi.InlineButton
	for _, te := range types {
		for _, v := range te.Variants {
			if v.FreeCount == 0 {
				continue
			}
			label := fmt.Sprintf("%s %s · %s (%d left)", te.ProductType, v.Size, v.Price, v.FreeCount)
			rows = append(rows, botapi.Row(botapi.Button(label, encodeVariant(city, district, te.ProductType, v.Size))))
		}
	}
	if len(rows) == 0 {
		h.showDistricts(ctx, userID, messageID, city)
		return
	}
	rows = append(rows, botapi.Row(botapi.Button("Back", encodeCity(city))))
	h.render(ctx, userID, messageID, fmt.Sprintf("<b>%s, %s</b>\nIn stock:", city, district), botapi.Keyboard(rows...))
}

func (h *Handler) showBasket(ctx context.Context, userID, messageID int64) {
	basket, err := h.engine.Basket(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("basket load failed")
		return
	}
	if basket.Empty() {
		h.render(ctx, userID, messageID, "Your basket is empty.",
			botapi.Keyboard(
				botapi.Row(botapi.Button("🛍 Shop", encodeCities())),
				botapi.Row(botapi.Button("Back", encodeHome())),
			))
		return
	}

	var b strings.Builder
	b.WriteString("<b>Your basket</b>\n\n")
	var rows [][]botapi.InlineButton
	for _, it := range basket.Items {
		fmt.Fprintf(&b, "• %s — %s\n  %s, %s\n", it.Name, it.UnitPrice, it.City, it.District)
		rows = append(rows, botapi.Row(botapi.Button("✖ "+it.Name, encodeRemove(it.ProductID))))
	}
	fmt.Fprintf(&b, "\nTotal: <b>%s</b>\nItems are reserved for %s.", basket.Total, h.engine.BasketTimeout())

	rows = append(rows,
		botapi.Row(botapi.Button("✅ Checkout", encodeCheckout())),
		botapi.Row(botapi.Button("🗑 Clear", encodeClear()), botapi.Button("Back", encodeHome())),
	)
	h.render(ctx, userID, messageID, b.String(), botapi.Keyboard(rows...))
}

// showCheckout renders the payment screen. code is the discount code in
// effect, already validated by the caller; empty means none.
func (h *Handler) showCheckout(ctx context.Context, userID, messageID int64, code string) {
	basket, err := h.engine.Basket(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("basket load failed")
		return
	}
	if basket.Empty() {
		h.showBasket(ctx, userID, messageID)
		return
	}
	if code == "" {
		code = h.dialogs.get(userID).code
	}

	total := basket.Total
	codeLine := ""
	if code != "" {
		dc, ok, err := h.engine.ValidateDiscount(ctx, code)
		if err == nil && ok {
			total = h.engine.QuoteTotal(basket, &dc)
			codeLine = fmt.Sprintf("\nCode <code>%s</code> applied: <s>%s</s> → <b>%s</b>", code, basket.Total, total)
		}
	}

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("user load failed")
		return
	}

	// Remember what the user is being shown; the payment step checks the
	// live total against it before charging.
	d := h.dialogs.get(userID)
	d.quotedCents = total.Cents()
	h.dialogs.set(userID, d)

	text := fmt.Sprintf("Order total: <b>%s</b>%s\nBalance: %s\n\nHow do you want to pay?", total, codeLine, user.Balance)
	kb := botapi.Keyboard(
		botapi.Row(botapi.Button("🪙 Pay with crypto", encodePayCrypto())),
		botapi.Row(botapi.Button("💰 Pay from balance", encodePayBalance())),
		botapi.Row(botapi.Button("🎟 Discount code", encodeEnterCode())),
		botapi.Row(botapi.Button("Back", encodeBasket())),
	)
	h.render(ctx, userID, messageID, text, kb)
}

// showCurrencies renders the currency picker; encode builds the payload
// for each currency (purchase or refill flavour).
func (h *Handler) showCurrencies(ctx context.Context, userID, messageID int64, encode func(string) string) {
	rows := make([][]botapi.InlineButton, 0, len(supportedCurrencies)+1)
	for _, cur := range supportedCurrencies {
		rows = append(rows, botapi.Row(botapi.Button(strings.ToUpper(cur), encode(cur))))
	}
	rows = append(rows, botapi.Row(botapi.Button("Back", encodeCheckout())))
	h.render(ctx, userID, messageID, "Pick a currency:", botapi.Keyboard(rows...))
}

func (h *Handler) showProfile(ctx context.Context, userID, messageID int64) {
	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("user load failed")
		return
	}
	purchases, err := h.store.ListPurchases(ctx, userID, 5)
	if err != nil {
		h.log.Error().Err(err).Msg("purchase history load failed")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Profile</b>\nBalance: <b>%s</b>\nPurchases: %d\n", user.Balance, user.PurchaseCount)
	if user.Reseller {
		b.WriteString("Reseller pricing active.\n")
	}
	if len(purchases) > 0 {
		b.WriteString("\nRecent orders:\n")
		for _, p := range purchases {
			fmt.Fprintf(&b, "• %s — %s (%s)\n", p.Name, p.PricePaid, p.CreatedAt.Format("2006-01-02"))
		}
	}
	refills, err := h.store.ListRefills(ctx, userID, 3)
	if err == nil && len(refills) > 0 {
		b.WriteString("\nRecent top-ups:\n")
		for _, rf := range refills {
			fmt.Fprintf(&b, "• %s (%s)\n", rf.Amount, rf.CreatedAt.Format("2006-01-02"))
		}
	}
	kb := botapi.Keyboard(
		botapi.Row(botapi.Button("💳 Top up", encodeRefill())),
		botapi.Row(botapi.Button("🌐 Language", encodeLanguage(nextLanguage(user.Language)))),
		botapi.Row(botapi.Button("Back", encodeHome())),
	)
	h.render(ctx, userID, messageID, b.String(), kb)
}

// nextLanguage cycles the small set of supported interface languages.
func nextLanguage(current string) string {
	switch current {
	case "en":
		return "de"
	case "de":
		return "ru"
	default:
		return "en"
	}
}
