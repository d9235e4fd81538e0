package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gramshop/server/internal/mediagroup"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

func (h *Handler) showAdminMenu(ctx context.Context, userID int64) {
	h.send(ctx, userID, strings.Join([]string{
		"<b>Admin</b>",
		"",
		"/newproduct — stock a unit (then send its media)",
		"/delproduct &lt;id&gt; — pull a unit from sale",
		"/stock — stock overview",
		"/newcode — create a discount code",
		"/delcode &lt;code&gt; — retire a discount code",
		"/codes — list discount codes",
		"/setreseller &lt;user_id&gt; on|off — toggle reseller status",
		"/resellerrule — grant a reseller a per-type discount",
		"/delresellerrule &lt;user_id&gt; &lt;type&gt; — revoke such a discount",
		"/ban &lt;user_id&gt; / /unban &lt;user_id&gt;",
		"/audit — recent admin actions",
		"/cancel — abort the current flow",
	}, "\n"), nil)
}

// handleAdminCommand dispatches admin slash commands. Returns false when
// the command is not an admin one so the caller can fall through.
func (h *Handler) handleAdminCommand(ctx context.Context, userID int64, text string) bool {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/newproduct":
		h.dialogs.set(userID, dialog{state: stateAdminAwaitProduct})
		h.send(ctx, userID, "Send the unit as one line:\n<code>city | district | type | size | price | description</code>", nil)
	case "/delproduct":
		if len(fields) != 2 {
			h.send(ctx, userID, "Usage: /delproduct <id>", nil)
			return true
		}
		h.adminDeleteProduct(ctx, userID, fields[1])
	case "/stock":
		h.adminStock(ctx, userID)
	case "/newcode":
		h.dialogs.set(userID, dialog{state: stateAdminAwaitDiscount})
		h.send(ctx, userID, "Send the code as one line:\n<code>CODE | percentage|fixed | value | max_uses? | days?</code>\nValue is whole percent or EUR for fixed.", nil)
	case "/delcode":
		if len(fields) != 2 {
			h.send(ctx, userID, "Usage: /delcode <code>", nil)
			return true
		}
		h.adminDeleteCode(ctx, userID, fields[1])
	case "/codes":
		h.adminListCodes(ctx, userID)
	case "/setreseller":
		if len(fields) != 3 {
			h.send(ctx, userID, "Usage: /setreseller <user_id> on|off", nil)
			return true
		}
		h.adminSetReseller(ctx, userID, fields[1], fields[2] == "on")
	case "/resellerrule":
		h.dialogs.set(userID, dialog{state: stateAdminAwaitResellerRule})
		h.send(ctx, userID, "Send the rule as one line:\n<code>user_id | product type | percent</code>", nil)
	case "/delresellerrule":
		if len(fields) != 3 {
			h.send(ctx, userID, "Usage: /delresellerrule <user_id> <product type>", nil)
			return true
		}
		h.adminDeleteResellerRule(ctx, userID, fields[1], fields[2])
	case "/ban", "/unban":
		if len(fields) != 2 {
			h.send(ctx, userID, "Usage: "+fields[0]+" <user_id>", nil)
			return true
		}
		h.adminSetBanned(ctx, userID, fields[1], fields[0] == "/ban")
	case "/audit":
		h.adminAudit(ctx, userID)
	default:
		return false
	}
	return true
}

// adminAddProduct parses the one-line unit description and creates the
// row, then waits for its media album.
func (h *Handler) adminAddProduct(ctx context.Context, userID int64, text string) {
	parts := splitFields(text, 6)
	if parts == nil {
		h.send(ctx, userID, "Expected 6 fields: city | district | type | size | price | description", nil)
		return
	}
	price, err := money.FromMajor(parts[4])
	if err != nil || price.Cents() <= 0 {
		h.send(ctx, userID, "Price must be a positive EUR amount like 25 or 12.50.", nil)
		return
	}

	id, err := h.store.AddProduct(ctx, storage.Product{
		City:        parts[0],
		District:    parts[1],
		ProductType: parts[2],
		Size:        parts[3],
		Price:       price,
		Description: parts[5],
		Available:   true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("add product failed")
		h.send(ctx, userID, "Could not create the unit.", nil)
		return
	}
	h.audit(ctx, userID, "add_product", fmt.Sprintf("id=%d %s %s %s/%s %s", id, parts[0], parts[1], parts[2], parts[3], price))
	if err := h.catalog.Rebuild(ctx); err != nil {
		h.log.Warn().Err(err).Msg("catalogue rebuild failed")
	}

	h.dialogs.set(userID, dialog{state: stateAdminAwaitMedia, productID: id})
	h.send(ctx, userID, fmt.Sprintf("Unit #%d created. Now send its photos or videos (album or one by one), or /cancel to leave it without media.", id), nil)
}

// HandleMediaBatch attaches a flushed media album to the product the
// admin is currently stocking. Installed as the collector's flush
// callback.
func (h *Handler) HandleMediaBatch(batch mediagroup.Batch) {
	ctx := context.Background()
	d := h.dialogs.get(batch.UserID)
	if d.state != stateAdminAwaitMedia || d.productID == 0 {
		return
	}

	items := make([]storage.MediaItem, 0, len(batch.Parts))
	for _, part := range batch.Parts {
		item := storage.MediaItem{Kind: part.Kind, FileID: part.FileID}
		if path, err := h.archiveMedia(ctx, d.productID, part); err == nil {
			item.Path = path
		} else {
			h.log.Warn().Err(err).Str("file_id", part.FileID).Msg("media archive failed, keeping file id only")
		}
		items = append(items, item)
	}

	product, err := h.store.GetProduct(ctx, d.productID)
	if err != nil {
		h.log.Error().Err(err).Int64("product_id", d.productID).Msg("product vanished during stocking")
		h.dialogs.clear(batch.UserID)
		return
	}
	if err := h.store.UpdateProductMedia(ctx, d.productID, append(product.Media, items...)); err != nil {
		h.log.Error().Err(err).Msg("media update failed")
		h.send(ctx, batch.UserID, "Could not attach the media, try again.", nil)
		return
	}
	h.audit(ctx, batch.UserID, "add_media", fmt.Sprintf("product=%d parts=%d", d.productID, len(items)))
	h.dialogs.clear(batch.UserID)
	h.send(ctx, batch.UserID, fmt.Sprintf("Attached %d media to unit #%d. It is on sale.", len(items), d.productID), nil)
}

// archiveMedia downloads one uploaded file into the product's media
// directory so the unit survives platform file id expiry.
func (h *Handler) archiveMedia(ctx context.Context, productID int64, part mediagroup.Part) (string, error) {
	f, err := h.platform.GetFile(ctx, part.FileID)
	if err != nil {
		return "", err
	}
	name := uuid.NewString() + filepath.Ext(f.FilePath)
	dest := filepath.Join(h.cfg.Shop.MediaDir, strconv.FormatInt(productID, 10), name)
	if err := h.platform.DownloadFile(ctx, f.FilePath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (h *Handler) adminDeleteProduct(ctx context.Context, userID int64, arg string) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.send(ctx, userID, "Product id must be a number.", nil)
		return
	}
	if err := h.store.DeleteProduct(ctx, id); err != nil {
		h.send(ctx, userID, "No such unit.", nil)
		return
	}
	h.audit(ctx, userID, "delete_product", fmt.Sprintf("id=%d", id))
	if err := h.catalog.Rebuild(ctx); err != nil {
		h.log.Warn().Err(err).Msg("catalogue rebuild failed")
	}
	h.send(ctx, userID, fmt.Sprintf("Unit #%d removed.", id), nil)
}

func (h *Handler) adminStock(ctx context.Context, userID int64) {
	products, err := h.store.ListProducts(ctx, storage.ProductFilter{OnlyAvailable: true})
	if err != nil {
		h.log.Error().Err(err).Msg("stock list failed")
		return
	}
	type key struct{ city, ptype string }
	counts := make(map[key]int)
	reserved := 0
	for _, p := range products {
		counts[key{p.City, p.ProductType}]++
		if p.Reserved {
			reserved++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Stock</b>: %d units, %d reserved\n\n", len(products), reserved)
	for k, n := range counts {
		fmt.Fprintf(&b, "%s / %s: %d\n", k.city, k.ptype, n)
	}
	h.send(ctx, userID, b.String(), nil)
}

func (h *Handler) adminAddDiscount(ctx context.Context, userID int64, text string) {
	parts := splitFields(text, 0)
	if len(parts) < 3 || len(parts) > 5 {
		h.send(ctx, userID, "Expected: CODE | percentage|fixed | value | max_uses? | days?", nil)
		return
	}
	kind := storage.DiscountKind(parts[1])
	if kind != storage.DiscountPercentage && kind != storage.DiscountFixed {
		h.send(ctx, userID, "Kind must be percentage or fixed.", nil)
		return
	}
	var value int64
	if kind == storage.DiscountPercentage {
		v, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || v <= 0 || v > 100 {
			h.send(ctx, userID, "Percent must be 1-100.", nil)
			return
		}
		value = v
	} else {
		amt, err := money.FromMajor(parts[2])
		if err != nil || amt.Cents() <= 0 {
			h.send(ctx, userID, "Fixed value must be a positive EUR amount.", nil)
			return
		}
		value = amt.Cents()
	}

	dc := storage.DiscountCode{
		Code:   strings.ToUpper(parts[0]),
		Kind:   kind,
		Value:  value,
		Active: true,
	}
	if len(parts) >= 4 && parts[3] != "" {
		maxUses, err := strconv.Atoi(parts[3])
		if err != nil || maxUses <= 0 {
			h.send(ctx, userID, "max_uses must be a positive number.", nil)
			return
		}
		dc.MaxUses = &maxUses
	}
	if len(parts) == 5 && parts[4] != "" {
		days, err := strconv.Atoi(parts[4])
		if err != nil || days <= 0 {
			h.send(ctx, userID, "days must be a positive number.", nil)
			return
		}
		exp := time.Now().AddDate(0, 0, days)
		dc.ExpiresAt = &exp
	}

	if err := h.store.SaveDiscountCode(ctx, dc); err != nil {
		h.log.Error().Err(err).Msg("save code failed")
		h.send(ctx, userID, "Could not save the code.", nil)
		return
	}
	h.audit(ctx, userID, "add_discount", dc.Code)
	h.dialogs.clear(userID)
	h.send(ctx, userID, fmt.Sprintf("Code <code>%s</code> created.", dc.Code), nil)
}

func (h *Handler) adminDeleteCode(ctx context.Context, userID int64, code string) {
	code = strings.ToUpper(code)
	if err := h.store.DeleteDiscountCode(ctx, code); err != nil {
		h.send(ctx, userID, "No such code.", nil)
		return
	}
	h.audit(ctx, userID, "delete_discount", code)
	h.send(ctx, userID, fmt.Sprintf("Code <code>%s</code> retired.", code), nil)
}

func (h *Handler) adminListCodes(ctx context.Context, userID int64) {
	codes, err := h.store.ListDiscountCodes(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("code list failed")
		return
	}
	if len(codes) == 0 {
		h.send(ctx, userID, "No discount codes.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("<b>Discount codes</b>\n\n")
	for _, c := range codes {
		uses := fmt.Sprintf("%d", c.UsesCount)
		if c.MaxUses != nil {
			uses = fmt.Sprintf("%d/%d", c.UsesCount, *c.MaxUses)
		}
		unit := "%"
		val := c.Value
		if c.Kind == storage.DiscountFixed {
			unit = " EUR"
			val = c.Value / 100
		}
		status := "active"
		if !c.Usable(time.Now()) {
			status = "unusable"
		}
		fmt.Fprintf(&b, "<code>%s</code> %d%s, uses %s, %s\n", c.Code, val, unit, uses, status)
	}
	h.send(ctx, userID, b.String(), nil)
}

func (h *Handler) adminSetReseller(ctx context.Context, adminID int64, arg string, on bool) {
	targetID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.send(ctx, adminID, "User id must be a number.", nil)
		return
	}
	if err := h.store.SetUserReseller(ctx, targetID, on); err != nil {
		h.send(ctx, adminID, "No such user.", nil)
		return
	}
	h.audit(ctx, adminID, "set_reseller", fmt.Sprintf("user=%d on=%t", targetID, on))
	h.send(ctx, adminID, fmt.Sprintf("Reseller status for %d: %t.", targetID, on), nil)
}

func (h *Handler) adminAddResellerRule(ctx context.Context, userID int64, text string) {
	parts := splitFields(text, 3)
	if parts == nil {
		h.send(ctx, userID, "Expected: user_id | product type | percent", nil)
		return
	}
	targetID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		h.send(ctx, userID, "User id must be a number.", nil)
		return
	}
	percent, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || percent <= 0 || percent > 100 {
		h.send(ctx, userID, "Percent must be between 0 and 100.", nil)
		return
	}
	if err := h.store.SetResellerDiscount(ctx, storage.ResellerRule{
		UserID:      targetID,
		ProductType: parts[1],
		Percent:     percent,
	}); err != nil {
		h.log.Error().Err(err).Msg("reseller rule save failed")
		h.send(ctx, userID, "Could not save the rule.", nil)
		return
	}
	h.audit(ctx, userID, "set_reseller_rule", fmt.Sprintf("user=%d type=%s pct=%.1f", targetID, parts[1], percent))
	h.dialogs.clear(userID)
	h.send(ctx, userID, "Rule saved.", nil)
}

func (h *Handler) adminDeleteResellerRule(ctx context.Context, adminID int64, arg, productType string) {
	targetID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.send(ctx, adminID, "User id must be a number.", nil)
		return
	}
	if err := h.store.DeleteResellerDiscount(ctx, targetID, productType); err != nil {
		h.send(ctx, adminID, "No such rule.", nil)
		return
	}
	h.audit(ctx, adminID, "delete_reseller_rule", fmt.Sprintf("user=%d type=%s", targetID, productType))
	h.send(ctx, adminID, "Rule removed.", nil)
}

func (h *Handler) adminSetBanned(ctx context.Context, adminID int64, arg string, banned bool) {
	targetID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.send(ctx, adminID, "User id must be a number.", nil)
		return
	}
	if err := h.store.SetUserBanned(ctx, targetID, banned); err != nil {
		h.send(ctx, adminID, "No such user.", nil)
		return
	}
	action := "ban"
	if !banned {
		action = "unban"
	}
	h.audit(ctx, adminID, action, fmt.Sprintf("user=%d", targetID))
	h.send(ctx, adminID, fmt.Sprintf("User %d %sned.", targetID, action), nil)
}

func (h *Handler) adminAudit(ctx context.Context, userID int64) {
	actions, err := h.store.ListAdminActions(ctx, 20)
	if err != nil {
		h.log.Error().Err(err).Msg("audit list failed")
		return
	}
	if len(actions) == 0 {
		h.send(ctx, userID, "No admin actions recorded.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("<b>Recent admin actions</b>\n\n")
	for _, a := range actions {
		fmt.Fprintf(&b, "%s %d %s %s\n", a.CreatedAt.Format("01-02 15:04"), a.AdminID, a.Action, a.Details)
	}
	h.send(ctx, userID, b.String(), nil)
}

func (h *Handler) audit(ctx context.Context, adminID int64, action, details string) {
	err := h.store.AppendAdminAction(ctx, storage.AdminAction{
		ID:        uuid.NewString(),
		AdminID:   adminID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}

// splitFields splits a "a | b | c" line. want 0 accepts any count;
// otherwise the exact count is required and nil is returned on mismatch.
func splitFields(text string, want int) []string {
	raw := strings.Split(text, "|")
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		out = append(out, strings.TrimSpace(f))
	}
	if want > 0 && len(out) != want {
		return nil
	}
	return out
}
