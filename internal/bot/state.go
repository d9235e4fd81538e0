package bot

import (
	"sync"
)

// Dialog states. Most interactions are stateless button presses; the few
// flows that need typed input (discount codes, refill amounts, admin
// product entry) park the user in a state that the next plain message is
// interpreted against.
type dialogState int

const (
	stateNone dialogState = iota
	stateAwaitDiscountCode
	stateAwaitRefillAmount
	stateAdminAwaitProduct
	stateAdminAwaitMedia
	stateAdminAwaitDiscount
	stateAdminAwaitResellerRule
)

// dialog is one user's pending input context.
type dialog struct {
	state dialogState
	// productID is the row admin media uploads attach to.
	productID int64
	// code is the discount code attached to the current checkout.
	code string
	// quotedCents is the order total last shown on the checkout screen,
	// compared against the live total when the user commits to paying.
	quotedCents int64
	// refillCents is the prompted top-up amount awaiting a currency pick.
	refillCents int64
}

// dialogs tracks per-user states. Memory only: a restart drops pending
// prompts, which is harmless because every prompt can be reissued.
type dialogs struct {
	mu sync.Mutex
	m  map[int64]dialog
}

func newDialogs() *dialogs {
	return &dialogs{m: make(map[int64]dialog)}
}

func (d *dialogs) get(userID int64) dialog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m[userID]
}

func (d *dialogs) set(userID int64, s dialog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[userID] = s
}

func (d *dialogs) clear(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, userID)
}
