// Package notify pushes asynchronous events to users and escalates
// failures the system cannot recover on its own to the primary operator.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/money"
)

// Sender is the outbound messaging surface notifications go through.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *botapi.InlineKeyboard) (botapi.Message, error)
}

// Service delivers notifications. Send failures are logged, never
// propagated: a notification is best effort, the state change it
// announces has already committed.
type Service struct {
	sender   Sender
	operator int64
	log      zerolog.Logger
}

// NewService wires the notifier. operator 0 disables critical paging.
func NewService(sender Sender, operator int64, log zerolog.Logger) *Service {
	return &Service{
		sender:   sender,
		operator: operator,
		log:      log.With().Str("component", "notify").Logger(),
	}
}

// BalanceCredited tells the user money landed on their balance.
func (s *Service) BalanceCredited(ctx context.Context, userID int64, amount money.Amount, reason string) {
	var text string
	switch reason {
	case "refill":
		text = fmt.Sprintf("Your balance has been topped up with %s.", amount)
	case "underpayment":
		text = fmt.Sprintf("Your payment did not cover the full order. The received value of %s was credited to your balance and the reserved items were released.", amount)
	case "overpayment":
		text = fmt.Sprintf("You paid more than the invoice. The extra %s was credited to your balance.", amount)
	default:
		text = fmt.Sprintf("%s has been credited to your balance.", amount)
	}
	s.send(ctx, userID, text)
}

// PaymentFailed tells the user their invoice ended without settling.
func (s *Service) PaymentFailed(ctx context.Context, userID int64, paymentID, status string) {
	s.send(ctx, userID, fmt.Sprintf("Payment %s was not completed (%s). Your basket is unchanged; you can try again.", paymentID, status))
}

// BasketExpired tells the user their held items were released.
func (s *Service) BasketExpired(ctx context.Context, userID int64, count int) {
	s.send(ctx, userID, fmt.Sprintf("Your basket expired and %d reserved item(s) were released.", count))
}

// Review forwards a customer review to the primary operator.
func (s *Service) Review(ctx context.Context, userID int64, text string) {
	if s.operator == 0 {
		return
	}
	s.send(ctx, s.operator, fmt.Sprintf("Review from user %d:\n%s", userID, text))
}

// Critical pages the primary operator. Used when money moved but the
// follow-up failed, so a human has to reconcile.
func (s *Service) Critical(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Error().Str("alert", msg).Msg("critical condition")
	if s.operator == 0 {
		return
	}
	if _, err := s.sender.SendMessage(ctx, s.operator, "CRITICAL: "+msg, nil); err != nil {
		s.log.Error().Err(err).Msg("operator alert delivery failed")
	}
}

func (s *Service) send(ctx context.Context, userID int64, text string) {
	if _, err := s.sender.SendMessage(ctx, userID, text, nil); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("notification delivery failed")
	}
}
