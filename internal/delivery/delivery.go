// Package delivery implements the two-secret handoff of a box: the
// customer's code plus the PIN printed on the package. A courier uses
// them to learn which box is whose; a pickup point uses them to confirm
// the delivery.
package delivery

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultEscrowHold = 48 * time.Hour

// ErrMismatch is returned for any wrong code. It never says which one.
var ErrMismatch = &apperr.Error{Kind: apperr.KindValidation, Message: "customer code and PIN do not match"}

// AttemptLimiter budgets attempts per handler. Take reserves an attempt
// before the codes are checked; Release hands back one that did not end in
// a mismatch.
type AttemptLimiter interface {
	Take(ctx context.Context, handlerID string) (bool, error)
	Release(ctx context.Context, handlerID string) error
	Reset(ctx context.Context, handlerID string) error
}

type Service struct {
	Store      store.Store
	Orders     *orders.Service
	Codes      *tracking.Digester
	Limiter    AttemptLimiter // optional
	Events     events.Emitter
	EscrowHold time.Duration
	Now        func() time.Time
}

type Request struct {
	HandlerID    string `json:"handler_id"`
	CustomerCode string `json:"customer_code"`
	PIN          string `json:"pin"`
}

type Result struct {
	LinkID           uuid.UUID  `json:"link_id"`
	OrderID          uuid.UUID  `json:"order_id"`
	TrackingID       string     `json:"tracking_id,omitempty"`
	AlreadyConfirmed bool       `json:"already_confirmed"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	EscrowEligibleAt *time.Time `json:"escrow_eligible_at,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) hold() time.Duration {
	if s.EscrowHold <= 0 {
		return DefaultEscrowHold
	}
	return s.EscrowHold
}

func (r Request) validate() error {
	if strings.TrimSpace(r.HandlerID) == "" {
		return apperr.Validation("handler_id", "required")
	}
	if strings.TrimSpace(r.CustomerCode) == "" || strings.TrimSpace(r.PIN) == "" {
		return apperr.Validation("", "customer code and PIN are required")
	}
	return nil
}

// Reveal is the courier mode: with the customer code and the manifest PIN
// the courier learns the hybrid tracking id of the box to hand over.
func (s *Service) Reveal(ctx context.Context, req Request) (Result, error) {
	var (
		res   Result
		first bool
	)
	err := s.attempt(ctx, req, func(tx store.Tx, l *domain.OrderLink, now time.Time) error {
		if !pinMatches(l.ManifestPIN, req.PIN) {
			return ErrMismatch
		}
		res = Result{LinkID: l.ID, OrderID: l.OrderID, TrackingID: l.HybridTrackingID}
		if l.DeliveryConfirmedAt != nil {
			res.AlreadyConfirmed = true
			res.ConfirmedAt = l.DeliveryConfirmedAt
			return nil
		}
		if l.TrackingRevealedAt != nil {
			return nil
		}
		l.TrackingRevealedAt = &now
		l.UpdatedAt = now
		first = true
		return tx.UpdateLink(ctx, l)
	})
	if err != nil {
		return Result{}, err
	}
	if first {
		log.Info().Str("link_id", res.LinkID.String()).Str("handler_id", req.HandlerID).Msg("tracking revealed")
		s.Events.Emit(ctx, events.TopicDeliveryLifecycle, events.EventTrackingRevealed, res.OrderID.String(), events.TrackingRevealed{
			LinkID:     res.LinkID.String(),
			OrderID:    res.OrderID.String(),
			HandlerID:  req.HandlerID,
			RevealedAt: s.now(),
		})
	}
	return res, nil
}

// Confirm is the pickup mode: with the customer code and the box PIN the
// delivery is recorded once, the order becomes delivered and the escrow
// hold starts. Confirming again reports the first confirmation.
func (s *Service) Confirm(ctx context.Context, req Request) (Result, error) {
	var (
		res   Result
		first bool
		link  domain.OrderLink
	)
	err := s.attempt(ctx, req, func(tx store.Tx, l *domain.OrderLink, now time.Time) error {
		if !pinMatches(l.BoxPIN, req.PIN) {
			return ErrMismatch
		}
		res = Result{LinkID: l.ID, OrderID: l.OrderID, TrackingID: l.HybridTrackingID}
		if l.DeliveryConfirmedAt != nil {
			res.AlreadyConfirmed = true
			res.ConfirmedAt = l.DeliveryConfirmedAt
			res.EscrowEligibleAt = l.EscrowReleaseEligibleAt
			return nil
		}
		if _, err := s.Orders.DeliverInTx(ctx, tx, l.OrderID, now); err != nil {
			return err
		}
		eligible := now.Add(s.hold())
		l.DeliveryConfirmedAt = &now
		l.EscrowReleaseEligibleAt = &eligible
		l.UpdatedAt = now
		if err := tx.UpdateLink(ctx, l); err != nil {
			return err
		}
		res.ConfirmedAt = &now
		res.EscrowEligibleAt = &eligible
		link = *l
		first = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if first {
		s.Orders.Invalidate(ctx, res.OrderID)
		log.Info().Str("link_id", res.LinkID.String()).Str("order_id", res.OrderID.String()).
			Str("handler_id", req.HandlerID).Msg("delivery confirmed")
		s.Events.Emit(ctx, events.TopicDeliveryLifecycle, events.EventDeliveryConfirmed, res.OrderID.String(), events.DeliveryConfirmed{
			LinkID:           link.ID.String(),
			OrderID:          link.OrderID.String(),
			MPOID:            link.MPOID.String(),
			Channel:          string(link.Channel),
			ConfirmedAt:      *res.ConfirmedAt,
			EscrowEligibleAt: *res.EscrowEligibleAt,
		})
	}
	return res, nil
}

// attempt reserves one attempt from the handler's budget, finds the link
// by the customer code digest and runs fn in one transaction. A mismatch
// keeps the reservation; a success clears the counter; any other outcome
// gives the attempt back.
func (s *Service) attempt(ctx context.Context, req Request, fn func(tx store.Tx, l *domain.OrderLink, now time.Time) error) error {
	if err := req.validate(); err != nil {
		return err
	}
	if s.Limiter != nil {
		ok, err := s.Limiter.Take(ctx, req.HandlerID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.TooManyAttempts("too many failed attempts, try again later")
		}
	}

	digest := s.Codes.Digest(req.CustomerCode)
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLinkByCustomerDigest(ctx, digest)
		if errors.Is(err, store.ErrNotFound) {
			return ErrMismatch
		}
		if err != nil {
			return err
		}
		return fn(tx, l, s.now())
	})
	if errors.Is(err, ErrMismatch) {
		log.Warn().Str("handler_id", req.HandlerID).Msg("delivery code mismatch")
		return err
	}
	if s.Limiter != nil {
		if err == nil {
			if rerr := s.Limiter.Reset(ctx, req.HandlerID); rerr != nil {
				log.Warn().Err(rerr).Str("handler_id", req.HandlerID).Msg("reset attempts")
			}
		} else if rerr := s.Limiter.Release(ctx, req.HandlerID); rerr != nil {
			log.Warn().Err(rerr).Str("handler_id", req.HandlerID).Msg("release attempt")
		}
	}
	return err
}

// pinMatches compares in constant time. An empty stored PIN (a link not
// stamped yet) never matches.
func pinMatches(stored, given string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(given))) == 1
}
