package consolidation

import (
	"context"
	"errors"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type WalletResult struct {
	Processed     int   `json:"processed"`
	Credits       int   `json:"credits"`
	CreditedCents int64 `json:"credited_cents"`
}

// ProcessDeliveryWalletSplits releases the escrowed splits of delivered
// matched-sale links whose hold has passed. Each link commits on its own
// and is marked processed in the same transaction as its credits, so
// repeating the call never credits twice.
func (e *Engine) ProcessDeliveryWalletSplits(ctx context.Context, id uuid.UUID) (WalletResult, error) {
	var ids []uuid.UUID
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMPO(ctx, id); err != nil {
			return mpoNotFound(err, id)
		}
		var err error
		ids, err = tx.LinksAwaitingWalletSplit(ctx, id, e.now())
		return err
	})
	if err != nil {
		return WalletResult{}, err
	}

	var res WalletResult
	for _, linkID := range ids {
		entries, err := e.splitLink(ctx, linkID)
		if err != nil {
			return res, err
		}
		if entries == nil {
			continue
		}
		res.Processed++
		for _, en := range entries {
			res.Credits++
			res.CreditedCents += en.AmountCents
			e.Events.Emit(ctx, events.TopicWalletLifecycle, events.EventWalletCredited, en.OrderID.String(), events.WalletCredited{
				LinkID:      en.LinkID.String(),
				OrderID:     en.OrderID.String(),
				PartyID:     en.PartyID,
				Role:        en.Role,
				AmountCents: en.AmountCents,
			})
		}
	}
	if res.Processed > 0 {
		log.Info().Str("mpo_id", id.String()).Int("links", res.Processed).
			Int64("credited_cents", res.CreditedCents).Msg("wallet splits released")
	}
	return res, nil
}

// splitLink returns nil when the link was already processed or is not
// eligible any more.
func (e *Engine) splitLink(ctx context.Context, linkID uuid.UUID) ([]domain.WalletEntry, error) {
	var out []domain.WalletEntry
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockLink(ctx, linkID)
		if err != nil {
			return err
		}
		now := e.now()
		if l.WalletProcessedAt != nil || l.DeliveryConfirmedAt == nil {
			return nil
		}
		if l.EscrowReleaseEligibleAt != nil && now.Before(*l.EscrowReleaseEligibleAt) {
			return nil
		}
		o, err := tx.GetOrder(ctx, l.OrderID)
		if err != nil {
			return err
		}
		out = []domain.WalletEntry{}
		if ms, ok := o.MatchedSale(); ok {
			for _, s := range ms.Splits {
				en := domain.WalletEntry{
					ID:          uuid.New(),
					PartyID:     s.PartyID,
					Role:        s.Role,
					LinkID:      l.ID,
					OrderID:     o.ID,
					AmountCents: s.AmountCents,
					CreatedAt:   now,
				}
				if err := tx.CreditWallet(ctx, &en); err != nil {
					return err
				}
				out = append(out, en)
			}
		}
		l.WalletProcessedAt = &now
		l.UpdatedAt = now
		return tx.UpdateLink(ctx, l)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// ReleaseEligibleWallets runs the wallet split on every MPO with a link
// whose escrow hold has passed.
func (e *Engine) ReleaseEligibleWallets(ctx context.Context) (WalletResult, error) {
	var ids []uuid.UUID
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.MPOsAwaitingWalletSplit(ctx, e.now())
		return err
	})
	if err != nil {
		return WalletResult{}, err
	}
	var (
		total WalletResult
		errs  []error
	)
	for _, id := range ids {
		res, err := e.ProcessDeliveryWalletSplits(ctx, id)
		total.Processed += res.Processed
		total.Credits += res.Credits
		total.CreditedCents += res.CreditedCents
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// WalletBalance is the credited total of one party.
func (e *Engine) WalletBalance(ctx context.Context, partyID string) (int64, error) {
	var bal int64
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = tx.WalletBalance(ctx, partyID)
		return err
	})
	return bal, err
}
