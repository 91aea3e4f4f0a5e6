// Package worker holds the background jobs: the delivery event consumer
// that triggers wallet splits, and the periodic sweeps for lapsed
// reservations, interrupted fan-outs and escrow holds that ran out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/consolidation"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/marketplace-fulfillment/internal/kafka"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
)

const DefaultSweepBatch = 200

type Service struct {
	Orders      *orders.Service
	Engine      *consolidation.Engine
	Redis       *redis.Client
	ServiceName string // dedup namespace
	SweepBatch  int
}

func (s *Service) batch() int {
	if s.SweepBatch <= 0 {
		return DefaultSweepBatch
	}
	return s.SweepBatch
}

// HandleMessage dipasang sebagai handler consumer. Pesan selain
// delivery.confirmed di-skip tanpa decode body.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	if kafkax.EventType(m) != events.EventDeliveryConfirmed {
		return nil
	}
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		// a body that never decodes would block the partition forever
		log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping undecodable message")
		return nil
	}
	return s.HandleDeliveryConfirmed(ctx, env)
}

// HandleDeliveryConfirmed runs the wallet split of the MPO the delivered
// link belongs to. Each event id is handled once; a failed run releases
// its claim so the redelivery can try again.
func (s *Service) HandleDeliveryConfirmed(ctx context.Context, env events.Envelope) error {
	p, err := events.DecodePayload[events.DeliveryConfirmed](env)
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("dropping bad delivery payload")
		return nil
	}
	if domain.Channel(p.Channel) != domain.ChannelMatchedSale {
		return nil
	}
	mpoID, err := uuid.Parse(p.MPOID)
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("delivery event without mpo id")
		return nil
	}

	claimed, err := redisx.Claim(ctx, s.Redis, s.ServiceName, env.EventID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", env.EventID, err)
	}
	if !claimed {
		log.Debug().Str("event_id", env.EventID).Msg("duplicate delivery event")
		return nil
	}

	res, err := s.Engine.ProcessDeliveryWalletSplits(ctx, mpoID)
	if err != nil {
		if uerr := redisx.Unclaim(ctx, s.Redis, s.ServiceName, env.EventID); uerr != nil {
			log.Warn().Err(uerr).Str("event_id", env.EventID).Msg("release claim")
		}
		return err
	}
	// usually zero: the escrow hold outlives the event, the sweep pays later
	log.Info().Str("mpo_id", p.MPOID).Str("order_id", p.OrderID).Int("processed", res.Processed).
		Int64("credited_cents", res.CreditedCents).Msg("wallet split on delivery")
	return nil
}

// SweepReport counts what one sweep pass did.
type SweepReport struct {
	Expired       int
	Resumed       int
	WalletCredits int
}

// Sweep runs one pass of every periodic job. A failing job does not stop
// the others.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		rep  SweepReport
		errs []error
	)
	for {
		n, err := s.Orders.ExpireReservations(ctx, s.batch())
		rep.Expired += n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire reservations: %w", err))
			break
		}
		if n < s.batch() {
			break
		}
	}

	n, err := s.Engine.ResumeLagging(ctx)
	rep.Resumed = n
	if err != nil {
		errs = append(errs, fmt.Errorf("resume fan-out: %w", err))
	}

	wr, err := s.Engine.ReleaseEligibleWallets(ctx)
	rep.WalletCredits = wr.Credits
	if err != nil {
		errs = append(errs, fmt.Errorf("release wallets: %w", err))
	}
	return rep, errors.Join(errs...)
}

// RunSweeps sweeps every interval until ctx is done.
func (s *Service) RunSweeps(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rep, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("sweep")
		}
		if rep != (SweepReport{}) {
			log.Info().Int("expired", rep.Expired).Int("resumed", rep.Resumed).
				Int("wallet_credits", rep.WalletCredits).Msg("sweep done")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
