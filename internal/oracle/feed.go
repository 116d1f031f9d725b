package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpCore/internal/perperr"
)

// PriceTick is the wire format published by the price relayer on
// perp.oracle.index.{market} and perp.oracle.collateral.{symbol}.
type PriceTick struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

type feedObs struct {
	price decimal.Decimal
	at    time.Time
}

// Feed is the production oracle: it consumes price ticks from NATS and
// serves time-weighted index prices from the retained history. A feed
// that has gone quiet for longer than maxAge reports staleness instead
// of a last-good price.
type Feed struct {
	mu         sync.RWMutex
	index      map[string][]feedObs
	collateral map[string]feedObs

	maxAge time.Duration
	retain time.Duration
	log    zerolog.Logger
	subs   []*nats.Subscription
	clock  func() time.Time
}

func NewFeed(maxAge, retain time.Duration, log zerolog.Logger) *Feed {
	return &Feed{
		index:      make(map[string][]feedObs),
		collateral: make(map[string]feedObs),
		maxAge:     maxAge,
		retain:     retain,
		log:        log,
		clock:      time.Now,
	}
}

// Subscribe attaches the feed to the oracle subjects.
func (f *Feed) Subscribe(nc *nats.Conn) error {
	indexSub, err := nc.Subscribe("perp.oracle.index.*", func(msg *nats.Msg) {
		f.handleTick(msg, true)
	})
	if err != nil {
		return fmt.Errorf("subscribe index feed: %w", err)
	}
	collateralSub, err := nc.Subscribe("perp.oracle.collateral.*", func(msg *nats.Msg) {
		f.handleTick(msg, false)
	})
	if err != nil {
		indexSub.Unsubscribe()
		return fmt.Errorf("subscribe collateral feed: %w", err)
	}
	f.subs = append(f.subs, indexSub, collateralSub)
	return nil
}

// Stop drains the subscriptions.
func (f *Feed) Stop() {
	for _, sub := range f.subs {
		sub.Unsubscribe()
	}
}

func (f *Feed) handleTick(msg *nats.Msg, isIndex bool) {
	var tick PriceTick
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed price tick")
		return
	}
	if tick.Price.Sign() <= 0 {
		f.log.Warn().Str("subject", msg.Subject).Str("price", tick.Price.String()).
			Msg("non-positive price tick dropped")
		return
	}
	name := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	at := tick.At
	if at.IsZero() {
		at = f.clock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !isIndex {
		f.collateral[name] = feedObs{price: tick.Price, at: at}
		return
	}

	obs := append(f.index[name], feedObs{price: tick.Price, at: at})
	cutoff := f.clock().Add(-f.retain)
	firstKept := 0
	for i, o := range obs {
		if o.at.After(cutoff) {
			break
		}
		firstKept = i
	}
	f.index[name] = obs[firstKept:]
}

func (f *Feed) IndexPrice(marketID string, window time.Duration) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	obs := f.index[marketID]
	now := f.clock()
	if len(obs) == 0 || now.Sub(obs[len(obs)-1].at) > f.maxAge {
		return decimal.Zero, fmt.Errorf("index price %s: %w", marketID, perperr.ErrStalePrice)
	}

	windowStart := now.Add(-window)
	weighted := decimal.Zero
	total := decimal.Zero
	for i, o := range obs {
		start := o.at
		if start.Before(windowStart) {
			start = windowStart
		}
		end := now
		if i+1 < len(obs) {
			end = obs[i+1].at
		}
		if !end.After(start) {
			continue
		}
		dt := decimal.NewFromFloat(end.Sub(start).Seconds())
		weighted = weighted.Add(o.price.Mul(dt))
		total = total.Add(dt)
	}
	if total.IsZero() {
		return obs[len(obs)-1].price, nil
	}
	return weighted.Div(total), nil
}

func (f *Feed) CollateralPrice(symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	o, ok := f.collateral[symbol]
	if !ok || f.clock().Sub(o.at) > f.maxAge {
		return decimal.Zero, fmt.Errorf("collateral price %s: %w", symbol, perperr.ErrStalePrice)
	}
	return o.price, nil
}
