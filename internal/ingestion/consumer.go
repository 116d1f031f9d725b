package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpCore/internal/clearinghouse"
	"PerpCore/internal/perperr"
)

const (
	commandStream   = "PERP_CORE_CMDS"
	commandSubjects = "perp.core.cmds.>"
	consumerName    = "perp-core"
)

// ConnectNATS establishes a NATS connection and returns a JetStream
// context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureCommandStream creates the inbound command stream.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      commandStream,
		Subjects:  []string{commandSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create command stream: %w", err)
	}
	return nil
}

// rawCommand carries one undecoded message plus its ack hooks.
type rawCommand struct {
	subject string
	data    []byte
	ack     func()
	nak     func()
}

// Consumer pulls commands off JetStream and applies them to the
// clearinghouse one at a time. All mutations flow through this single
// loop, which is what serializes the ledger.
type Consumer struct {
	js    jetstream.JetStream
	ch    *clearinghouse.Clearinghouse
	log   zerolog.Logger
	queue chan rawCommand

	consumeCtx jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, ch *clearinghouse.Clearinghouse, log zerolog.Logger) *Consumer {
	return &Consumer{
		js:    js,
		ch:    ch,
		log:   log,
		queue: make(chan rawCommand, 4096),
	}
}

// Start creates the durable consumer and begins queueing messages.
// Messages are acked once queued: a command the ledger rejects is a
// final business outcome, not a delivery failure to retry.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, commandStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: commandSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := rawCommand{
			subject: msg.Subject(),
			data:    msg.Data(),
			ack:     func() { msg.Ack() },
			nak:     func() { msg.Nak() },
		}
		select {
		case c.queue <- raw:
			raw.ack()
		case <-ctx.Done():
			raw.nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	c.consumeCtx = cc
	c.log.Info().Str("stream", commandStream).Str("consumer", consumerName).Msg("command consumer started")
	return nil
}

// Stop halts message delivery.
func (c *Consumer) Stop() {
	if c.consumeCtx != nil {
		c.consumeCtx.Stop()
	}
}

// Run drains the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-c.queue:
			cmd, err := ParseCommand(raw.subject, raw.data)
			if err != nil {
				c.log.Warn().Err(err).Str("subject", raw.subject).Msg("malformed command dropped")
				continue
			}
			if err := c.apply(cmd); err != nil {
				evt := c.log.Warn()
				if !isBusinessRejection(err) {
					evt = c.log.Error()
				}
				evt.Err(err).Str("kind", cmd.Kind).Str("trader", cmd.Trader.String()).
					Msg("command rejected")
			}
		}
	}
}

func (c *Consumer) apply(cmd Command) error {
	switch cmd.Kind {
	case CmdDeposit:
		return c.ch.Deposit(cmd.Trader, cmd.Symbol, cmd.Amount)
	case CmdWithdraw:
		return c.ch.Withdraw(cmd.Trader, cmd.Symbol, cmd.Amount)
	case CmdOpenPosition:
		_, err := c.ch.OpenPosition(cmd.Trader, cmd.Market, cmd.BaseToQuote, cmd.ExactInput, cmd.Amount, cmd.SqrtPriceLimit)
		return err
	case CmdClosePosition:
		_, err := c.ch.ClosePosition(cmd.Trader, cmd.Market, cmd.SqrtPriceLimit)
		return err
	case CmdAddLiquidity:
		return c.ch.AddLiquidity(cmd.Trader, cmd.Market, cmd.LowerTick, cmd.UpperTick, cmd.Base, cmd.Quote)
	case CmdRemoveLiquidity:
		return c.ch.RemoveLiquidity(cmd.Trader, cmd.Market, cmd.LowerTick, cmd.UpperTick, cmd.Liquidity)
	case CmdLiquidate:
		_, err := c.ch.Liquidate(cmd.Trader, cmd.Target, cmd.Market, cmd.MaxBase)
		return err
	case CmdCancelOrders:
		return c.ch.CancelAllExcessOrders(cmd.Trader, cmd.Target, cmd.Market)
	case CmdLiquidateCollateral:
		return c.ch.LiquidateCollateral(cmd.Trader, cmd.Target, cmd.Symbol, cmd.Amount)
	case CmdSettleBadDebt:
		return c.ch.SettleBadDebt(cmd.Trader)
	case CmdSettleFunding:
		return c.ch.SettleFunding(cmd.Trader, cmd.Market)
	case CmdPauseMarket:
		return c.ch.PauseMarket(cmd.Market)
	case CmdCloseMarket:
		return c.ch.CloseMarket(cmd.Market)
	case CmdSettlePosition:
		return c.ch.SettleClosedMarketPosition(cmd.Trader, cmd.Market)
	default:
		return fmt.Errorf("unhandled command kind %q", cmd.Kind)
	}
}

// isBusinessRejection separates expected rule violations from faults.
func isBusinessRejection(err error) bool {
	return errors.Is(err, perperr.ErrInsufficientMargin) ||
		errors.Is(err, perperr.ErrInsufficientBalance) ||
		errors.Is(err, perperr.ErrMarketNotOpen) ||
		errors.Is(err, perperr.ErrPriceLimit) ||
		errors.Is(err, perperr.ErrNotLiquidatable) ||
		errors.Is(err, perperr.ErrExcessLiquidation) ||
		errors.Is(err, perperr.ErrOrdersOpen) ||
		errors.Is(err, perperr.ErrZeroPosition) ||
		errors.Is(err, perperr.ErrStalePrice)
}
