package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	obs "github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/invalidation"
	mylog "github.com/mohammed-shakir/overlay-sync/internal/logger"
)

// Target applies a change notice to the overlays on display.
type Target interface {
	Invalidate(ctx context.Context, source string, area model.BBox) (int, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target Target
}

func New(cfg Config, logger *slog.Logger, target Target) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Apply <= 0 {
		cfg.Apply = 5 * time.Second
	}
	return &Consumer{cfg: cfg, logger: logger.With("component", "kafka_consumer"), target: target}
}

// Start consumes change notices until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing target")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err,
					"brokers", c.cfg.Brokers, "topic", c.cfg.Topic)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne applies a single message. Malformed notices are logged and
// skipped so they never block the partition; only a failure to reach the
// session is returned.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("decode_error")
		c.logger.Warn("invalidation decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation("invalid")
		c.logger.Warn("invalidation rejected", "source", ev.Source, "offset", msg.Offset, "err", err)
		return nil
	}
	area, err := ev.Area()
	if err != nil {
		obs.IncInvalidation("invalid")
		return nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, c.cfg.Apply)
	defer cancel()
	n, err := c.target.Invalidate(applyCtx, ev.Source, area)
	if err != nil {
		obs.IncInvalidation("error")
		return fmt.Errorf("apply %s %s: %w", ev.Op, ev.Source, err)
	}
	if n == 0 {
		obs.IncInvalidation("ignored")
		c.logger.Debug("invalidation outside the displayed overlays", "source", ev.Source, "op", ev.Op)
		return nil
	}
	obs.IncInvalidation("applied")
	c.logger.InfoContext(mylog.WithLayer(ctx, ev.Source), "overlays invalidated",
		"op", ev.Op, "overlays", n, "bbox", area.String())
	return nil
}
