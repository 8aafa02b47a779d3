// Package hitevents publishes one Kafka event per render cycle describing
// where the map was looking and which raster layers were requested.
package hitevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/mapper"
)

type Event struct {
	Session string    `json:"session"`
	Cycle   uint64    `json:"cycle"`
	Trigger string    `json:"trigger"`
	Layers  []string  `json:"layers"`
	Lon     float64   `json:"lon"`
	Lat     float64   `json:"lat"`
	Zoom    int       `json:"zoom"`
	BBox    string    `json:"bbox"`
	Cell    string    `json:"cell,omitempty"`
	Cells   []string  `json:"cells,omitempty"`
	TS      time.Time `json:"ts"`
}

type Publisher struct {
	logger  *slog.Logger
	topic   string
	res     int
	cells   mapper.Interface
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errs    chan struct{}
}

type Options struct {
	Topic string
	Queue int
	// H3Res is the resolution of Event.Cell and Event.Cells.
	H3Res int
}

// NewPublisher connects an async producer to brokers (comma separated).
func NewPublisher(logger *slog.Logger, brokers string, cells mapper.Interface, opts Options) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(splitBrokers(brokers), cfg)
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return NewWithProducer(logger, prod, cells, opts), nil
}

func NewWithProducer(logger *slog.Logger, prod sarama.AsyncProducer, cells mapper.Interface, opts Options) *Publisher {
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	p := &Publisher{
		logger:  logger.With("component", "hitevents"),
		topic:   opts.Topic,
		res:     opts.H3Res,
		cells:   cells,
		events:  make(chan Event, opts.Queue),
		prod:    prod,
		stopped: make(chan struct{}),
		errs:    make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("marshal hit event", "err", err)
				continue
			}
			msg := &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
			if ev.Cell != "" {
				msg.Key = sarama.StringEncoder(ev.Cell)
			}
			p.prod.Input() <- msg
			observability.IncHitEvent("sent")
		}
	}()

	go func() {
		defer close(p.errs)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncHitEvent("error")
				p.logger.Warn("hit event producer error", "err", err)
			}
		}
	}()

	return p
}

// Cycle builds the event for a render cycle.
func (p *Publisher) Cycle(session string, cycle uint64, trigger string, snap model.ViewportSnapshot, layers []model.LayerID) Event {
	ev := Event{
		Session: session,
		Cycle:   cycle,
		Trigger: trigger,
		Lon:     snap.Center.Lng,
		Lat:     snap.Center.Lat,
		Zoom:    snap.Zoom,
		BBox:    snap.BBox().String(),
		TS:      time.Now().UTC(),
	}
	for _, id := range layers {
		ev.Layers = append(ev.Layers, string(id))
	}
	if p.cells != nil {
		cell, err := p.cells.CellForPoint(snap.Center, p.res)
		if err != nil {
			p.logger.Debug("hit event without cell", "err", err)
		} else {
			ev.Cell = cell
		}
		// wide viewports exceed the cover budget; the centre cell still keys the event
		if cover, err := p.cells.CellsForBBox(snap.BBox(), p.res); err == nil {
			ev.Cells = cover
		}
	}
	return ev
}

// Publish never blocks; events are dropped when the queue is full.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		observability.IncHitEvent("dropped")
	}
}

func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	<-p.errs
	return nil
}

func splitBrokers(s string) []string {
	var out []string
	for b := range strings.SplitSeq(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
