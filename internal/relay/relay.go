package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"clinicq/internal/hub"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

const DefaultConsumer = "relay"

type Broadcaster interface {
	Broadcast(payload []byte, meta hub.Subscription) int
}

type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

// Hint tells a display that its queue changed. It carries no ticket state;
// the display re-reads the serving ticket itself.
type Hint struct {
	Type        string     `json:"type"`
	ClinicCode  string     `json:"clinic_code"`
	PhysicianID string     `json:"physician_id,omitempty"`
	BusinessDay models.Day `json:"business_day"`
	Seq         int64      `json:"seq"`
}

type Config struct {
	Consumer  string
	BatchSize int
}

// Stats counts what one Run delivered to each sink.
type Stats struct {
	Published int
	Hinted    int
}

// Relay forwards committed outbox rows to display clients and, when a
// publisher is configured, to the message broker. The two sinks keep their
// own positions: hints track an in-process sequence, while broker delivery is
// at least once against the persisted consumer offset. A broker outage never
// holds back display hints.
type Relay struct {
	store     store.OutboxStore
	hub       Broadcaster
	publisher Publisher
	consumer  string
	batchSize int
	logger    *zap.Logger
	running   atomic.Bool
	hintSeq   int64
}

func New(st store.OutboxStore, b Broadcaster, p Publisher, cfg Config, logger *zap.Logger) *Relay {
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:     st,
		hub:       b,
		publisher: p,
		consumer:  cfg.Consumer,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Run relays one batch to each sink. Overlapping calls return immediately.
// A publish failure is returned after the hints for the batch went out.
func (r *Relay) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if !r.running.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer r.running.Store(false)

	if r.hub != nil {
		hinted, err := r.broadcast(ctx)
		stats.Hinted = hinted
		if err != nil {
			return stats, err
		}
	}
	if r.publisher != nil {
		published, err := r.publish(ctx)
		stats.Published = published
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (r *Relay) broadcast(ctx context.Context) (int, error) {
	events, err := r.store.ListOutboxEvents(ctx, store.OutboxOffset{LastSeq: r.hintSeq}, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox for hints: %w", err)
	}
	for _, event := range events {
		hint, _ := json.Marshal(Hint{
			Type:        event.Type,
			ClinicCode:  event.ClinicCode,
			PhysicianID: event.PhysicianID,
			BusinessDay: event.BusinessDay,
			Seq:         event.Seq,
		})
		r.hub.Broadcast(hint, hub.Subscription{ClinicCode: event.ClinicCode, PhysicianID: event.PhysicianID})
		r.hintSeq = event.Seq
	}
	return len(events), nil
}

func (r *Relay) publish(ctx context.Context) (int, error) {
	offset, err := r.store.GetOffset(ctx, r.consumer)
	if err != nil {
		return 0, fmt.Errorf("load offset: %w", err)
	}
	events, err := r.store.ListOutboxEvents(ctx, offset, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	published := 0
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, RoutingKey(event), event.EventID, event.Payload); err != nil {
			publishErr = fmt.Errorf("publish seq %d: %w", event.Seq, err)
			break
		}
		offset.LastSeq = event.Seq
		published++
	}

	if published > 0 {
		if err := r.store.UpdateOffset(ctx, r.consumer, offset); err != nil {
			return published, fmt.Errorf("update offset: %w", err)
		}
	}
	return published, publishErr
}

// SkipHistory moves the hint position to the newest outbox row so a fresh
// process only hints about changes made after it started.
func (r *Relay) SkipHistory(ctx context.Context) error {
	seq, err := r.store.LatestOutboxSeq(ctx)
	if err != nil {
		return fmt.Errorf("latest outbox seq: %w", err)
	}
	r.hintSeq = seq
	return nil
}

// Start runs the relay every interval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	if r.hub != nil {
		if err := r.SkipHistory(ctx); err != nil {
			// Hints are only re-read triggers, replaying old ones is harmless.
			r.logger.Warn("relay hints start from the beginning", zap.Error(err))
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stats, err := r.Run(runCtx)
			cancel()
			if err != nil {
				r.logger.Error("relay batch failed",
					zap.Int("published", stats.Published),
					zap.Int("hinted", stats.Hinted),
					zap.Error(err),
				)
				continue
			}
			if stats.Published > 0 || stats.Hinted > 0 {
				r.logger.Debug("relay batch", zap.Int("published", stats.Published), zap.Int("hinted", stats.Hinted))
			}
		}
	}
}

// RoutingKey is "<event type>.<clinic code>", e.g. ticket.called.C001.
func RoutingKey(event store.OutboxEvent) string {
	return event.Type + "." + event.ClinicCode
}
