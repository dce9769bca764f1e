// Package consumer ingests account-creation events from the bus and writes
// them through the Record Store with effectively-once semantics: a bounded
// id-collision retry, an email idempotency check, and per-message error
// isolation.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"userdir/internal/bus"
	"userdir/internal/config"
	"userdir/internal/domain"
	"userdir/internal/repository"
)

const (
	eventUserCreated     = "user.created"
	eventUserProvisioned = "user.provisioned"
)

// confirmation 下游确认事件载荷
type confirmation struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// StreamConsumer 账号事件消费者
// Messages from the stream are processed strictly sequentially, preserving
// the bus's per-stream ordering. Start is idempotent; Stop completes the
// in-flight message before returning — there is no mid-message cancellation.
type StreamConsumer struct {
	cfg         config.ConsumerConfig
	redisClient *redis.Client
	store       repository.UserRepository
	logger      *zap.Logger

	mu         sync.Mutex
	running    bool
	processing bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewStreamConsumer 创建消费者
func NewStreamConsumer(cfg config.ConsumerConfig, redisClient *redis.Client, store repository.UserRepository, logger *zap.Logger) *StreamConsumer {
	return &StreamConsumer{
		cfg:         cfg,
		redisClient: redisClient,
		store:       store,
		logger:      logger,
	}
}

// Start subscribes and launches the consume loop. Starting an already
// running consumer is a no-op, not an error.
func (c *StreamConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := bus.EnsureGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	c.logger.Info("stream consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Name),
	)

	go c.run(runCtx)
	return nil
}

// Stop halts consumption, letting the in-flight message finish first.
// Stopping a consumer that never started is a no-op.
func (c *StreamConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.logger.Info("stream consumer stopped")
}

// run is the consume loop: read a batch, process each message, back off
// exponentially on transport errors. The loop suspends only between
// messages, never mid-message.
func (c *StreamConsumer) run(ctx context.Context) {
	defer close(c.done)

	c.drainPending(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := bus.ReadGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group, c.cfg.Name, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read from stream",
				zap.String("stream", c.cfg.Stream),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.handleMessage(msg)
		}
	}
}

// drainPending replays this consumer's unacked entries once, oldest first,
// before new delivery starts. A message that failed (or a crash between
// processing and ack) is picked up here on the next start rather than
// stranded in the pending list forever.
func (c *StreamConsumer) drainPending(ctx context.Context) {
	after := "0"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := bus.ReadPending(ctx, c.redisClient, c.cfg.Stream, c.cfg.Group, c.cfg.Name, after, c.cfg.BatchSize)
		if err != nil {
			c.logger.Warn("failed to read pending entries",
				zap.String("stream", c.cfg.Stream),
				zap.Error(err),
			)
			return
		}
		if len(messages) == 0 {
			return
		}
		for _, msg := range messages {
			c.handleMessage(msg)
			after = msg.ID
		}
	}
}

// handleMessage processes one entry and acks it on success or deliberate
// drop; a backend failure leaves it pending for the next start's replay.
func (c *StreamConsumer) handleMessage(msg bus.StreamMessage) {
	c.mu.Lock()
	c.processing = true
	c.mu.Unlock()

	// Message processing runs to completion even during shutdown; only
	// the read loop watches ctx.
	if err := c.processMessage(context.Background(), msg); err != nil {
		c.logger.Error("failed to process message, leaving pending",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	} else if err := bus.Ack(context.Background(), c.redisClient, c.cfg.Stream, c.cfg.Group, msg.ID); err != nil {
		c.logger.Warn("failed to ack message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	c.processing = false
	c.mu.Unlock()
}

// processMessage handles one stream entry. A nil return means the message is
// done (processed or deliberately dropped) and must be acked; an error means
// a backend failure worth a redelivery.
func (c *StreamConsumer) processMessage(ctx context.Context, msg bus.StreamMessage) error {
	env, err := parseEnvelope(msg.Values)
	if err != nil {
		c.logger.Warn("dropping unparseable message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	wantType := c.cfg.Namespace + "." + eventUserCreated
	if env.EventType != wantType {
		c.logger.Debug("ignoring event of foreign type",
			zap.String("event_type", env.EventType),
			zap.String("message_id", env.MessageID),
		)
		return nil
	}

	payload, err := env.CreationPayload()
	if err == nil {
		err = payload.Validate()
	}
	if err != nil {
		// Rejected before any side effect.
		c.logger.Warn("dropping invalid creation event",
			zap.String("message_id", env.MessageID),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err),
		)
		return nil
	}

	id, err := c.resolveID(ctx, payload.UserID)
	if err != nil {
		var collision *domain.CollisionError
		if errors.As(err, &collision) {
			// Fatal for this message only.
			c.logger.Error("dropping event, id collision budget exhausted",
				zap.String("message_id", env.MessageID),
				zap.String("user_id", payload.UserID),
				zap.Int("attempts", collision.Attempts),
			)
			return nil
		}
		return err
	}

	// The email check runs after collision resolution: a replayed event
	// should short-circuit here only once id regeneration has settled.
	exists, err := c.store.ExistsByEmail(ctx, payload.Email)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("duplicate creation event ignored",
			zap.String("email", payload.Email),
			zap.String("message_id", env.MessageID),
		)
		return nil
	}

	created, err := c.store.Create(ctx, payload.User(id))
	if err != nil {
		var dup *domain.DuplicateError
		if errors.As(err, &dup) {
			// Lost the race against a concurrent replay; same
			// outcome as the idempotency check above.
			c.logger.Info("duplicate creation event ignored on create",
				zap.String("email", payload.Email),
			)
			return nil
		}
		return err
	}

	c.logger.Info("account created from event",
		zap.String("user_id", created.ID),
		zap.String("email", created.Email),
		zap.String("correlation_id", env.CorrelationID),
	)

	c.publishConfirmation(ctx, env, created)
	return nil
}

// resolveID returns the incoming id if free, or a freshly generated one.
// Regeneration is bounded; exhausting the budget yields a CollisionError.
func (c *StreamConsumer) resolveID(ctx context.Context, id string) (string, error) {
	taken, err := c.idTaken(ctx, id)
	if err != nil {
		return "", err
	}
	if !taken {
		return id, nil
	}

	attempts := c.cfg.MaxIDRetries
	if attempts <= 0 {
		attempts = 10
	}
	for i := 0; i < attempts; i++ {
		candidate := uuid.NewString()
		taken, err := c.idTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			c.logger.Info("resolved id collision",
				zap.String("original_id", id),
				zap.String("new_id", candidate),
				zap.Int("attempt", i+1),
			)
			return candidate, nil
		}
	}
	return "", &domain.CollisionError{ID: id, Attempts: attempts}
}

func (c *StreamConsumer) idTaken(ctx context.Context, id string) (bool, error) {
	_, err := c.store.FindByID(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// publishConfirmation emits the downstream provisioned event. Emission
// failure never rolls back the create.
func (c *StreamConsumer) publishConfirmation(ctx context.Context, env *Envelope, created *domain.User) {
	out := Envelope{
		MessageID:      uuid.NewString(),
		EventType:      c.cfg.Namespace + "." + eventUserProvisioned,
		SchemaVersion:  "1",
		OccurredAt:     time.Now().UTC().Format(time.RFC3339),
		Producer:       "userdir",
		CorrelationID:  env.CorrelationID,
		IdempotencyKey: env.IdempotencyKey,
	}
	payload, _ := json.Marshal(confirmation{UserID: created.ID, Email: created.Email})
	out.Payload = payload

	if _, err := bus.PublishJSON(ctx, c.redisClient, c.cfg.OutputStream, out); err != nil {
		c.logger.Warn("failed to publish confirmation event",
			zap.String("user_id", created.ID),
			zap.Error(err),
		)
	}
}
