package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"biblio/internal/domain"
	"biblio/internal/metrics"
	"biblio/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	outboxQueueKey      = "notifications:queue"
	outboxDeadLetterKey = "notifications:deadletter"
)

// Outbox queues chat messages and delivers them in the background. It satisfies domain.Sender,
// so the notifier hands messages over without waiting on Telegram.
type Outbox struct {
	sender        domain.Sender
	redis         *redis.Client
	backoff       Backoff
	queue         chan models.Notification
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	logger        zerolog.Logger

	retryAfter func(d time.Duration, f func())

	mu   sync.Mutex
	dead []models.Notification
}

// NewOutbox builds an outbox with sane defaults. redisClient may be nil.
func NewOutbox(sender domain.Sender, redisClient *redis.Client, backoff Backoff, logger *zerolog.Logger) *Outbox {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "outbox").Logger()
	}

	return &Outbox{
		sender:        sender,
		redis:         redisClient,
		backoff:       backoff.normalized(),
		queue:         make(chan models.Notification, 256),
		redisQueueKey: outboxQueueKey,
		deadLetterKey: outboxDeadLetterKey,
		pollInterval:  time.Second,
		logger:        l,
		retryAfter: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Send enqueues a message. Delivery happens in Start.
func (o *Outbox) Send(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return errors.New("chat id is required")
	}
	if text == "" {
		return errors.New("message text is required")
	}

	n := models.Notification{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	return o.enqueue(ctx, n)
}

func (o *Outbox) enqueue(ctx context.Context, n models.Notification) error {
	if o.redis != nil {
		if err := o.pushRedis(ctx, o.redisQueueKey, n); err != nil {
			o.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case o.queue <- n:
		return nil
	default:
		return fmt.Errorf("outbox full, message %s dropped", n.ID)
	}
}

// Start runs the delivery loop until ctx is done.
func (o *Outbox) Start(ctx context.Context) {
	o.logger.Info().Msg("started")
	defer o.logger.Info().Msg("stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n, ok := o.tryLocalQueue(); ok {
			o.deliver(ctx, &n)
			continue
		}

		if n, ok := o.tryRedis(ctx); ok {
			o.deliver(ctx, &n)
			continue
		}

		if o.redis == nil {
			select {
			case <-ctx.Done():
				return
			case n := <-o.queue:
				o.deliver(ctx, &n)
			}
			continue
		}

		if err := sleepContext(ctx, o.pollInterval); err != nil {
			return
		}
	}
}

func (o *Outbox) tryLocalQueue() (models.Notification, bool) {
	select {
	case n := <-o.queue:
		return n, true
	default:
		return models.Notification{}, false
	}
}

func (o *Outbox) tryRedis(ctx context.Context) (models.Notification, bool) {
	if o.redis == nil {
		return models.Notification{}, false
	}
	res, err := o.redis.BRPop(ctx, time.Second, o.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			o.logger.Warn().Err(err).Msg("redis BRPOP")
		}
		return models.Notification{}, false
	}
	if len(res) != 2 {
		return models.Notification{}, false
	}
	var n models.Notification
	if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
		o.logger.Error().Err(err).Msg("decode queued notification")
		return models.Notification{}, false
	}
	return n, true
}

func (o *Outbox) deliver(ctx context.Context, n *models.Notification) {
	err := o.sender.Send(ctx, n.ChatID, n.Text)
	if err == nil {
		metrics.IncNotification("sent")
		return
	}
	if ctx.Err() != nil {
		// остановка: возвращаем сообщение в очередь, без redis оно живёт до конца процесса
		_ = o.enqueue(context.Background(), *n)
		return
	}
	o.retryOrFail(ctx, n, err)
}

func (o *Outbox) retryOrFail(ctx context.Context, n *models.Notification, cause error) {
	n.Attempts++
	n.LastError = cause.Error()

	if errors.Is(cause, domain.ErrUndeliverable) || o.backoff.Exhausted(n.Attempts) {
		metrics.IncNotification("dead")
		o.logger.Error().Err(cause).Int64("chat_id", n.ChatID).Int("attempts", n.Attempts).Msg("notification dead-lettered")
		o.pushDeadLetter(ctx, n)
		return
	}

	metrics.IncNotification("retry")
	delay := o.backoff.Delay(n.Attempts)
	o.logger.Warn().Err(cause).Int64("chat_id", n.ChatID).Dur("delay", delay).Msg("notification failed, will retry")

	retry := *n
	o.retryAfter(delay, func() {
		if err := o.enqueue(context.Background(), retry); err != nil {
			o.logger.Error().Err(err).Msg("requeue notification")
		}
	})
}

func (o *Outbox) pushRedis(ctx context.Context, key string, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return o.redis.LPush(ctx, key, data).Err()
}

func (o *Outbox) pushDeadLetter(ctx context.Context, n *models.Notification) {
	if o.redis != nil {
		err := o.pushRedis(ctx, o.deadLetterKey, *n)
		if err == nil {
			return
		}
		o.logger.Warn().Err(err).Str("id", n.ID).Msg("deadletter push")
	}
	o.mu.Lock()
	o.dead = append(o.dead, *n)
	o.mu.Unlock()
}

// DeadLetters returns messages that exhausted their retries and were kept in memory.
func (o *Outbox) DeadLetters() []models.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Notification(nil), o.dead...)
}

// Flush delivers the messages queued in memory and returns how many it attempted.
// Redis-queued messages stay for Start. Used by one-shot commands before exit.
func (o *Outbox) Flush(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		msg, ok := o.tryLocalQueue()
		if !ok {
			break
		}
		o.deliver(ctx, &msg)
		n++
	}
	return n
}
