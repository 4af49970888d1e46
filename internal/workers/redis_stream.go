package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	go_redis "github.com/redis/go-redis/v9"

	"github.com/open-builders/gift-exchange-backend/internal/common/logger"
	"github.com/open-builders/gift-exchange-backend/internal/platform/redis"
	"github.com/open-builders/gift-exchange-backend/internal/service/notifications"
)

const consumerGroup = "exchange_notifiers"

// Dispatcher delivers the assignments of one draw epoch.
type Dispatcher interface {
	Dispatch(ctx context.Context, groupID string, epoch int) (int, error)
}

// RedisStreamWorker consumes draw events and hands them to the dispatcher.
type RedisStreamWorker struct {
	rdb        *redis.Client
	dispatcher Dispatcher
	consumer   string
	block      time.Duration
}

func NewRedisStreamWorker(rdb *redis.Client, dispatcher Dispatcher, consumer string) *RedisStreamWorker {
	return &RedisStreamWorker{
		rdb:        rdb,
		dispatcher: dispatcher,
		consumer:   consumer,
		block:      5 * time.Second,
	}
}

// Start begins listening to the Redis stream for events.
func (w *RedisStreamWorker) Start(ctx context.Context) {
	if err := w.ensureGroup(ctx); err != nil {
		logger.Error().Err(err).Msg("Error creating consumer group")
	}

	logger.Info().Str("consumer", w.consumer).Msg("Starting Redis stream worker")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping Redis stream worker")
			return
		default:
			if _, err := w.poll(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Error reading from stream")
				time.Sleep(1 * time.Second) // backoff on error
			}
		}
	}
}

func (w *RedisStreamWorker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, notifications.StreamKey, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// poll processes one batch. Entries this consumer read earlier but never acked
// come first; new entries are read only once none are pending. A failed
// dispatch leaves its entry pending so a later poll delivers it again.
func (w *RedisStreamWorker) poll(ctx context.Context) (int, error) {
	msgs, err := w.read(ctx, "0", -1)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		if msgs, err = w.read(ctx, ">", w.block); err != nil {
			return 0, err
		}
	}

	handled := 0
	var failed error
	for _, msg := range msgs {
		if err := w.processMessage(ctx, msg.Values); err != nil {
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dispatch failed, leaving message pending")
			failed = errors.Join(failed, err)
			continue
		}
		if err := w.rdb.XAck(ctx, notifications.StreamKey, consumerGroup, msg.ID).Err(); err != nil {
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to ack stream message")
		}
		handled++
	}
	return handled, failed
}

// read fetches up to ten entries starting after id. A negative block returns
// at once.
func (w *RedisStreamWorker) read(ctx context.Context, id string, block time.Duration) ([]go_redis.XMessage, error) {
	entries, err := w.rdb.XReadGroup(ctx, &go_redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: w.consumer,
		Streams:  []string{notifications.StreamKey, id},
		Count:    10,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, go_redis.Nil) { // timeout/no messages
			return nil, nil
		}
		return nil, err
	}
	var msgs []go_redis.XMessage
	for _, stream := range entries {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

// processMessage returns an error only when the event should be retried.
// Malformed and foreign events are dropped.
func (w *RedisStreamWorker) processMessage(ctx context.Context, values map[string]interface{}) error {
	eventType, ok := values["type"].(string)
	if !ok || eventType != notifications.EventDrawCompleted {
		return nil
	}

	groupID, ok := values["group_id"].(string)
	if !ok || groupID == "" {
		logger.Warn().Interface("values", values).Msg("Invalid group_id in draw_completed event")
		return nil
	}
	epochStr, _ := values["epoch"].(string)
	epoch, err := strconv.Atoi(epochStr)
	if err != nil {
		logger.Warn().Err(err).Str("group_id", groupID).Msg("Invalid epoch in draw_completed event")
		return nil
	}

	sent, err := w.dispatcher.Dispatch(ctx, groupID, epoch)
	if err != nil {
		return fmt.Errorf("dispatch group %s epoch %d: %w", groupID, epoch, err)
	}
	logger.Info().Str("group_id", groupID).Int("epoch", epoch).Int("sent", sent).Msg("Draw notifications dispatched")
	return nil
}
