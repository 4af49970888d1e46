package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/open-builders/gift-exchange-backend/internal/common/logger"
	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	redisp "github.com/open-builders/gift-exchange-backend/internal/platform/redis"
)

// Event types carried on the exchange stream.
const (
	EventDrawCompleted = "draw_completed"
)

// StreamKey is the Redis stream finished draws are announced on.
var StreamKey = redisp.Key("events")

// Notifier delivers one secret assignment to its giver. Wording and transport
// live outside this service.
type Notifier interface {
	Notify(ctx context.Context, giver, receiver int64, groupID string) error
}

// AssignmentSource reads the current assignment set of a group.
type AssignmentSource interface {
	ListAssignments(ctx context.Context, groupID string) (*dx.AssignmentSet, error)
}

// Announcer is told about every committed draw.
type Announcer interface {
	Announce(ctx context.Context, set *dx.AssignmentSet) error
}

// Dispatcher fans an assignment set out to the Notifier, one call per giver.
type Dispatcher struct {
	source   AssignmentSource
	notifier Notifier
}

func NewDispatcher(source AssignmentSource, notifier Notifier) *Dispatcher {
	return &Dispatcher{source: source, notifier: notifier}
}

// Dispatch notifies every giver of the group's current draw. Events for an
// older epoch are dropped since a redraw superseded them.
func (d *Dispatcher) Dispatch(ctx context.Context, groupID string, epoch int) (int, error) {
	set, err := d.source.ListAssignments(ctx, groupID)
	if err != nil {
		if errors.Is(err, dx.ErrNotDrawn) || errors.Is(err, dx.ErrGroupNotFound) {
			logger.Info().Str("group_id", groupID).Int("epoch", epoch).Msg("Skipping notifications for group without draw")
			return 0, nil
		}
		return 0, err
	}
	if set.Epoch != epoch {
		logger.Info().Str("group_id", groupID).Int("epoch", epoch).Int("current_epoch", set.Epoch).Msg("Skipping stale draw event")
		return 0, nil
	}
	return d.send(ctx, set), nil
}

func (d *Dispatcher) send(ctx context.Context, set *dx.AssignmentSet) int {
	sent := 0
	for _, a := range set.Assignments {
		if err := d.notifier.Notify(ctx, a.Giver, a.Receiver, set.GroupID); err != nil {
			logger.Error().Err(err).Str("group_id", set.GroupID).Int64("giver", a.Giver).Msg("Failed to notify giver")
			continue
		}
		sent++
	}
	return sent
}

// Direct announces in-process by dispatching the committed set immediately.
type Direct struct {
	dispatcher *Dispatcher
}

func NewDirect(d *Dispatcher) *Direct { return &Direct{dispatcher: d} }

func (a *Direct) Announce(ctx context.Context, set *dx.AssignmentSet) error {
	a.dispatcher.send(ctx, set)
	return nil
}

// StreamPublisher announces draws on the Redis stream for the worker to deliver.
type StreamPublisher struct {
	rdb *redisp.Client
}

func NewStreamPublisher(rdb *redisp.Client) *StreamPublisher { return &StreamPublisher{rdb: rdb} }

func (p *StreamPublisher) Announce(ctx context.Context, set *dx.AssignmentSet) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{
			"type":     EventDrawCompleted,
			"group_id": set.GroupID,
			"epoch":    strconv.Itoa(set.Epoch),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish draw event: %w", err)
	}
	return nil
}

// LogNotifier records deliveries without revealing the receiver.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, giver, _ int64, groupID string) error {
	logger.Info().Str("group_id", groupID).Int64("giver", giver).Msg("Assignment ready for delivery")
	return nil
}
