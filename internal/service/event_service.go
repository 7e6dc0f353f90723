package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/observability"
)

const eventBufferSize = 16

// ActivityEventService fans out activity log entries to live
// subscribers. Events cross node boundaries via NATS; the per-drive
// broker serves websocket clients connected to this node.
type ActivityEventService interface {
	Publish(ctx context.Context, driveID uint, activity dto.ActivityResponse)
	Subscribe(driveID uint) (<-chan dto.ActivityResponse, func())
	Start(ctx context.Context)
}

type activityEventService struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	subjectBase string
	logger      zerolog.Logger
	broker      *eventBroker
	nodeID      string
}

type activityEvent struct {
	Source   string               `json:"source"`
	DriveID  uint                 `json:"drive_id"`
	Activity dto.ActivityResponse `json:"activity"`
	SentAt   time.Time            `json:"sent_at"`
}

type eventBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.ActivityResponse]struct{}
}

// NewActivityEventService constructs the event fan-out. Both redis and
// NATS are optional; with neither, events only reach local subscribers.
func NewActivityEventService(redisClient *redis.Client, natsConn *nats.Conn, logger zerolog.Logger) ActivityEventService {
	return &activityEventService{
		redis:       redisClient,
		redisStream: "loka:activity:events",
		nats:        natsConn,
		subjectBase: "loka.activity",
		logger:      logger.With().Str("component", "activity_event_service").Logger(),
		broker: &eventBroker{
			subscribers: make(map[uint]map[chan dto.ActivityResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *activityEventService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil {
		go s.consumeNATS(ctx)
	}
}

func (s *activityEventService) Publish(ctx context.Context, driveID uint, activity dto.ActivityResponse) {
	event := activityEvent{
		Source:   s.nodeID,
		DriveID:  driveID,
		Activity: activity,
		SentAt:   time.Now().UTC(),
	}

	observability.ActivityEvents().WithLabelValues(activity.Operation).Inc()
	s.broker.broadcast(driveID, activity)

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal activity event")
		return
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish activity event to redis")
		}
	}

	if s.nats != nil {
		subject := fmt.Sprintf("%s.%d", s.subjectBase, driveID)
		if err := s.nats.Publish(subject, payload); err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish activity event to nats")
		}
	}
}

func (s *activityEventService) Subscribe(driveID uint) (<-chan dto.ActivityResponse, func()) {
	channel := make(chan dto.ActivityResponse, eventBufferSize)

	s.broker.subscribe(driveID, channel)
	observability.StreamClientsActive().Inc()

	cleanup := func() {
		s.broker.unsubscribe(driveID, channel)
		observability.StreamClientsActive().Dec()
	}

	return channel, cleanup
}

func (s *activityEventService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("activity event redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *activityEventService) consumeNATS(ctx context.Context) {
	subject := s.subjectBase + ".>"
	sub, err := s.nats.QueueSubscribe(subject, "loka-activity-events", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("failed to subscribe to nats activity subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain activity nats subscription")
		}
	}()
}

func (s *activityEventService) handleEvent(payload []byte) {
	var event activityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid activity event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}
	if strings.TrimSpace(event.Activity.Operation) == "" {
		return
	}

	observability.ActivityEvents().WithLabelValues(event.Activity.Operation).Inc()
	s.broker.broadcast(event.DriveID, event.Activity)
}

func (b *eventBroker) subscribe(driveID uint, ch chan dto.ActivityResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[driveID]; !exists {
		b.subscribers[driveID] = make(map[chan dto.ActivityResponse]struct{})
	}
	b.subscribers[driveID][ch] = struct{}{}
}

func (b *eventBroker) unsubscribe(driveID uint, ch chan dto.ActivityResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[driveID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, driveID)
		}
	}
}

func (b *eventBroker) broadcast(driveID uint, activity dto.ActivityResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[driveID]
	for ch := range subscribers {
		select {
		case ch <- activity:
		default:
		}
	}
}
