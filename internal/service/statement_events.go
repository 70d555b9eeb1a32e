package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/observability"
)

const (
	statementEventBufferSize = 32
	// remote events can arrive over both Redis and NATS.
	statementEventDedupeWindow = time.Minute
)

// StatementEvents fans out statement.stored events to local websocket
// subscribers and, when configured, to other nodes over Redis and NATS.
type StatementEvents interface {
	Publish(ctx context.Context, event dto.StatementEvent)
	// Subscribe registers a local listener. An empty verb receives every event.
	Subscribe(verb string) (<-chan dto.StatementEvent, func())
	Start(ctx context.Context)
}

type statementEvents struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *statementBroker
	nodeID       string
	now          func() time.Time

	seenMu sync.Mutex
	seen   map[string]time.Time
}

type statementBroker struct {
	mu          sync.RWMutex
	subscribers map[chan dto.StatementEvent]string
}

// NewStatementEvents constructs the event fan-out. Both brokers are optional.
func NewStatementEvents(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) StatementEvents {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":statements"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".statements"
	}

	return &statementEvents{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "statement_events").Logger(),
		broker:       &statementBroker{subscribers: make(map[chan dto.StatementEvent]string)},
		nodeID:       uuid.NewString(),
		now:          time.Now,
		seen:         make(map[string]time.Time),
	}
}

func (s *statementEvents) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *statementEvents) Publish(ctx context.Context, event dto.StatementEvent) {
	event.Origin = s.nodeID
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	s.broker.broadcast(event)
	observability.StatementEventsPublished().WithLabelValues("local").Inc()

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Str("statement_id", event.ID).Msg("failed to encode statement event")
		return
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish statement event to redis")
		} else {
			observability.StatementEventsPublished().WithLabelValues("redis").Inc()
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish statement event to nats")
		} else {
			observability.StatementEventsPublished().WithLabelValues("nats").Inc()
		}
	}
}

func (s *statementEvents) Subscribe(verb string) (<-chan dto.StatementEvent, func()) {
	channel := make(chan dto.StatementEvent, statementEventBufferSize)

	s.broker.subscribe(channel, verb)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *statementEvents) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("statement redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *statementEvents) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats statements subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain statement nats subscription")
		}
	}()
}

// handleEvent relays events published by other nodes to local subscribers.
func (s *statementEvents) handleEvent(payload []byte) {
	var event dto.StatementEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid statement event payload")
		return
	}

	if event.Origin == s.nodeID {
		return
	}
	if s.alreadySeen(event) {
		return
	}

	s.broker.broadcast(event)
}

func (s *statementEvents) alreadySeen(event dto.StatementEvent) bool {
	key := event.Origin + "/" + event.ID
	now := s.now()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	for seenKey, at := range s.seen {
		if now.Sub(at) > statementEventDedupeWindow {
			delete(s.seen, seenKey)
		}
	}

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = now
	return false
}

func (b *statementBroker) subscribe(ch chan dto.StatementEvent, verb string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[ch] = verb
}

func (b *statementBroker) unsubscribe(ch chan dto.StatementEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *statementBroker) broadcast(event dto.StatementEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, verb := range b.subscribers {
		if verb != "" && verb != event.Verb {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}
