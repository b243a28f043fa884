package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/landmark"
	"github.com/sweeney/wellness-monitor/internal/logger"
)

// DefaultStaleAfter is how old a received frame may be before Detect ignores it.
const DefaultStaleAfter = time.Second

// Subscriber is the part of the broker client the landmark source needs.
type Subscriber interface {
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// LandmarkSubscriber is a landmark.Source fed by frames published to a topic.
// Detect returns each received frame at most once.
type LandmarkSubscriber struct {
	sub        Subscriber
	topic      string
	staleAfter time.Duration
	log        *logger.Logger

	mu         sync.Mutex
	subscribed bool
	latest     *landmark.Frame
	receivedAt time.Time
	pendingErr error
	received   uint64
	dropped    uint64
}

// NewLandmarkSubscriber creates a source reading topic through sub.
func NewLandmarkSubscriber(sub Subscriber, topic string, log *logger.Logger) *LandmarkSubscriber {
	if topic == "" {
		topic = DefaultLandmarkTopic
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LandmarkSubscriber{sub: sub, topic: topic, staleAfter: DefaultStaleAfter, log: log}
}

// Start subscribes to the landmark topic. A subscription failure is a
// retryable runtime fault.
func (s *LandmarkSubscriber) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sub.Subscribe(s.topic, s.handle); err != nil {
		return fault.Wrap(fault.KindRuntime, fmt.Errorf("subscribe %s: %w", s.topic, err))
	}
	s.mu.Lock()
	s.subscribed = true
	s.latest = nil
	s.pendingErr = nil
	s.mu.Unlock()
	s.log.Info().Str("topic", s.topic).Msg("landmark source subscribed")
	return nil
}

// handle is the broker callback; it only stores the newest message.
func (s *LandmarkSubscriber) handle(payload []byte) {
	frame, err := ParseFrame(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.subscribed {
		return
	}
	s.received++
	s.receivedAt = time.Now()
	if err != nil {
		s.pendingErr = err
		s.latest = nil
		return
	}
	if s.latest != nil {
		s.dropped++
	}
	s.latest = frame
}

// Detect returns the newest unconsumed frame, nil if nothing new arrived or
// the frame is stale, or the failure last reported by the vision process.
func (s *LandmarkSubscriber) Detect(now time.Time) (*landmark.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.subscribed {
		return nil, fmt.Errorf("landmark source not started")
	}
	if err := s.pendingErr; err != nil {
		s.pendingErr = nil
		return nil, err
	}
	f := s.latest
	s.latest = nil
	if f == nil {
		return nil, nil
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = s.receivedAt
	}
	if now.Sub(ts) > s.staleAfter {
		return nil, nil
	}
	return f, nil
}

// Stop unsubscribes and drops any buffered frame.
func (s *LandmarkSubscriber) Stop() error {
	s.mu.Lock()
	wasSubscribed := s.subscribed
	s.subscribed = false
	s.latest = nil
	s.pendingErr = nil
	s.mu.Unlock()

	if !wasSubscribed {
		return nil
	}
	if err := s.sub.Unsubscribe(s.topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.topic, err)
	}
	return nil
}

// Stats returns how many messages arrived and how many frames were
// overwritten before Detect consumed them.
func (s *LandmarkSubscriber) Stats() (received, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.dropped
}
