package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Publisher is the part of a redis client the forwarder needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOptions configures the redis connection used for forwarding
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// NewRedisClient creates a redis client from options
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// forwardQueueSize bounds the events waiting for redis
const forwardQueueSize = 256

// Forwarder republishes every bus event as JSON on a redis pub/sub channel.
// Events are queued and published from a single goroutine so a slow redis
// never stalls the publisher; when the queue is full the event is dropped.
type Forwarder struct {
	publisher Publisher
	channel   string
	timeout   time.Duration
	logger    *zap.SugaredLogger

	queue    chan *Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64
}

// NewForwarder creates a forwarder publishing to channel
func NewForwarder(publisher Publisher, channel string, logger *zap.SugaredLogger) *Forwarder {
	return &Forwarder{
		publisher: publisher,
		channel:   channel,
		timeout:   2 * time.Second,
		logger:    logger,
		queue:     make(chan *Event, forwardQueueSize),
		done:      make(chan struct{}),
	}
}

// Attach subscribes the forwarder to all bus events and starts publishing.
// The returned func unsubscribes and flushes what is already queued.
func (f *Forwarder) Attach(bus *Bus) (cancel func()) {
	f.wg.Add(1)
	go f.run()
	unsubscribe := bus.Subscribe("*", f.Forward)
	return func() {
		unsubscribe()
		f.Stop()
	}
}

// Forward queues one event without blocking
func (f *Forwarder) Forward(evt *Event) {
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.queue <- evt:
	default:
		f.logger.Warnw("Redis forward queue full, dropping event",
			"type", evt.Type,
			"account_id", evt.AccountID,
			"dropped", f.dropped.Add(1),
		)
	}
}

// Dropped reports how many events were discarded because the queue was full
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Stop ends the publishing goroutine after flushing queued events
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case evt := <-f.queue:
			f.publish(evt)
		case <-f.done:
			for {
				select {
				case evt := <-f.queue:
					f.publish(evt)
				default:
					return
				}
			}
		}
	}
}

// publish sends one event. Failures are logged; redis is best-effort.
func (f *Forwarder) publish(evt *Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		f.logger.Errorw("Failed to marshal event", "type", evt.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.publisher.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.logger.Warnw("Failed to forward event to redis",
			"type", evt.Type,
			"channel", f.channel,
			"error", err,
		)
	}
}
