// Package detectors republishes detector worker status read from Redis streams.
package detectors

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"rubintv/services/backend/internal/logging"
	"rubintv/services/backend/internal/metrics"
	"rubintv/services/backend/internal/notify"
)

var ErrUnavailable = errors.New("detector status store unavailable")

type Options struct {
	Addr         string
	Password     string
	DB           int
	Streams      []string
	PollInterval time.Duration
	DialTimeout  time.Duration
}

// Consumer follows the latest entry of each status stream. Stream entries are the source of
// truth; keyspace notifications only say when to read again, and a periodic read recovers
// notifications that were missed.
type Consumer struct {
	opts      Options
	client    *redis.Client
	publisher notify.Publisher
	logger    zerolog.Logger

	mu        sync.RWMutex
	latest    map[string]Status
	lastIDs   map[string]string
	available bool
}

func NewConsumer(opts Options, publisher notify.Publisher) *Consumer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.DialTimeout,
		WriteTimeout: opts.DialTimeout,
	})

	return &Consumer{
		opts:      opts,
		client:    client,
		publisher: publisher,
		logger:    logging.With("detectors"),
		latest:    make(map[string]Status),
		lastIDs:   make(map[string]string),
	}
}

func (c *Consumer) String() string {
	return "detector-consumer"
}

// Serve never gives up on Redis: every failure degrades to "no detector status" and the
// connection is retried after the poll interval.
func (c *Consumer) Serve(ctx context.Context) error {
	if len(c.opts.Streams) == 0 {
		c.logger.Info().Msg("no detector streams configured")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		err := c.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.DetectorErrors.WithLabelValues("unavailable").Inc()
		c.logger.Warn().Err(err).Str("addr", c.opts.Addr).Dur("retry_in", c.opts.PollInterval).Msg("detector status unavailable")
		c.markUnavailable(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Consumer) run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	err := c.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	channels := make([]string, 0, len(c.opts.Streams))
	for _, stream := range c.opts.Streams {
		channels = append(channels, c.keyspaceChannel(stream))
	}
	pubsub := c.client.PSubscribe(ctx, channels...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.available = true
	c.mu.Unlock()
	c.logger.Info().Strs("streams", c.opts.Streams).Msg("following detector status streams")

	if err := c.refreshAll(ctx); err != nil {
		return err
	}

	notifications := pubsub.Channel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-notifications:
			if !ok {
				return fmt.Errorf("%w: keyspace subscription closed", ErrUnavailable)
			}
			stream := strings.TrimPrefix(message.Channel, c.keyspacePrefix())
			if err := c.refresh(ctx, stream); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.refreshAll(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) keyspacePrefix() string {
	return fmt.Sprintf("__keyspace@%d__:", c.opts.DB)
}

func (c *Consumer) keyspaceChannel(stream string) string {
	return c.keyspacePrefix() + stream
}

func (c *Consumer) refreshAll(ctx context.Context) error {
	for _, stream := range c.opts.Streams {
		if err := c.refresh(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

// refresh reads the newest entry of one stream and publishes it when it is new. Entries that
// fail to decode are skipped and remembered so they are not decoded again.
func (c *Consumer) refresh(ctx context.Context, stream string) error {
	entries, err := c.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, stream, err)
	}
	if len(entries) == 0 {
		return nil
	}
	entry := entries[0]

	c.mu.RLock()
	seen := c.lastIDs[stream] == entry.ID
	c.mu.RUnlock()
	if seen {
		return nil
	}

	name := detectorName(stream)
	status, err := DecodeStatus(name, entry.Values)
	c.mu.Lock()
	c.lastIDs[stream] = entry.ID
	if err == nil {
		c.latest[name] = status
	}
	c.mu.Unlock()
	if err != nil {
		metrics.DetectorErrors.WithLabelValues("decode").Inc()
		c.logger.Warn().Err(err).Str("stream", stream).Str("entry", entry.ID).Msg("rejecting detector status entry")
		return nil
	}

	metrics.DetectorUpdates.WithLabelValues(name).Inc()
	if err := c.publisher.Publish(ctx, notify.DetectorsKey(), notify.DataTypeDetectorStatus, "", c.Latest()); err != nil {
		c.logger.Debug().Err(err).Msg("publish detector status")
	}
	return nil
}

// markUnavailable drops every cached status and tells subscribers once.
func (c *Consumer) markUnavailable(ctx context.Context) {
	c.mu.Lock()
	wasAvailable := c.available || len(c.latest) > 0
	c.available = false
	c.latest = make(map[string]Status)
	c.lastIDs = make(map[string]string)
	c.mu.Unlock()

	if !wasAvailable {
		return
	}
	if err := c.publisher.Publish(ctx, notify.DetectorsKey(), notify.DataTypeDetectorStatus, "", map[string]Status{}); err != nil {
		c.logger.Debug().Err(err).Msg("publish detector status")
	}
}

// Latest returns the newest status of every detector. It is empty while Redis is unreachable.
func (c *Consumer) Latest() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.latest)
}

func (c *Consumer) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// SendCurrent pushes the latest statuses to a newly subscribed detectors client.
func (c *Consumer) SendCurrent(ctx context.Context, clientID string, key notify.ServiceKey) {
	if key.Service != notify.ServiceDetectors {
		return
	}
	if err := c.publisher.Send(ctx, clientID, key, notify.DataTypeDetectorStatus, "", c.Latest()); err != nil {
		c.logger.Debug().Err(err).Str("client_id", clientID).Msg("send detector status")
	}
}

func (c *Consumer) Close() error {
	return c.client.Close()
}
