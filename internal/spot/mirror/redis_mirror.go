package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
)

const (
	defaultKeyPrefix = "mirror:spots:"
	defaultChannel   = "mirror:changes"
)

// RedisMirror keeps one hash per spot with the displayed status, the last
// physical reading and the suppression flag. Sensor writes publish a change
// notification on a pub/sub channel.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	channel   string
	logger    *zap.Logger
	record    *redis.Script
	release   *redis.Script
}

// NewRedisMirror constructs a Redis-backed mirror.
func NewRedisMirror(client *redis.Client, prefix string, logger *zap.Logger) *RedisMirror {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		client:    client,
		keyPrefix: prefix,
		channel:   defaultChannel,
		logger:    logger,
		record:    redis.NewScript(recordLua),
		release:   redis.NewScript(releaseLua),
	}
}

func (m *RedisMirror) key(k domain.SpotKey) string {
	return m.keyPrefix + k.ParkingID + ":" + k.SpotID
}

// Record stores the reading and notifies watchers.
func (m *RedisMirror) Record(ctx context.Context, reading domain.Reading) (domain.SensorChange, error) {
	at := reading.ObservedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	result, err := m.record.Run(ctx, m.client, []string{m.key(reading.Key)},
		string(reading.Status), strconv.FormatFloat(reading.Distance, 'f', -1, 64), at.UnixMilli()).Result()
	if err != nil {
		return domain.SensorChange{}, fmt.Errorf("mirror record %s: %w: %w", reading.Key, domain.ErrStoreUnavailable, err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return domain.SensorChange{}, errors.New("invalid redis response")
	}
	old, _ := values[0].(string)
	suppressed, _ := values[1].(int64)

	change := domain.SensorChange{
		Key:        reading.Key,
		Old:        domain.SpotStatus(old),
		New:        reading.Status,
		Suppressed: suppressed == 1,
		At:         at,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return change, fmt.Errorf("marshal change: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return change, fmt.Errorf("mirror publish %s: %w: %w", reading.Key, domain.ErrStoreUnavailable, err)
	}
	return change, nil
}

// Sensor returns the last physical reading.
func (m *RedisMirror) Sensor(ctx context.Context, key domain.SpotKey) (domain.SpotStatus, error) {
	v, err := m.client.HGet(ctx, m.key(key), "sensor").Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusAvailable, nil
	}
	if err != nil {
		return "", fmt.Errorf("mirror sensor %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	return domain.SpotStatus(v), nil
}

// Suppress sets the ignore flag and displays the spot as reserved.
func (m *RedisMirror) Suppress(ctx context.Context, key domain.SpotKey) error {
	err := m.client.HSet(ctx, m.key(key),
		"ignore", "1",
		"status", string(domain.StatusReserved),
		"updated_at", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("mirror suppress %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Release clears the ignore flag and re-displays the last physical reading.
func (m *RedisMirror) Release(ctx context.Context, key domain.SpotKey) (domain.SpotStatus, error) {
	v, err := m.release.Run(ctx, m.client, []string{m.key(key)}, string(domain.StatusAvailable), time.Now().UnixMilli()).Text()
	if err != nil {
		return "", fmt.Errorf("mirror release %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	return domain.SpotStatus(v), nil
}

// Status returns the displayed status and suppression flag, for diagnostics and tests.
func (m *RedisMirror) Status(ctx context.Context, key domain.SpotKey) (domain.SpotStatus, bool, error) {
	vals, err := m.client.HMGet(ctx, m.key(key), "status", "ignore").Result()
	if err != nil {
		return "", false, fmt.Errorf("mirror status %s: %w: %w", key, domain.ErrStoreUnavailable, err)
	}
	status, _ := vals[0].(string)
	ignore, _ := vals[1].(string)
	if status == "" {
		status = string(domain.StatusAvailable)
	}
	return domain.SpotStatus(status), ignore == "1", nil
}

// Watch subscribes to change notifications and dispatches them to fn in a
// background goroutine until ctx is done. It returns once the subscription is live.
func (m *RedisMirror) Watch(ctx context.Context, fn domain.ChangeFunc) error {
	sub := m.client.Subscribe(ctx, m.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("mirror subscribe: %w: %w", domain.ErrStoreUnavailable, err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var change domain.SensorChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					m.logger.Warn("discarding malformed change", zap.Error(err))
					continue
				}
				fn(ctx, change)
			}
		}
	}()
	return nil
}

// recordLua stores the reading and, unless suppressed, the displayed status.
// Returns {previous reading, suppressed}.
const recordLua = `
local key = KEYS[1]
local state = redis.call('HMGET', key, 'sensor', 'ignore')
local old = state[1]
if not old then
  old = ''
end
local suppressed = 0
if state[2] == '1' then
  suppressed = 1
end
redis.call('HSET', key, 'sensor', ARGV[1], 'distance', ARGV[2], 'updated_at', ARGV[3])
if suppressed == 0 then
  redis.call('HSET', key, 'status', ARGV[1])
end
return {old, suppressed}
`

// releaseLua lifts suppression and copies the last reading (or the default) into status.
const releaseLua = `
local key = KEYS[1]
local sensor = redis.call('HGET', key, 'sensor')
if not sensor then
  sensor = ARGV[1]
end
redis.call('HSET', key, 'ignore', '0', 'status', sensor, 'updated_at', ARGV[2])
return sensor
`
