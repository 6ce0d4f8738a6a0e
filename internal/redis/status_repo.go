package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys mirrored for external dashboards.
const (
	RelayStatusKey  = "relay:status"
	RelayMetricsKey = "relay:metrics"
	SensorStatusKey = "sensor:status"
)

const (
	LivenessLive = "Live"
	LivenessDead = "Dead"
)

// RelayStatus mirrors the JSON stored at relay:status:
//
//	{
//	  "liveness": "Dead" | "Live",
//	  "metadata": "...",
//	  "session": "...",
//	  "timestamp": 0
//	}
type RelayStatus struct {
	Liveness  string `json:"liveness"`
	Metadata  string `json:"metadata"`
	SessionID string `json:"session,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StatusRepository reads and writes the relay:* and sensor:* keys.
type StatusRepository struct {
	client *Client
	log    *zap.Logger
	ttl    time.Duration
}

// NewStatusRepository returns a repository; ttl 0 keeps keys forever.
func NewStatusRepository(log *zap.Logger, client *Client, ttl time.Duration) *StatusRepository {
	return &StatusRepository{
		client: client,
		log:    log.Named("status"),
		ttl:    ttl,
	}
}

func (r *StatusRepository) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *StatusRepository) SetRelayStatus(ctx context.Context, st RelayStatus) error {
	return r.set(ctx, RelayStatusKey, st)
}

func (r *StatusRepository) SetRelayMetrics(ctx context.Context, metrics any) error {
	return r.set(ctx, RelayMetricsKey, metrics)
}

func (r *StatusRepository) SetSensorStatus(ctx context.Context, status any) error {
	return r.set(ctx, SensorStatusKey, status)
}

// RelayStatus returns the stored relay status, or nil if the key is missing.
func (r *StatusRepository) RelayStatus(ctx context.Context) (*RelayStatus, error) {
	raw, err := r.client.Get(ctx, RelayStatusKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get status: %w", err)
	}
	var st RelayStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("bad status json: %w", err)
	}
	return &st, nil
}

// Snapshot fetches all mirrored keys in one MGET. Missing keys are omitted.
func (r *StatusRepository) Snapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	keys := []string{RelayStatusKey, RelayMetricsKey, SensorStatusKey}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make(map[string]json.RawMessage, len(keys))
	for i, v := range vals {
		if v == nil {
			continue // key missing
		}
		if raw := asRawJSON(r.log, keys[i], v); raw != nil {
			out[keys[i]] = raw
		}
	}
	return out, nil
}

func asRawJSON(log *zap.Logger, key string, v any) json.RawMessage {
	switch t := v.(type) {
	case string:
		return json.RawMessage(t)
	case []byte:
		return json.RawMessage(t)
	default:
		log.Warn("unexpected redis type for json blob", zap.String("key", key), zap.Any("type", t))
		return nil
	}
}
