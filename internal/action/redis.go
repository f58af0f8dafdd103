package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamAdder is the part of the go-redis client RedisStream needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisConfig describes the target stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately (MAXLEN ~). 0 keeps everything.
	MaxLen int64
}

// RedisStream forwards every fire to a Redis stream with XADD.
type RedisStream struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisClient dials Redis and checks the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func NewRedisStream(client StreamAdder, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Run(ctx context.Context, f Fire) error {
	args := f.Args
	if args == nil {
		args = []any{}
	}
	ab, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args for %s: %w", f.EventID, err)
	}
	xa := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"event_id":     f.EventID,
			"cmd":          f.Command,
			"args":         string(ab),
			"scheduled_at": f.ScheduledAt.Format(time.RFC3339),
			"fired_at":     f.FiredAt.Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		xa.MaxLen = r.maxLen
		xa.Approx = true
	}
	if err := r.client.XAdd(ctx, xa).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
