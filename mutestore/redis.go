package mutestore

import (
	"context"
	"strings"

	"github.com/code19m/errx"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/qwatch/monitor"
)

// Config defines the configuration options for the Redis mute store.
type Config struct {
	// Addrs is the list of Redis server addresses in the format "host:port,host2:port2".
	Addrs string `yaml:"addrs" validate:"required"`

	// Username is the username for the Redis server/cluster.
	Username string `yaml:"username"`

	// Password is the password for the Redis server/cluster.
	Password string `yaml:"password" mask:"true"`

	// IsClusterMode indicates whether the Redis server is a Redis cluster.
	IsClusterMode bool `yaml:"is_cluster_mode"`

	// Key is the set key holding muted alert ids.
	Key string `yaml:"key" default:"qwatch:muted_alerts"`
}

// Redis persists the mute set in a Redis set so mutes survive restarts and
// are shared between monitor instances.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis creates a Redis-backed mute store.
func NewRedis(cfg Config) *Redis {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:         strings.Split(cfg.Addrs, ","),
		Username:      cfg.Username,
		Password:      cfg.Password,
		IsClusterMode: cfg.IsClusterMode,
	})

	key := cfg.Key
	if key == "" {
		key = "qwatch:muted_alerts"
	}
	return &Redis{client: client, key: key}
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client redis.Cmdable, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Mute records an alert id as muted.
func (r *Redis) Mute(ctx context.Context, alertID string) error {
	if err := r.client.SAdd(ctx, r.key, alertID).Err(); err != nil {
		return errx.Wrap(err, errx.WithDetails(errx.D{"alert_id": alertID}))
	}
	return nil
}

// Unmute removes an alert id from the mute set.
func (r *Redis) Unmute(ctx context.Context, alertID string) error {
	if err := r.client.SRem(ctx, r.key, alertID).Err(); err != nil {
		return errx.Wrap(err, errx.WithDetails(errx.D{"alert_id": alertID}))
	}
	return nil
}

// Muted returns all muted alert ids.
func (r *Redis) Muted(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, errx.Wrap(err)
	}
	return ids, nil
}

// Interface conformance.
var (
	_ monitor.MuteStore = (*Memory)(nil)
	_ monitor.MuteStore = (*Redis)(nil)
)
