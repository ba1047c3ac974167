package intel

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const (
	redisSeriesPrefix = "intel:snapshots:"
	redisDomainsKey   = "intel:domains"
)

// RedisHistory keeps each domain's series in a sorted set scored by the
// snapshot's unix-millisecond timestamp.
type RedisHistory struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisHistory wraps an existing client.
func NewRedisHistory(client redis.UniversalClient, retention time.Duration) *RedisHistory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisHistory{client: client, retention: retention, now: time.Now}
}

// DialRedisHistory connects to redisURL and verifies the connection.
func DialRedisHistory(ctx context.Context, redisURL string, retention time.Duration) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "intel: parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "intel: ping redis")
	}
	return NewRedisHistory(client, retention), nil
}

// Close releases the client.
func (h *RedisHistory) Close() error {
	return eris.Wrap(h.client.Close(), "intel: close redis")
}

func seriesKey(domain string) string { return redisSeriesPrefix + domain }

func (h *RedisHistory) cutoff() string {
	return strconv.FormatInt(h.now().Add(-h.retention).UnixMilli(), 10)
}

// Append replaces whatever the domain holds at snap's timestamp with snap
// and prunes the expired points, all in one MULTI/EXEC.
func (h *RedisHistory) Append(ctx context.Context, snap Snapshot) error {
	member, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "intel: encode snapshot")
	}
	key := seriesKey(snap.Domain)
	score := snap.RecordedAt.UnixMilli()
	at := strconv.FormatInt(score, 10)

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, at, at)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+h.cutoff())
		pipe.SAdd(ctx, redisDomainsKey, snap.Domain)
		return nil
	})
	return eris.Wrapf(err, "intel: append snapshot for %s", snap.Domain)
}

func (h *RedisHistory) Points(ctx context.Context, domain string) ([]Snapshot, error) {
	members, err := h.client.ZRangeByScore(ctx, seriesKey(domain), &redis.ZRangeBy{
		Min: h.cutoff(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "intel: read series for %s", domain)
	}
	out := make([]Snapshot, 0, len(members))
	for _, m := range members {
		var s Snapshot
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return nil, eris.Wrapf(err, "intel: decode snapshot for %s", domain)
		}
		out = append(out, s)
	}
	return out, nil
}

func (h *RedisHistory) Domains(ctx context.Context) ([]string, error) {
	domains, err := h.client.SMembers(ctx, redisDomainsKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "intel: list domains")
	}
	if len(domains) == 0 {
		return domains, nil
	}

	cutoff := h.cutoff()
	counts := make([]*redis.IntCmd, len(domains))
	_, err = h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range domains {
			counts[i] = pipe.ZCount(ctx, seriesKey(d), cutoff, "+inf")
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "intel: count live points")
	}

	out := make([]string, 0, len(domains))
	var expired []any
	for i, d := range domains {
		if counts[i].Val() > 0 {
			out = append(out, d)
		} else {
			expired = append(expired, d)
		}
	}
	// Racing an Append can drop a live domain until its next append.
	if len(expired) > 0 {
		if err := h.client.SRem(ctx, redisDomainsKey, expired...).Err(); err != nil {
			return nil, eris.Wrap(err, "intel: drop expired domains")
		}
	}
	sort.Strings(out)
	return out, nil
}
