package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

var (
	rdb *redis.Client
	ctx = context.Background()
)

func InitRedis(c RedisConfig) error {
	rdb = redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	return rdb.Ping(ctx).Err()
}

// RedisEnabled reports whether presence/offline features are live.
func RedisEnabled() bool { return rdb != nil }

// presence key: nw:presence:<user>
// Value: gateway id; the TTL bounds how long a crashed gateway keeps a
// user looking online.
func presenceKey(user string) string { return "nw:presence:" + user }

// PresenceOnline marks the user online on this gateway and renews TTL.
func PresenceOnline(user, gatewayID string, ttl time.Duration) error {
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Set(ctx, presenceKey(user), gatewayID, ttl).Err()
}

// PresenceOffline deletes the presence key.
func PresenceOffline(user string) error {
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Del(ctx, presenceKey(user)).Err()
}

// PresenceLookup reports whether the user is online and where.
func PresenceLookup(user string) (gatewayID string, online bool, err error) {
	if rdb == nil {
		return "", false, fmt.Errorf("redis not initialized")
	}
	val, err := rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// —— Offline queue: one List per user ——
//
// When BroadcastToUser attempts zero sessions the router parks the
// delivery frame here; the push-notification side drains it.

type OfflineMsg struct {
	From    string `json:"from"`
	Payload []byte `json:"payload"`
}

func offlineKey(user string) string { return "nw:offline:" + user }

// EnqueueOffline stores a frame in the user's offline queue, keeping a
// rolling window of the most recent 10,000 entries.
func EnqueueOffline(user, from string, payload []byte) error {
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	b, _ := json.Marshal(OfflineMsg{From: from, Payload: payload})
	pipe := rdb.TxPipeline()
	pipe.LPush(ctx, offlineKey(user), b)
	pipe.LTrim(ctx, offlineKey(user), 0, 9999)
	_, err := pipe.Exec(ctx)
	return err
}

// fetchOfflineScript pops up to ARGV[1] entries from the tail of the
// list in one atomic step, so a concurrent LPush can never shift the
// trim window and a full drain really empties the key.
var fetchOfflineScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local len = redis.call('LLEN', KEYS[1])
if len == 0 then return {} end
if n > len then n = len end
local vals = redis.call('LRANGE', KEYS[1], len - n, len - 1)
if n == len then
	redis.call('DEL', KEYS[1])
else
	redis.call('LTRIM', KEYS[1], 0, len - n - 1)
end
return vals
`)

// FetchOffline retrieves and clears up to n offline messages, oldest
// first.
func FetchOffline(user string, n int) ([]OfflineMsg, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis not initialized")
	}
	if n <= 0 {
		n = 100
	}

	res, err := fetchOfflineScript.Run(ctx, rdb, []string{offlineKey(user)}, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	vals, _ := res.([]interface{})

	// tail of the list is oldest; walk backwards to hand them out in
	// send order
	out := make([]OfflineMsg, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		var m OfflineMsg
		_ = json.Unmarshal([]byte(s), &m)
		out = append(out, m)
	}
	return out, nil
}
