package global

import (
	"os"
	"strconv"

	"NWChat/tools/ids"
)

// AppConfig holds the few process-level knobs the gateway needs.
// Everything here comes from the environment; the deployment layer
// owns where the values originate.
type AppConfig struct {
	Addr          string // listen address, e.g. ":8080"
	GatewayID     string // node id for presence/relay routing
	NodeID        int64  // snowflake node id
	JWTSecret     string
	RedisAddr     string // empty disables presence/offline queue
	RedisPassword string
	RedisDB       int
	MongoURI      string // empty selects the in-memory store
	MongoDatabase string
	NatsURL       string // empty disables the cross-gateway relay
}

func LoadConfig() *AppConfig {
	c := &AppConfig{
		Addr:          envOr("NWCHAT_ADDR", ":8080"),
		GatewayID:     envOr("NWCHAT_GATEWAY_ID", "gw-1"),
		NodeID:        envInt64("NWCHAT_NODE_ID", 1),
		JWTSecret:     envOr("NWCHAT_JWT_SECRET", ""),
		RedisAddr:     os.Getenv("NWCHAT_REDIS_ADDR"),
		RedisPassword: os.Getenv("NWCHAT_REDIS_PASSWORD"),
		RedisDB:       int(envInt64("NWCHAT_REDIS_DB", 0)),
		MongoURI:      os.Getenv("NWCHAT_MONGO_URI"),
		MongoDatabase: envOr("NWCHAT_MONGO_DB", "nwchat"),
		NatsURL:       os.Getenv("NWCHAT_NATS_URL"),
	}
	return c
}

// ConfigIds must run before any id is generated.
func ConfigIds(c *AppConfig) {
	ids.SetNodeID(c.NodeID)
}

func (c *AppConfig) GetJwtSecret() []byte {
	return []byte(c.JWTSecret)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
