package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"NWChat/global"
	"NWChat/logger"
	"NWChat/service/api"
	"NWChat/service/chat"
	"NWChat/service/natsx"
	"NWChat/service/storage"
	"NWChat/tools/security"
)

func main() {
	cfg := global.LoadConfig()
	global.ConfigIds(cfg)

	if cfg.JWTSecret == "" {
		logger.Errorf("NWCHAT_JWT_SECRET is required")
		os.Exit(1)
	}
	auth := security.DefaultOptions(cfg.GetJwtSecret())

	msgs, convs, users, mongoClose := buildStores(cfg)
	defer mongoClose()

	if cfg.RedisAddr != "" {
		if err := storage.InitRedis(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}); err != nil {
			logger.Errorf("redis init: %v", err)
			os.Exit(1)
		}
		logger.Infof("presence/offline queue on redis %s", cfg.RedisAddr)
	}

	reg := chat.NewRegistry()
	var routerOpts []chat.RouterOption
	var relay *natsx.Relay
	if cfg.NatsURL != "" {
		var err error
		relay, err = natsx.NewRelay(cfg.NatsURL, cfg.GatewayID)
		if err != nil {
			logger.Errorf("relay init: %v", err)
			os.Exit(1)
		}
		defer relay.Close()
		routerOpts = append(routerOpts, chat.WithRelay(relay))
		logger.Infof("cross-gateway relay on nats %s gw=%s", cfg.NatsURL, cfg.GatewayID)
	}

	router := chat.NewRouter(reg, msgs, convs, routerOpts...)
	if relay != nil {
		if err := relay.Subscribe(router.DeliverLocal); err != nil {
			logger.Errorf("relay subscribe: %v", err)
			os.Exit(1)
		}
	}

	server := chat.NewServer(cfg.GatewayID, reg, router, auth)
	defer server.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", server.HandleWS)
	api.New(msgs, convs, users, auth).Routes(engine)

	srv := &http.Server{Addr: cfg.Addr, Handler: engine}
	go func() {
		logger.Infof("gateway %s listening on %s", cfg.GatewayID, cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
}

// buildStores selects Mongo when a URI is configured, otherwise the
// in-process store. The returned closer is a no-op for memory.
func buildStores(cfg *global.AppConfig) (storage.MessageStore, storage.ConversationStore, storage.UserStore, func()) {
	if cfg.MongoURI == "" {
		mem := storage.NewMemoryStore()
		logger.Infof("using in-memory store")
		return mem, mem, mem, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		logger.Errorf("mongo init: %v", err)
		os.Exit(1)
	}
	logger.Infof("using mongo store db=%s", cfg.MongoDatabase)
	return ms, ms, ms, func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ms.Close(c)
	}
}
