package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent_relay/internal/config"
	messageRepo "agent_relay/internal/repository/message"
	"agent_relay/internal/service/messaging"
	redisSvc "agent_relay/internal/service/redis"
	"agent_relay/internal/service/server"
	"agent_relay/internal/transport"
	"agent_relay/internal/transport/redisrelay"
	"agent_relay/internal/transport/waku"
	"agent_relay/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := log.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if cfg.HMACSecret == "" {
		log.Warn("MESSAGE_HMAC_SECRET is not set; sending is disabled and every inbound message is dropped")
	}

	ctx := context.Background()

	adapter, closers, err := initTransport(ctx, cfg)
	if err != nil {
		log.Fatal("init transport failed", zap.String("transport", cfg.Transport), zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := messaging.New(adapter, messaging.Options{
		Secret:           []byte(cfg.HMACSecret),
		PubsubTopic:      cfg.PubsubTopic,
		DedupMax:         cfg.DedupMax,
		InboxMax:         cfg.InboxMax,
		PollInterval:     cfg.PollInterval,
		BackfillInterval: cfg.BackfillInterval,
		StorePageSize:    cfg.StorePageSize,
		Registry:         reg,
	})
	if err := svc.Start(ctx); err != nil {
		log.Fatal("start messaging failed", zap.Error(err))
	}

	c := server.NewHttpServer(cfg.HTTPAddr, svc, reg)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run() }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-done:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = c.Shutdown(shutdownCtx)
	svc.Stop(shutdownCtx)
	err = multierr.Append(err, adapter.Close())
	for _, closeFn := range closers {
		err = multierr.Append(err, closeFn(shutdownCtx))
	}
	if err != nil {
		log.Error("shutdown finished with errors", zap.Error(err))
	}
}

type closer func(ctx context.Context) error

func initTransport(ctx context.Context, cfg *config.Config) (transport.Adapter, []closer, error) {
	switch cfg.Transport {
	case config.TransportRedis:
		return initRedisRelay(ctx, cfg)
	default:
		return waku.New(cfg.WakuNodeURL,
			waku.WithTimeout(cfg.TransportTimeout),
			waku.WithPubsubTopic(cfg.PubsubTopic),
			waku.WithMaxPages(cfg.StoreMaxPages),
		), nil, nil
	}
}

func initRedisRelay(ctx context.Context, cfg *config.Config) (transport.Adapter, []closer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	redis := redisSvc.NewRedis(rdb)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.TransportTimeout)
	defer cancel()
	if err := redis.Ping(pingCtx); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	closers := []closer{func(context.Context) error { return redis.Close() }}

	var archive redisrelay.Archive
	switch cfg.Archive {
	case config.ArchiveMongo:
		mongoDBClient, err := initMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("mongo: %w", err), redis.Close())
		}
		closers = append(closers, mongoDBClient.Disconnect)

		repo := messageRepo.NewMessageRepo(mongoDBClient.Database(cfg.MongoDB))
		if err := repo.EnsureIndexes(ctx); err != nil {
			log.Warn("ensure mongo indexes failed", zap.Error(err))
		}
		archive = repo
	default:
		archive = redisrelay.NewRedisArchive(redis, redisrelay.DefaultRetention)
	}

	return redisrelay.New(redis, archive, redisrelay.WithTimeout(cfg.TransportTimeout)), closers, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
