package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// runtime holds the coordinator built from Config and everything that must
// be shut down once the command finishes.
type runtime struct {
	cfg    *Config
	logger *slog.Logger
	client store.Client
	coord  *lock.Coordinator
	closer []func(context.Context) error
}

func newRuntime(cfg *Config, logOut io.Writer) (*runtime, error) {
	rt := &runtime{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.slogLevel()})),
	}
	opts := []lock.Option{lock.WithPollInterval(cfg.Poll), lock.WithLogger(rt.logger)}

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(logOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		rt.closer = append(rt.closer, tp.Shutdown)
		opts = append(opts, lock.WithTracerProvider(tp))
	}

	client, bus, err := rt.connect()
	if err != nil {
		rt.close()
		return nil, err
	}
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}
	if cfg.MetricsAddr != "" {
		rt.serve(cfg.MetricsAddr, bus)
	}
	rt.client = client
	rt.coord = lock.New(client, opts...)
	return rt, nil
}

// connect opens the configured store and the release bus. NATS or Kafka are
// used when configured; otherwise the Redis backend notifies over its own
// Pub/Sub and etcd relies on polling.
func (rt *runtime) connect() (store.Client, syncbus.Bus, error) {
	cfg := rt.cfg
	storeOpts := []store.Option{store.WithTimeout(cfg.Timeout)}
	var client store.Client
	var bus syncbus.Bus
	switch cfg.Backend {
	case "memory":
		rt.logger.Warn("warplock: in-memory backend, locks are not shared with other processes")
		return store.NewInMemory(), syncbus.NewInMemoryBus(), nil
	case "etcd":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		rt.closer = append(rt.closer, func(context.Context) error { return cli.Close() })
		storeOpts = append(storeOpts, store.WithPrefix(cfg.EtcdPrefix))
		client = store.NewEtcd(cli, storeOpts...)
	default:
		cli := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rt.closer = append(rt.closer, func(context.Context) error { return cli.Close() })
		client = store.NewRedis(cli, storeOpts...)
		if cfg.NATSURL == "" && len(cfg.KafkaBrokers) == 0 {
			rb := syncbus.NewRedisBus(cli)
			rt.closer = append(rt.closer, func(context.Context) error { return rb.Close() })
			bus = rb
		}
	}

	switch {
	case cfg.NATSURL != "":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		rt.closer = append(rt.closer, func(context.Context) error { nc.Close(); return nil })
		bus = syncbus.NewNATSBus(nc)
	case len(cfg.KafkaBrokers) > 0:
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, sarama.NewConfig(), cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		rt.closer = append(rt.closer, func(context.Context) error { return kb.Close() })
		bus = kb
	}
	if bus == nil {
		return client, nil, nil
	}
	return client, syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown), nil
}

// serve exposes Prometheus metrics and, when a bus is configured, streams of
// release notifications for a given ?key=.
func (rt *runtime) serve(addr string, bus syncbus.Bus) {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if bus != nil {
		mux.Handle("/watch", syncbus.SSEHandler(bus))
		mux.Handle("/watch/ws", syncbus.WebSocketHandler(bus))
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("warplock: http server failed", "addr", addr, "error", err)
		}
	}()
	rt.closer = append(rt.closer, srv.Shutdown)
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closer) - 1; i >= 0; i-- {
		if err := rt.closer[i](ctx); err != nil {
			rt.logger.Debug("warplock: shutdown", "error", err)
		}
	}
	rt.closer = nil
}
