// Command ruleflowd runs the rule engine as a daemon: it loads rule files,
// fires scheduled and NATS-triggered rules and serves Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ccbhj/ruleflow"
	"github.com/ccbhj/ruleflow/action"
	"github.com/ccbhj/ruleflow/approval"
	"github.com/ccbhj/ruleflow/internal/config"
	"github.com/ccbhj/ruleflow/internal/logging"
	"github.com/ccbhj/ruleflow/internal/metrics"
	"github.com/ccbhj/ruleflow/notify"
	"github.com/ccbhj/ruleflow/scheduler"
	"github.com/ccbhj/ruleflow/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	rulesDir := flag.String("rules", "", "directory of rule definition files, overrides rules_dir")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruleflowd: %v\n", err)
		os.Exit(2)
	}
	if *rulesDir != "" {
		cfg.RulesDir = *rulesDir
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ruleflowd: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("ruleflowd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rdb redis.UniversalClient
	if cfg.Store.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "connect redis %s", cfg.Redis.Addr)
		}
	}

	var repo store.Repository = store.NewMemory()
	if cfg.Store.Backend == config.BackendRedis {
		repo = store.NewRedis(rdb, cfg.Redis.KeyPrefix)
	}
	var queue scheduler.Queue = scheduler.NewMemoryQueue(cfg.Queue.Capacity)
	if cfg.Queue.Backend == config.BackendRedis {
		queue = scheduler.NewRedisQueue(rdb, cfg.Redis.KeyPrefix, cfg.Queue.Capacity)
	}

	notifiers := notify.Multi{notify.NewLogDispatcher(logger)}
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("ruleflowd"))
		if err != nil {
			return errors.Wrapf(err, "connect nats %s", cfg.NATS.URL)
		}
		defer nc.Close()
		notifiers = append(notifiers, notify.NewNATSDispatcher(nc, cfg.NATS.NotificationSubject))
	}

	registry := action.NewRegistry(action.WithLogger(logger), action.WithMetrics(m))
	if err := action.RegisterBuiltins(registry, logger, notifiers); err != nil {
		return err
	}

	opts := []ruleflow.Option{
		ruleflow.WithLogger(logger),
		ruleflow.WithMetrics(m),
		ruleflow.WithQueue(queue),
		ruleflow.WithWorkers(cfg.Workers),
		ruleflow.WithNotifier(notifiers),
		ruleflow.WithClaimTTL(cfg.ClaimTTL),
		ruleflow.WithResubmitInterval(cfg.ResubmitInterval),
	}
	if len(cfg.ApproverRoles) > 0 {
		opts = append(opts, ruleflow.WithDirectory(approval.StaticDirectory(cfg.ApproverRoles)))
	}
	if len(cfg.Elastic.URLs) > 0 {
		es, err := store.NewElasticClient(cfg.Elastic.URLs, cfg.Elastic.Sniff)
		if err != nil {
			return err
		}
		index := store.NewExecutionIndex(es, cfg.Elastic.Index)
		if err := index.EnsureIndex(ctx); err != nil {
			return err
		}
		opts = append(opts, ruleflow.WithIndexer(index))
	}
	engine := ruleflow.New(repo, registry, opts...)

	if cfg.RulesDir != "" {
		n, err := engine.LoadRules(ctx, cfg.RulesDir)
		if err != nil {
			return err
		}
		logger.Info("rules loaded", zap.String("dir", cfg.RulesDir), zap.Int("count", n))
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	crons := ruleflow.NewCronTriggers(engine)
	if _, err := crons.Sync(ctx); err != nil {
		return err
	}
	crons.Start()

	var (
		triggers *ruleflow.NATSTriggerSource
		controls *ruleflow.NATSControlSource
	)
	if nc != nil {
		triggers = ruleflow.NewNATSTriggerSource(engine, nc, cfg.NATS.TriggerSubject)
		if err := triggers.Start(ctx); err != nil {
			return err
		}
		controls = ruleflow.NewNATSControlSource(engine, nc, cfg.NATS.ApprovalSubject, cfg.NATS.CancelSubject)
		if err := controls.Start(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		engine.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.Shutdown))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()

		if triggers != nil {
			if err := triggers.Stop(); err != nil {
				logger.Warn("stop nats triggers", zap.Error(err))
			}
			if err := controls.Stop(); err != nil {
				logger.Warn("stop nats controls", zap.Error(err))
			}
		}
		if err := crons.Stop(sctx); err != nil {
			logger.Warn("stop cron triggers", zap.Error(err))
		}
		if err := engine.Stop(sctx); err != nil {
			logger.Error("stop engine", zap.Error(err))
		}
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
