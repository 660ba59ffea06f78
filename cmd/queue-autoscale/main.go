// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/queue-autoscaler/internal/autoscaler"
	"github.com/flyingrobots/queue-autoscaler/internal/calculators"
	"github.com/flyingrobots/queue-autoscaler/internal/config"
	"github.com/flyingrobots/queue-autoscaler/internal/engine"
	"github.com/flyingrobots/queue-autoscaler/internal/events"
	"github.com/flyingrobots/queue-autoscaler/internal/launcher"
	"github.com/flyingrobots/queue-autoscaler/internal/manager"
	"github.com/flyingrobots/queue-autoscaler/internal/metricssource"
	"github.com/flyingrobots/queue-autoscaler/internal/obs"
	"github.com/flyingrobots/queue-autoscaler/internal/policy"
	"github.com/flyingrobots/queue-autoscaler/internal/redisclient"
	"github.com/flyingrobots/queue-autoscaler/internal/resourcesource"
	"github.com/flyingrobots/queue-autoscaler/internal/strategy"
	"github.com/flyingrobots/queue-autoscaler/internal/workerpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

// connectionName identifies the single Redis connection this controller
// instance watches. Queue identity is (connection, queue); a deployment
// with multiple named connections would run one manager per connection.
const connectionName = "default"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	mgr, err := build(cfg, rdb, logger)
	if err != nil {
		logger.Error("failed to build controller", obs.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, draining", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(time.Duration(cfg.Workers.ShutdownTimeoutSeconds+5) * time.Second):
		}
	}()

	mgr.Run(ctx)
	logger.Info("controller drained, exiting")
}

// build wires every collaborator package into a running Manager: the
// default Redis-backed MetricsSource, the gopsutil ResourceSource, the
// os/exec WorkerLauncher and the pool it backs, the configured policy
// chain, the hybrid predictive strategy, the event sinks, and finally
// the engine and manager that tie them together.
func build(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*manager.Manager, error) {
	metrics := metricssource.New(rdb, connectionName, cfg.Redis.QueuePrefix, cfg.Redis.HeartbeatPattern, log)
	resources := resourcesource.New()

	launch := launcher.New(cfg.Launcher.Binary, cfg.Launcher.Args, log)
	pool := workerpool.New(launch, workerpool.Params{
		SpawnTries:          cfg.Workers.Tries,
		SpawnTimeout:        time.Duration(cfg.Workers.TimeoutSeconds) * time.Second,
		SpawnSleep:          time.Duration(cfg.Workers.SleepSeconds) * time.Second,
		ShutdownTimeout:     time.Duration(cfg.Workers.ShutdownTimeoutSeconds) * time.Second,
		HealthCheckInterval: time.Duration(cfg.Workers.HealthCheckIntervalSeconds) * time.Second,
	}, log)

	sinks := []events.Sink{events.NewLogSink(log)}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, events.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.RateLimitPerSec, cfg.Webhook.Timeout, log))
	}
	sink := events.NewMultiSink(sinks...)

	chain, err := buildPolicyChain(cfg, log, sink)
	if err != nil {
		return nil, err
	}

	strat, err := buildStrategy(cfg)
	if err != nil {
		return nil, err
	}

	eng := engine.New(strat, chain)

	return manager.New(cfg, metrics, resources, pool, eng, sink, log), nil
}

// buildStrategy resolves cfg.Strategy into the configured Strategy
// implementation. hybrid_predictive is the only one shipped today; an
// unrecognised value is a startup-time configuration error rather than a
// silent fallback to it.
func buildStrategy(cfg *config.Config) (strategy.Strategy, error) {
	switch cfg.Strategy {
	case "hybrid_predictive":
		trendPolicy := strategy.TrendPolicy(cfg.Scaling.TrendPolicy)
		return strategy.NewHybrid(strategy.Params{
			FallbackJobTimeSec:       cfg.Scaling.FallbackJobTimeSeconds,
			MinArrivalRateConfidence: cfg.Scaling.MinArrivalRateConfidence,
			TrendPolicy:              trendPolicy,
		}, calculators.NewArrivalRateEstimator()), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q in config.strategy", cfg.Strategy)
	}
}

// buildPolicyChain resolves cfg.Policies into the ordered chain the engine
// runs after every recommendation. An unrecognised policy name is a
// startup-time configuration error, not a silently-skipped no-op.
func buildPolicyChain(cfg *config.Config, log *zap.Logger, sink events.Sink) (*policy.Chain, error) {
	// The manager publishes SlaBreachPredicted/SlaRecovered on transitions;
	// the breach_notification policy adds a per-decision warning or notice.
	notify := func(d autoscaler.Decision, nearBreach bool) {
		fields := []zap.Field{
			zap.String("queue", d.QueueKey.String()),
			zap.Float64("predicted_pickup_sec", d.PredictedPickupSec),
			zap.Int("sla_target_sec", d.SLATargetSec),
		}
		if nearBreach {
			log.Info("SLA near breach", fields...)
			return
		}
		log.Warn("SLA breach predicted", fields...)
	}

	policies := make([]policy.Policy, 0, len(cfg.Policies))
	for _, name := range cfg.Policies {
		p, ok := policy.ByName(name, notify)
		if !ok {
			return nil, fmt.Errorf("unknown policy %q in config.policies", name)
		}
		policies = append(policies, p)
	}
	return policy.NewChain(log, policies...), nil
}
