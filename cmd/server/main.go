package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pgrelay/backend/internal/config"
	"github.com/pgrelay/backend/internal/gateway"
	"github.com/pgrelay/backend/internal/logging"
	"github.com/pgrelay/backend/internal/metrics"
	"github.com/pgrelay/backend/internal/mock"
	"github.com/pgrelay/backend/internal/procstats"
	"github.com/pgrelay/backend/internal/upstream"
	"github.com/pgrelay/backend/internal/ws"
)

const shutdownGrace = 5 * time.Second

func main() {
	err := run(os.Args[1:])
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	default:
		fmt.Fprintf(os.Stderr, "pgrelay: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	genToken   bool
}

// parseFlags loads the config file named by --config and overlays any
// flags that were set explicitly.
func parseFlags(args []string) (*config.Config, cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("pgrelay", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to config file")
	fs.BoolVar(&opts.genToken, "gen-token", false, "Print a random auth token and exit")
	mockMode := fs.Bool("mock", false, "Use the synthetic upstream instead of a database")
	host := fs.String("host", "", "Override server.host")
	port := fs.IntP("port", "p", 0, "Override server.port")
	driver := fs.String("driver", "", "Override upstream.driver (postgres, redis, mock)")
	dsn := fs.String("dsn", "", "Override upstream.dsn")
	topics := fs.StringSlice("topics", nil, "Override upstream.topics (comma separated)")
	logLevel := fs.String("log-level", "", "Override log.level")
	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	if opts.genToken {
		return nil, opts, nil
	}

	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, opts, fmt.Errorf("load config: %w", err)
	}

	if fs.Changed("host") {
		cfg.Server.Host = *host
	}
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("driver") {
		cfg.Upstream.Driver = *driver
	}
	if *mockMode {
		cfg.Upstream.Driver = config.DriverMock
	}
	if fs.Changed("dsn") {
		cfg.Upstream.DSN = *dsn
	}
	if fs.Changed("topics") {
		cfg.Upstream.Topics = *topics
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}
	return cfg, opts, nil
}

// newSource picks the upstream driver.
func newSource(cfg *config.Config) (upstream.Source, error) {
	switch cfg.Upstream.Driver {
	case config.DriverPostgres:
		return upstream.NewPostgresSource(cfg.Upstream.DSN, cfg.Upstream.ConnectTimeout), nil
	case config.DriverRedis:
		return upstream.NewRedisSource(cfg.Upstream.DSN)
	case config.DriverMock:
		return mock.NewGenerator(mock.Config{
			Interval:     cfg.Mock.Interval,
			Pattern:      cfg.Mock.Pattern,
			FailEvery:    cfg.Mock.FailEvery,
			FailConnects: cfg.Mock.FailConnects,
		}), nil
	}
	return nil, fmt.Errorf("unknown upstream driver %q", cfg.Upstream.Driver)
}

func gatewayOptions(cfg *config.Config, src upstream.Source, log zerolog.Logger, m *metrics.Metrics) gateway.Options {
	return gateway.Options{
		Source: src,
		Listener: upstream.Config{
			Topics:           cfg.Upstream.Topics,
			BackoffFloor:     cfg.Upstream.BackoffFloor,
			BackoffCeiling:   cfg.Upstream.BackoffCeiling,
			FailureThreshold: cfg.Upstream.FailureThreshold,
		},
		OutboxSize:     cfg.Gateway.OutboxSize,
		Shards:         cfg.Gateway.Shards,
		IntakeBuffer:   cfg.Gateway.IntakeBuffer,
		MaxLag:         cfg.Gateway.MaxLag,
		MaxConnections: cfg.Server.MaxConnections,
		DrainTimeout:   cfg.Gateway.DrainTimeout,
		LagWarnEvery:   cfg.Gateway.LagWarnEvery,
		Logger:         log,
		Metrics:        m,
	}
}

func serverOptions(cfg *config.Config, reg prometheus.Gatherer, sampler *procstats.Sampler, log zerolog.Logger) ws.Options {
	return ws.Options{
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		PongTimeout:    cfg.Server.PongTimeout,
		ReadLimit:      cfg.Server.ReadLimit,
		Publish: ws.PublishOptions{
			Enabled:         cfg.Publish.Enabled,
			RatePerSecond:   cfg.Publish.RatePerSecond,
			Burst:           cfg.Publish.Burst,
			MaxPayloadBytes: cfg.Publish.MaxPayloadBytes,
		},
		Gatherer: reg,
		Sampler:  sampler,
		Logger:   log,
	}
}

func run(args []string) error {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.genToken {
		token, err := config.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Server.AuthToken == "" && !isLoopback(cfg.Server.Host) {
		log.Warn().Str("host", cfg.Server.Host).Msg("listening on a non-loopback address without server.auth_token")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	sampler, err := procstats.NewSampler()
	if err != nil {
		log.Warn().Err(err).Msg("process stats unavailable")
	}

	gw := gateway.New(gatewayOptions(cfg, src, log, m))
	srv := ws.NewServer(gw, serverOptions(cfg, reg, sampler, log))
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		stopGateway(gw, cfg, log)
		return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("driver", src.Name()).
			Strs("topics", cfg.Upstream.Topics).Msg("pgrelay listening")
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, opts.configPath, cfg, log, func(old, next *config.Config) {
			applyConfig(old, next, gw, srv, log)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
			log.Debug().Err(err).Msg("sd_notify stopping")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		stopGateway(gw, cfg, log)
		return nil
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if sent {
		log.Debug().Msg("notified systemd")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stopGateway drains sessions for up to the drain timeout, then closes
// whatever is left.
func stopGateway(gw *gateway.Gateway, cfg *config.Config, log zerolog.Logger) {
	timeout := cfg.Gateway.DrainTimeout
	if timeout <= 0 {
		timeout = gateway.DefaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("gateway stop")
	}
}

// applyConfig applies the live fields of a reloaded config and reports the
// rest.
func applyConfig(old, next *config.Config, gw *gateway.Gateway, srv *ws.Server, log zerolog.Logger) {
	for _, change := range config.Diff(old, next) {
		log.Info().Str("change", change).Msg("config changed")
	}
	if old.Log.Level != next.Log.Level {
		logging.SetLevel(next.Log.Level)
	}
	if old.Publish.RatePerSecond != next.Publish.RatePerSecond || old.Publish.Burst != next.Publish.Burst {
		srv.SetPublishLimit(next.Publish.RatePerSecond, next.Publish.Burst)
	}
	if old.Gateway.MaxLag != next.Gateway.MaxLag {
		gw.SetMaxLag(next.Gateway.MaxLag)
	}
	if restart := config.RestartRequired(old, next); len(restart) > 0 {
		log.Warn().Strs("fields", restart).Msg("restart required for some config changes")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
