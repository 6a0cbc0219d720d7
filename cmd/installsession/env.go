package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/installer"
	"github.com/ggoodman/installsession-go/internal/logctx"
	"github.com/ggoodman/installsession-go/journal"
	jredis "github.com/ggoodman/installsession-go/journal/redis"
	"github.com/ggoodman/installsession-go/remote/memremote"
	"github.com/ggoodman/installsession-go/remote/pmshell"
	"github.com/ggoodman/installsession-go/rendezvous"
	rvredis "github.com/ggoodman/installsession-go/rendezvous/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const defaultOwner = "com.example.installsession"

// env is everything a command needs, built from flags and the environment.
type env struct {
	cfg     installer.Config
	log     *slog.Logger
	metrics *installer.Metrics
	svc     installer.Service
	rv      rendezvous.Host
	journal journal.Store
	ident   identity.Context

	closers []func() error
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

func (e *env) options() []installer.Option {
	opts := []installer.Option{installer.WithLogger(e.log), installer.WithMetrics(e.metrics)}
	if e.journal != nil {
		opts = append(opts, installer.WithJournal(e.journal))
	}
	return opts
}

func (e *env) broker() *installer.Broker {
	return installer.NewBroker(e.svc, e.ident, e.options()...)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return logctx.New(h), nil
}

func setup(cmd *cobra.Command) (*env, error) {
	ctx := cmd.Context()
	flags := cmd.Flags()

	cfg, err := installer.LoadConfig()
	if err != nil {
		return nil, err
	}
	level, _ := flags.GetString("log-level")
	log, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	e.metrics = installer.NewMetrics(reg)
	if addr, _ := flags.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics.serve.fail", slog.String("err", err.Error()))
			}
		}()
		e.closers = append(e.closers, srv.Close)
	}

	if cfg.RedisAddr != "" {
		cl := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			_ = e.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		e.closers = append(e.closers, cl.Close)
		e.rv = rvredis.NewFromClient(cl, rvredis.Config{KeyPrefix: cfg.KeyPrefix + "rv:"})
		j, err := jredis.New(jredis.Config{Client: cl, KeyPrefix: cfg.KeyPrefix + "journal:", TTL: 7 * 24 * time.Hour})
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		e.journal = j
	}

	serviceUID, err := e.connect(ctx, cmd)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	owner, _ := flags.GetString("owner")
	if owner == "" {
		owner = cfg.OwnerName
	}
	if owner == "" {
		owner = defaultOwner
	}
	if override, _ := flags.GetInt("service-uid"); override >= 0 {
		serviceUID = override
	}
	id, err := identity.Resolver{
		Checker:  identity.PrivilegeFunc(func(context.Context) (int, error) { return serviceUID, nil }),
		SelfName: owner,
	}.Resolve(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	e.ident = identity.NewContext(id)
	if tok, _ := flags.GetString("token"); tok != "" {
		authz, err := identity.NewTokenAuthorizer(identity.TokenConfig{Key: []byte(os.Getenv("INSTALLSESSION_TOKEN_KEY"))})
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		if e.ident, err = authz.Authorize(identity.NewLegacyContext(id), tok); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	log.Debug("env.ready", slog.String("identity", id.String()), slog.Bool("redis", cfg.RedisAddr != ""))
	return e, nil
}

// connect builds the installer service for --transport and returns the uid
// that service runs as.
func (e *env) connect(ctx context.Context, cmd *cobra.Command) (int, error) {
	transport, _ := cmd.Flags().GetString("transport")
	switch transport {
	case "simulate":
		e.svc = memremote.New(memremote.WithLogger(e.log))
		return identity.RootUID, nil
	case "shell":
		shellCmd, _ := cmd.Flags().GetString("shell-cmd")
		conn, err := pmshell.Dial(context.WithoutCancel(ctx), strings.Fields(shellCmd), pmshell.WithLogger(e.log))
		if err != nil {
			return 0, fmt.Errorf("start %q: %w", shellCmd, err)
		}
		e.closers = append(e.closers, conn.Close)
		e.svc = pmshell.New(conn)
		return identity.ShellUID, nil
	default:
		return 0, fmt.Errorf("unknown --transport %q (want simulate or shell)", transport)
	}
}
