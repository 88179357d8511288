// Command netpool-probe keeps pooled connections to a set of targets busy
// and exports the pool occupancy to Prometheus and statsd.
//
// It reloads its configuration when the config file changes or on SIGHUP,
// swapping in a new provider, and exits on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/One-com/gone/netpool/config"
	"github.com/One-com/gone/netpool/pool"
	poolprom "github.com/One-com/gone/netpool/registrar/prometheus"
	"github.com/One-com/gone/netpool/registrar/statsd"
	"github.com/One-com/gone/netpool/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "netpool-probe:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("netpool-probe", pflag.ContinueOnError)
	cfgFile := fs.StringP("config", "c", "", "config file (.toml, .yaml or .json)")
	envPrefix := fs.String("env-prefix", "NETPOOL", "prefix of environment overrides, empty to disable")
	watch := fs.Bool("watch", true, "reload when the config file changes")
	config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := &config.Loader{Path: *cfgFile, EnvPrefix: *envPrefix, Flags: fs}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// Metrics registrars are created once and outlive provider reloads.
	var regs registrars
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector())
	collector := poolprom.New("netpool")
	promReg.MustRegister(collector)
	regs = append(regs, collector)

	if cfg.Metrics.Statsd != "" {
		sd, err := statsd.New(
			statsd.Peer(cfg.Metrics.Statsd),
			statsd.Prefix(cfg.Metrics.StatsdPrefix),
			statsd.Interval(cfg.Metrics.FlushInterval))
		if err != nil {
			return fmt.Errorf("statsd: %w", err)
		}
		defer sd.Stop()
		regs = append(regs, sd)
	}

	registry := pool.NewRegistry()
	defer registry.Dispose()

	prov, err := newProvider(cfg, log, regs)
	if err != nil {
		return err
	}
	registry.Swap(prov)

	// current is replaced together with the provider in the registry.
	var mu sync.Mutex
	current := cfg
	p := &probe{
		log: log,
		current: func() (*pool.Provider, *config.Config) {
			mu.Lock()
			defer mu.Unlock()
			prov, _ := registry.Get(current.Name)
			return prov, current
		},
	}

	reload := func(next *config.Config, err error) {
		if err != nil {
			log.WithError(err).Error("reloading config")
			return
		}
		np, err := newProvider(next, log, regs)
		if err != nil {
			log.WithError(err).Error("creating provider")
			return
		}
		mu.Lock()
		prev := current
		current = next
		old := registry.Swap(np)
		if prev.Name != next.Name {
			registry.Remove(prev.Name)
		}
		mu.Unlock()
		if old != nil {
			old.Dispose()
		}
		log.WithField("provider", next.Name).Info("config reloaded")
	}

	if *watch && *cfgFile != "" {
		w, err := loader.Watch(reload)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals.RunSignalHandler(ctx, signals.Mappings{
		syscall.SIGINT:  signals.Action(cancel),
		syscall.SIGTERM: signals.Action(cancel),
		syscall.SIGHUP:  func() { reload(loader.Load()) },
	})

	if addr := cfg.Metrics.Prometheus; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.WithField("addr", addr).Info("serving /metrics")
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithFields(p.stats.fields()).Info("probe stats")
			}
		}
	}()

	log.WithFields(logrus.Fields{"provider": cfg.Name, "targets": cfg.Targets, "workers": cfg.Probe.Workers}).Info("probing")
	p.run(ctx, cfg.Probe.Workers)
	log.WithFields(p.stats.fields()).Info("exiting")
	return nil
}
