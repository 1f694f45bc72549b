// Package cmd - serve command
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"riskengine/adapters/hcl"
	mdfile "riskengine/adapters/marketdata"
	"riskengine/api"
	"riskengine/core/cycle"
	"riskengine/internal/logging"
)

type serveOptions struct {
	marketData string
	scenarios  string
	scenario   string
	schedule   string
	addr       string
	watch      bool
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var o serveOptions
	c := &cobra.Command{
		Use:   "serve <definitions>",
		Short: "Run live view processes behind the results API",
		Long: `Start one live view process per view definition. Processes recompute
when market data they depend on changes, when definition files change, and
on an optional cron schedule. Results, build traces and a websocket event
stream are served over HTTP.

Examples:
  riskengine serve --market-data prices.json ./definitions
  riskengine serve --schedule "@every 1m" --addr :9000 ./definitions`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), args[0], o)
		},
	}
	c.Flags().StringVarP(&o.marketData, "market-data", "m", "", "market data file (JSON), reloaded on change")
	c.Flags().StringVar(&o.scenarios, "scenarios", "", "scenario file (YAML)")
	c.Flags().StringVar(&o.scenario, "scenario", "", "scenario applied to every process")
	c.Flags().StringVar(&o.schedule, "schedule", "", "cron schedule requesting full recomputation")
	c.Flags().StringVar(&o.addr, "addr", "", "listen address (overrides config)")
	c.Flags().BoolVar(&o.watch, "watch", true, "reload definition and market data files on change")
	return c
}

func serve(ctx context.Context, path string, o serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Named("serve")
	defer logging.Sync()

	def, err := loadScenario(o.scenarios, o.scenario)
	if err != nil {
		return err
	}
	source, err := hcl.NewSource(path, logger)
	if err != nil {
		return err
	}
	defer source.Close()
	doc := source.Document()
	views, err := selectViews(doc, "")
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, cfg.Engine)
	if err != nil {
		return err
	}
	defer eng.Close()

	if o.marketData != "" {
		md, err := mdfile.NewFileSource(o.marketData, eng.store, logger)
		if err != nil {
			return err
		}
		defer md.Close()
		if o.watch {
			if err := md.Watch(ctx); err != nil {
				return err
			}
		}
	}

	hub := api.NewHub(cfg.Server.WSBuffer, logger)
	processes := cycle.NewProcessRegistry()
	defer processes.StopAll()

	for _, v := range views {
		portfolio, err := doc.PortfolioFor(v)
		if err != nil {
			return err
		}
		opts := append(processOptions(cfg.Engine, def, time.Time{}), cycle.WithLive(true))
		p := cycle.NewViewProcess(v, portfolio, eng.compiler, eng.store, eng.dispatcher, opts...)
		p.Listeners().Add(hub.Listener(p.ID()))
		processes.Register(p)

		if o.schedule != "" {
			trigger, err := cycle.NewCronTrigger(o.schedule, p, logger)
			if err != nil {
				return err
			}
			trigger.Start()
			defer trigger.Stop()
		}
		p.Start(ctx)
		logger.Info("view process started", zap.String("process_id", p.ID()), zap.String("view", v.Name))
	}

	source.OnChange(func(doc *hcl.Document) {
		for _, p := range processes.List() {
			v, err := doc.View(p.View().Name)
			if err != nil {
				logger.Warn("view removed from definitions; keeping last definition", zap.String("process_id", p.ID()))
				continue
			}
			portfolio, err := doc.PortfolioFor(v)
			if err != nil {
				logger.Warn("portfolio unavailable; keeping last definition", zap.String("view", v.Name), zap.Error(err))
				continue
			}
			p.SetDefinition(v, portfolio)
			p.RequestCycle()
		}
	})
	if o.watch {
		if err := source.Watch(ctx); err != nil {
			return err
		}
	}

	addr := cfg.Server.Addr
	if o.addr != "" {
		addr = o.addr
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(processes, hub,
			api.WithVersion(Version),
			api.WithMetrics(cfg.Metrics.Enabled),
			api.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
