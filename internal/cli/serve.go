package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxh0305/wegent/internal/config"
	"github.com/zxh0305/wegent/internal/httpapi"
	"github.com/zxh0305/wegent/internal/otel"
	"github.com/zxh0305/wegent/internal/sched"
)

func newServeCmd() *cobra.Command {
	var (
		addr        string
		apiKey      string
		dev         bool
		dbDriver    string
		dbURL       string
		enableOtel  bool
		workers     int
		intervalSec float64
		webhook     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Wegent server (HTTP API, SSE stream, scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			ctx := cmd.Context()

			if apiKey == "" {
				apiKey = os.Getenv("WEGENT_API_KEY")
			}
			if dbURL == "" {
				dbURL = os.Getenv("DATABASE_URL")
			}

			opts := httpapi.ServerOptions{
				Home:        home,
				Addr:        addr,
				Dev:         dev,
				APIKey:      apiKey,
				DBDriver:    dbDriver,
				DBURL:       dbURL,
				WebhookSink: webhook,
				Workers:     workers,
			}
			if enableOtel {
				metricsHandler, err := otel.InitMeterProvider(ctx, "wegent")
				if err != nil {
					slog.Warn("otel init failed; continuing without metrics", "err", err)
				} else {
					opts.MetricsHandler = metricsHandler
					opts.UseOtelHTTP = true
					if err := otel.InitMetrics(ctx); err != nil {
						slog.Warn("otel instruments init failed", "err", err)
					}
				}
			}

			app, err := httpapi.NewApp(ctx, opts)
			if err != nil {
				return err
			}

			interval := time.Duration(intervalSec * float64(time.Second))
			scheduler := sched.New(app.Store, app.Dispatcher, interval, slog.Default())

			slog.Info("server starting", "addr", addr, "home", home, "db", dbDriver)
			errCh := make(chan error, 1)
			go func() {
				go scheduler.Run(ctx)
				errCh <- app.Server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = app.Server.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3548", "Listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this API key (env: WEGENT_API_KEY)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Dispatch worker pool size (0 = default)")
	cmd.Flags().Float64Var(&intervalSec, "interval", 1.0, "Scheduler poll interval (seconds)")
	cmd.Flags().StringVar(&webhook, "notify-webhook", "", "Also POST notifications to this URL")

	return cmd
}
