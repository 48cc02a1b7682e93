package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"delivery-guard/internal/config"
	"delivery-guard/internal/factory"
	"delivery-guard/internal/handler"
	"delivery-guard/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin-token" {
		if err := runAdminToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := serve(ctx); err != nil {
		util.Fatal("delivery-guard stopped", util.ErrorField(err))
	}
}

// serve runs the public API until ctx is cancelled, then drains every listener.
func serve(ctx context.Context) error {
	f, err := factory.NewFactory()
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	cfg := f.Config()
	if err := startupCheck(ctx, f, cfg); err != nil {
		return err
	}
	logDeliverySettings(cfg)

	servers := listeners(f, cfg, setupRouter(f))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range servers {
		g.Go(func() error {
			util.Info("Listener starting", util.String("name", l.name), util.String("address", l.srv.Addr))
			if err := l.run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, l := range servers {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Listener did not drain in time", util.String("name", l.name), util.ErrorField(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// startupCheck refuses to serve in production while a required store is down.
func startupCheck(ctx context.Context, f *factory.Factory, cfg *config.Config) error {
	err := f.HealthCheck(ctx)
	if err == nil {
		return nil
	}
	if cfg.IsProduction() {
		return fmt.Errorf("startup health check failed: %w", err)
	}
	util.Warn("Startup health check failed, serving anyway", util.ErrorField(err))
	return nil
}

func logDeliverySettings(cfg *config.Config) {
	util.Info("Delivery validation settings",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Duration("qr_ttl", cfg.Delivery.TokenTTL),
		util.Duration("otp_ttl", cfg.Delivery.OTPTTL),
		util.Int("otp_max_attempts", cfg.Delivery.OTPMaxAttempts),
		util.Int("otp_rate_limit", cfg.Delivery.RateLimitMax),
		util.Duration("session_ttl", cfg.Delivery.SessionTTL),
	)
	if cfg.Delivery.OTPTestMode {
		util.Warn("OTP test mode is on, codes are echoed in API responses")
	}
}

func setupRouter(f *factory.Factory) http.Handler {
	services := f.ServiceFactory()
	logger := util.Get()

	delivery := handler.NewDeliveryHandler(services.OTPService(), services.ConfirmationService(), logger)
	admin := handler.NewAdminHandler(services.QRService(), f.Exporter(), logger)

	return handler.NewRouter(delivery, admin, f.AdminVerifier(), f, logger, handler.RouterOptions{
		RequireHTTPS:   f.Config().Server.EnableTLS,
		AllowedOrigins: f.Config().Server.AllowedOrigins,
	})
}

type listener struct {
	name string
	srv  *http.Server
	run  func() error
}

// listeners plans the HTTP servers for the configured TLS mode: plain HTTP,
// HTTPS on the TLS port, or autocert on 443 with the ACME challenge on 80.
func listeners(f *factory.Factory, cfg *config.Config, router http.Handler) []listener {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled, serving plain HTTP", util.Int("port", cfg.Server.Port))
		return []listener{{name: "http", srv: api, run: api.ListenAndServe}}
	}

	api.TLSConfig = f.TLSManager().GetTLSConfig()
	certFile, keyFile := cfg.Server.CertFile, cfg.Server.KeyFile
	serveTLS := func() error { return api.ListenAndServeTLS(certFile, keyFile) }

	if autoCert := f.TLSManager().GetAutocertManager(); cfg.IsProduction() && cfg.Server.AutoCert && autoCert != nil {
		api.Addr = ":443"
		serveTLS = func() error { return api.ListenAndServeTLS("", "") }
		acme := &http.Server{
			Addr:              ":80",
			Handler:           autoCert.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		util.Info("Serving HTTPS with autocert", util.String("domain", cfg.Server.Domain))
		return []listener{
			{name: "https", srv: api, run: serveTLS},
			{name: "acme", srv: acme, run: acme.ListenAndServe},
		}
	}

	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	if certFile == "" || keyFile == "" {
		serveTLS = func() error { return api.ListenAndServeTLS("", "") }
	}
	return []listener{{name: "https", srv: api, run: serveTLS}}
}
