package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

const banner = `
 _                       _
| | _____ _   _  __ _  __ _| |_ ___
| |/ / _ \ | | |/ _' |/ _' | __/ _ \
|   <  __/ |_| | (_| | (_| | ||  __/
|_|\_\___|\__, |\__, |\__,_|\__\___|
          |___/ |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server that exposes key management, key introspection, health and metrics endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *)")

	bindFlag(cmd, "port", "server.port")
	bindFlag(cmd, "host", "server.host")

	return cmd
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg := effectiveConfig()
	if dev {
		cfg.Log.Level = "debug"
		cfg.Server.CORSOrigins = []string{"*"}
	}

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Driver(), "data_dir", cfg.DataDir)

	authSvc := service.NewAuthService(store, cfg.Auth.AdminSecret, logger)
	if !authSvc.RootConfigured() {
		logger.Warn("no admin secret configured; set KEYGATE_AUTH_ADMIN_SECRET or use an admin key to manage keys")
	}

	metrics := telemetry.NewMetrics()

	srv, err := server.New(srvCfg, store, authSvc, metrics, logger, versionString())
	if err != nil {
		return errors.Wrap(err, "build server")
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, banner)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "→ keygate %s\n", versionString())
	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ OpenAPI:    http://%s:%d/openapi.json\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ Metrics:    http://%s:%d/metrics\n", srvCfg.Host, srvCfg.Port)
	fmt.Fprintln(out)

	return srv.ListenAndServe()
}

// serverConfig converts the file/env configuration into server.Config.
func serverConfig(cfg *config.YAMLConfig) (server.Config, error) {
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.CORSOrigins = cfg.Server.CORSOrigins
	srvCfg.RateLimit = cfg.Server.RateLimit

	if cfg.Server.ShutdownTimeout != "" {
		d, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
		if err != nil {
			return server.Config{}, errors.Wrap(err, "parse server.shutdown_timeout")
		}
		srvCfg.ShutdownTimeout = d
	}
	if srvCfg.Port <= 0 || srvCfg.Port > 65535 {
		return server.Config{}, errors.Errorf("invalid server.port %d", srvCfg.Port)
	}
	if srvCfg.RateLimit < 0 {
		return server.Config{}, errors.Errorf("invalid server.rate_limit %d", srvCfg.RateLimit)
	}
	return srvCfg, nil
}
