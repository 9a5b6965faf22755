package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pwman/sidecar/app"
	"github.com/pwman/sidecar/internal/config"
	"github.com/pwman/sidecar/internal/logging"
)

func main() {
	cliApp := &cli.App{
		Name:  "pwman-desktop",
		Usage: "supervise the pwman sync server and serve the desktop control API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the TOML configuration file.",
				EnvVars: []string{"PWMAN_DESKTOP_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format. One of [console,json]. Defaults to console on a terminal.",
			},
			&cli.StringFlag{
				Name:  "api-addr",
				Usage: "The address of the control API.",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			startCommand(),
			stopCommand(),
			statusCommand(),
			vaultsCommand(),
			eventsCommand(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if c.IsSet("api-addr") {
		cfg.API.ListenAddr = c.String("api-addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// newClient builds an API client for the client-side commands. Those log only warnings
// and up unless a level is given.
func newClient(c *cli.Context) (*app.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if !c.IsSet("log-level") {
		cfg.Logging.Level = "warn"
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return app.NewClient(log, cfg.API.ListenAddr), nil
}
