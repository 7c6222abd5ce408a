package main

import (
	"fmt"
	"os"

	"github.com/mcclellann/fredrecon/pkg/config"
	"github.com/mcclellann/fredrecon/pkg/reconcile"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
)

var Version = "dev"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	a := &app{log: logger, connect: connectFromEnv(logger)}
	if err := a.execute(newRootCmd(a)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connectFromEnv opens the store named by the environment configuration.
// Opening a SQL store applies pending migrations.
func connectFromEnv(logger *logrus.Logger) func() (store.Storage, reconcile.Options, error) {
	return func() (store.Storage, reconcile.Options, error) {
		cfg, err := config.NewConfig()
		if err != nil {
			return nil, reconcile.Options{}, fmt.Errorf("failed to load config: %w", err)
		}
		logger.SetLevel(cfg.Level())

		s, err := store.Open(cfg.StoreDriver, cfg.DBConn)
		if err != nil {
			return nil, reconcile.Options{}, fmt.Errorf("failed to initialize %s store: %w", cfg.StoreDriver, err)
		}
		return s, reconcile.Options{Location: cfg.Location, MaxAttempts: cfg.MaxAttempts}, nil
	}
}
