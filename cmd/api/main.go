package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mcclellann/fredrecon/pkg/config"
	"github.com/mcclellann/fredrecon/pkg/reconcile"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.Level())

	storage, err := store.Open(cfg.StoreDriver, cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.StoreDriver, err)
	}
	defer storage.Close()

	server := NewServer(storage, reconcile.Options{Location: cfg.Location, MaxAttempts: cfg.MaxAttempts}, logger)

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.WithFields(logrus.Fields{"store": cfg.StoreDriver, "timezone": cfg.Location.String()}).Infof("Server starting on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
