package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cachemir/mirproxy/internal/backend"
	"github.com/cachemir/mirproxy/pkg/config"
)

func main() {
	cfg, err := config.LoadBackendConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting cache node with config: %+v", cfg)

	srv := backend.New(cfg.Address())

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Cache node failed to start: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down cache node...")

	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping cache node: %v", err)
	}

	log.Println("Cache node stopped")
}
