package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cachemir/mirproxy/internal/instrument"
	"github.com/cachemir/mirproxy/internal/proxy"
	"github.com/cachemir/mirproxy/pkg/config"
)

func main() {
	cfg, err := config.LoadProxyConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting mirproxy with config: %+v", cfg)

	sink, err := instrument.Open(cfg.InstrumentFormat, cfg.InstrumentFile)
	if err != nil {
		log.Fatalf("Failed to open instrumentation sink: %v", err)
	}

	p, err := proxy.New(context.Background(), cfg, sink)
	if err != nil {
		log.Fatalf("Failed to connect to backends: %v", err)
	}

	if err := p.Start(); err != nil {
		log.Fatalf("Proxy failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down proxy...")

	if err := p.Close(); err != nil {
		log.Printf("Error stopping proxy: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Printf("Error closing instrumentation sink: %v", err)
	}

	log.Println("Proxy stopped")
}
