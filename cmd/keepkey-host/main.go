// KeepKey Host: local USB signer runtime and API surface
// Copyright (C) 2026  KeepKey Host contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"keepkeyhost/internal/config"
	"keepkeyhost/internal/eventbus"
	"keepkeyhost/internal/hostapi"
	"keepkeyhost/internal/lifecycle"
	"keepkeyhost/internal/registry"
	"keepkeyhost/internal/transport"
)

var (
	dbPath = flag.String("db", "", "path to the device registry database (default: platform app-data dir)")
	port   = flag.Int("port", 0, "port for the host API to listen on (default: from config or 1646)")
)

func main() {
	flag.Parse()

	log.Printf("KeepKey Host starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *port != 0 {
		cfg.APIPort = *port
	}

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open device registry at %s: %v", cfg.DBPath, err)
	}
	defer reg.Close()
	log.Printf("device registry opened at %s", cfg.DBPath)

	bus := eventbus.New()
	mgr := lifecycle.New(reg, bus, transport.Enumerate)

	ctx, stopLifecycle := context.WithCancel(context.Background())
	go mgr.Run(ctx)

	surface := hostapi.NewSurface(reg, mgr, bus)
	runAPIServer(surface, cfg.APIPort)

	stopLifecycle()
}

// runAPIServer starts the host's REST/SSE API: gin.ReleaseMode,
// gin.New()+gin.Recovery(), signal-driven graceful shutdown.
func runAPIServer(surface *hostapi.Surface, apiPort int) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	surface.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", apiPort),
		Handler: router,
	}

	go func() {
		log.Printf("host API listening on :%d", apiPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("host API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down host API...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("host API shutdown error: %v", err)
	}
}
