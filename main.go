package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nodecast-proxy/work/cache"
	"nodecast-proxy/work/client"
	"nodecast-proxy/work/config"
	"nodecast-proxy/work/handlers"
	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/proxy"
	"nodecast-proxy/work/relay"
	"nodecast-proxy/work/remux"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/upstream"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
)

func main() {
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)
	logger.Info("{main - main} Starting nodecast-proxy on port %d", cfg.ListenPort)

	registry, err := sources.Open(filepath.Join(cfg.DataDir, "sources.db"))
	if err != nil {
		logger.Error("{main - main} Cannot open sources database: %v", err)
		os.Exit(1)
	}
	defer registry.Close()

	pool, err := ants.NewPool(cfg.WorkerThreads)
	if err != nil {
		logger.Error("{main - main} Cannot create worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	store := cache.NewStore(filepath.Join(cfg.DataDir, "cache"), cfg.MemoryCacheEntries)
	httpClient := client.NewHeaderSettingClient(cfg)
	fetcher := upstream.NewFetcher(httpClient, cfg)
	orch := proxy.NewOrchestrator(cfg, store, fetcher, registry, pool)
	rly := relay.New(cfg, httpClient)
	sup := remux.NewSupervisor(cfg)

	router := mux.NewRouter()
	handlers.Register(router, orch, rly, sup, registry)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: relay and remux responses are long-lived streams.
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main - main} Server error: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("{main - main} Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("{main - main} Shutdown incomplete: %v", err)
	}
}
