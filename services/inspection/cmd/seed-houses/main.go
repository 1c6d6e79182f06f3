package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/realtime"
	"lemmacheck/pkg/store"
	"lemmacheck/services/inspection/internal/app"
	"lemmacheck/services/inspection/internal/config"
)

func main() {
	listing := flag.String("file", "prh-estates.json", "estate listing JSON")
	configPath := flag.String("config", config.ConfigPath, "config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	data, err := os.ReadFile(*listing)
	if err != nil {
		util.Fatal("failed to read listing", "file", *listing, "err", err)
	}
	st, err := store.NewGormStore(cfg.DatabaseURL, store.WithDriver(cfg.DatabaseDriver))
	if err != nil {
		util.Fatal("failed to open store", "err", err)
	}
	defer st.Close()

	hub := realtime.NewHub()
	defer hub.Close()
	appCore, err := app.New(app.Config{Store: st, Broadcaster: hub})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := appCore.ImportHouses(ctx, data)
	if err != nil {
		util.Fatal("failed to import houses", "err", err)
	}
	fmt.Printf("%d new estates written to house table.\n", n)
}
