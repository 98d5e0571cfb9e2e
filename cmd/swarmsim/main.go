// Command swarmsim runs the drone swarm coordination service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/drone-swarm/internal/api"
	"github.com/talgya/drone-swarm/internal/config"
	"github.com/talgya/drone-swarm/internal/contour"
	"github.com/talgya/drone-swarm/internal/drones"
	"github.com/talgya/drone-swarm/internal/engine"
	"github.com/talgya/drone-swarm/internal/entropy"
	"github.com/talgya/drone-swarm/internal/persistence"
	"github.com/talgya/drone-swarm/internal/swarm"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	rng, seed := entropy.NewRand(cfg.Seed)
	swarmCfg, err := cfg.SwarmConfig()
	if err != nil {
		slog.Error("invalid swarm config", "error", err)
		os.Exit(1)
	}
	slog.Info("swarmsim starting",
		"seed", seed,
		"profile", cfg.Swarm.Profile,
		"strategy", swarmCfg.Strategy,
		"separation", swarmCfg.SeparationIndex,
	)

	// ── Database ──────────────────────────────────────────────────────
	var db *persistence.DB
	if cfg.DB.Path != "" {
		if dir := filepath.Dir(cfg.DB.Path); dir != "." {
			os.MkdirAll(dir, 0755)
		}
		db, err = persistence.Open(cfg.DB.Path)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("database opened", "path", cfg.DB.Path)
	} else {
		slog.Warn("no database path set, contours and history will not persist")
	}

	// ── Contour and targets ───────────────────────────────────────────
	name, pts, err := loadContour(cfg, seed, db)
	if err != nil {
		slog.Error("failed to load contour", "source", cfg.Contour.Source, "error", err)
		os.Exit(1)
	}
	if cfg.Contour.Store && cfg.Contour.Source != config.SourceStored {
		if db == nil {
			slog.Warn("contour store requested without a database")
		} else if err := db.SaveContour(name, cfg.Contour.Source, pts); err != nil {
			slog.Error("failed to store contour", "name", name, "error", err)
		}
	}

	count := cfg.Drones
	if count <= 0 {
		count = contour.RecommendedDrones(pts)
	}
	targets, err := contour.PlanTargets(pts, count)
	if err != nil {
		slog.Error("failed to plan targets", "contour", name, "error", err)
		os.Exit(1)
	}

	// ── Swarm ─────────────────────────────────────────────────────────
	sw, err := swarm.New(count, targets, swarmCfg, rng)
	if err != nil {
		slog.Error("failed to build swarm", "error", err)
		os.Exit(1)
	}
	if db != nil {
		if next, err := db.NextDroneID(); err != nil {
			slog.Error("failed to read next drone id", "error", err)
		} else if next > 0 {
			sw.Renumber(drones.DroneID(next))
		}
	}
	slog.Info("swarm ready",
		"contour", name,
		"points", humanize.Comma(int64(len(pts))),
		"drones", humanize.Comma(int64(sw.Len())),
		"targets", humanize.Comma(int64(len(targets))),
		"first_id", sw.NextID()-drones.DroneID(sw.Len()),
	)

	// ── Simulation ────────────────────────────────────────────────────
	sim := engine.NewSimulation(sw, cfg.Origin, cfg.Swarm.ConvergenceThreshold)
	sim.Drones = cfg.Drones
	sim.Seed = seed
	sim.ContourName = name
	sim.Contour = pts
	if db != nil {
		sim.Attach(db)
	}

	eng := engine.NewEngine()

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("SWARMSIM_ADMIN_KEY not set, operator POST endpoints will be disabled")
	}
	limiter := api.NewRateLimiter(cfg.API.ContourLimit, time.Duration(cfg.API.ContourWindow)*time.Second)
	defer limiter.Close()

	apiServer := &api.Server{
		Sim:            sim,
		Eng:            eng,
		DB:             db,
		Port:           cfg.API.Port,
		AdminKey:       cfg.API.AdminKey,
		MaxStreams:     cfg.API.MaxStreams,
		ContourLimiter: limiter,
	}

	streamEvery := uint64(cfg.API.StreamEvery)
	eng.OnTick = func(tick uint64) {
		sim.Step(tick)
		if tick%streamEvery == 0 {
			apiServer.Broadcast(tick)
		}
	}
	eng.OnSecond = sim.Second

	apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		eng.Stop()
	}()

	fmt.Printf("\nSwarm is up: %s drones on %q (%s targets).\n",
		humanize.Comma(int64(sw.Len())), name, humanize.Comma(int64(len(targets))))
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	started := time.Now()
	eng.Run()

	// The loop has returned, so the simulation is safe to touch here.
	sim.Flush()
	if db != nil {
		if err := db.SaveNextDroneID(uint64(sw.NextID())); err != nil {
			slog.Error("failed to save next drone id", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	fmt.Printf("Simulation stopped after %s at tick %s.\n",
		humanize.RelTime(started, time.Now(), "", ""), humanize.Comma(int64(eng.Tick)))
}
