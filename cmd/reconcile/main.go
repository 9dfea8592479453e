// Command reconcile replays journaled sagas and reports (or repairs) drift
// between the denormalized copies of posts, comments and votes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"forum/internal/bootstrap"
	"forum/internal/config"
	"forum/internal/observability"
	"forum/internal/reconcile"
)

func main() {
	repair := flag.Bool("repair", false, "Replay journaled sagas and repair drift (default: report only)")
	replayLimit := flag.Int("replay-limit", 0, "Maximum journaled sagas to replay (0 = all pending)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.ConfigureLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.InitRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	svc := rt.Services
	report, err := reconcile.NewSweeper(svc.Users, svc.Posts, svc.Runner).Run(ctx, reconcile.Options{
		Repair:      *repair,
		ReplayLimit: *replayLimit,
	})
	if err != nil {
		log.Printf("Sweep failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		log.Printf("Failed to write report: %v", encErr)
	}
	if err != nil {
		rt.Close()
		os.Exit(1)
	}
}
