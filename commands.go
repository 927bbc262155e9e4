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

	"github.com/SarvestaniLab/Ophys/internal/api"
	"github.com/SarvestaniLab/Ophys/internal/config"
	"github.com/SarvestaniLab/Ophys/internal/extstore"
	"github.com/SarvestaniLab/Ophys/internal/fov"
	"github.com/SarvestaniLab/Ophys/internal/session"
)

// runExtract builds a fresh extraction from a session input and an FOV
// record: trial alignment for every cell, the responsiveness test, then an
// atomic save.
func runExtract(args []string) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	fovPath := fs.String("fov", "", "Path to the FOV configuration JSON (required)")
	sessionPath := fs.String("session", "", "Path to the session input JSON (required)")
	outPath := fs.String("out", "", "Output container path (required)")
	configPath := fs.String("config", "", "Optional pipeline config JSON; defaults apply otherwise")
	fs.Parse(args)

	if *fovPath == "" || *sessionPath == "" || *outPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := fov.Load(*fovPath)
	if err != nil {
		log.Fatalf("Failed to load FOV config: %v", err)
	}
	in, err := session.Load(*sessionPath)
	if err != nil {
		log.Fatalf("Failed to load session input: %v", err)
	}

	pipeline := config.EmptyPipelineConfig()
	if *configPath != "" {
		pipeline, err = config.LoadPipelineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load pipeline config: %v", err)
		}
	}
	cfg, err := pipeline.AlignConfig()
	if err != nil {
		log.Fatalf("Invalid epoch geometry: %v", err)
	}
	alpha := pipeline.GetAlpha()

	ce, err := in.BuildExtraction(f)
	if err != nil {
		log.Fatalf("Failed to build extraction: %v", err)
	}
	if err := ce.ExtractCells(cfg); err != nil {
		log.Fatalf("Alignment failed: %v", err)
	}
	responsive := ce.EvaluateResponsiveness(cfg, alpha)
	log.Printf("%d of %d cells responsive (alpha %g)", responsive, len(ce.Cells), alpha)

	if err := extstore.Save(ce, *outPath); err != nil {
		log.Fatalf("Failed to save extraction: %v", err)
	}
	log.Print(ce.Summary())
}

// runTune loads a saved extraction, fits tuning curves to its responsive
// cells, and saves the result back (in place unless -out is given).
func runTune(args []string) {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	inPath := fs.String("in", "", "Path to a saved extraction container (required)")
	outPath := fs.String("out", "", "Output path; defaults to overwriting the input")
	fs.Parse(args)

	if *inPath == "" {
		fs.Usage()
		os.Exit(1)
	}
	if *outPath == "" {
		*outPath = *inPath
	}

	ce, err := extstore.Load(*inPath)
	if err != nil {
		log.Fatalf("Failed to load extraction: %v", err)
	}

	fitted := ce.FitAllTuning()
	log.Printf("fitted tuning curves for %d cells", fitted)

	if err := extstore.Save(ce, *outPath); err != nil {
		log.Fatalf("Failed to save extraction: %v", err)
	}
}

// runServe exposes a saved extraction read-only over HTTP and blocks until
// interrupted.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	inPath := fs.String("in", "", "Path to a saved extraction container (required)")
	listen := fs.String("listen", ":8080", "Listen address")
	fs.Parse(args)

	if *inPath == "" {
		fs.Usage()
		os.Exit(1)
	}

	ce, err := extstore.Load(*inPath)
	if err != nil {
		log.Fatalf("Failed to load extraction: %v", err)
	}
	log.Print(ce.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(api.NewServer(ce).ServeMux()),
	}

	go func() {
		log.Printf("serving extraction on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// runMigrate manages the container schema via the versioned migrations.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "", "Path to the extraction container (required)")
	migrationsDir := fs.String("migrations", "migrations", "Path to the migrations directory")
	fs.Parse(args)

	if *dbPath == "" || fs.NArg() < 1 {
		printMigrateHelp()
		os.Exit(1)
	}

	s, err := extstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open container: %v", err)
	}
	defer s.Close()

	switch action := fs.Arg(0); action {
	case "up":
		log.Printf("Running migrations...")
		if err := s.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		version, dirty, _ := s.MigrateVersion(*migrationsDir)
		log.Printf("Current version: %d (dirty: %v)", version, dirty)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := s.MigrateDown(*migrationsDir); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		version, dirty, _ := s.MigrateVersion(*migrationsDir)
		log.Printf("Current version: %d (dirty: %v)", version, dirty)

	case "status":
		version, dirty, err := s.MigrateVersion(*migrationsDir)
		if err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}
		fmt.Printf("Current version: %d\n", version)
		fmt.Printf("Dirty: %v\n", dirty)

	case "force":
		if fs.NArg() < 2 {
			log.Fatal("Usage: ophys migrate -db <path> force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(fs.Arg(1), "%d", &version); err != nil {
			log.Fatalf("Invalid version number: %s", fs.Arg(1))
		}
		if err := s.MigrateForce(*migrationsDir, version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("Migration version forced to %d", version)

	case "help":
		printMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		printMigrateHelp()
		os.Exit(1)
	}
}

func printMigrateHelp() {
	fmt.Println("Container Schema Migration Commands")
	fmt.Println()
	fmt.Println("Usage: ophys migrate -db <path> [options] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up           Apply all pending migrations")
	fmt.Println("  down         Rollback one migration")
	fmt.Println("  status       Show current migration status and version")
	fmt.Println("  force <N>    Force migration version to N (recovery only)")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -db <path>           Path to the container file")
	fmt.Println("  -migrations <dir>    Migrations directory (default: migrations)")
}
