// Command autochar runs the automated emitter characterization service:
// target registry, experiment recipes, and the refocus-interleaved
// measurement pipeline, exposed over a JSON HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nvlab-data/autochar/internal/api"
	"github.com/nvlab-data/autochar/internal/artifacts"
	"github.com/nvlab-data/autochar/internal/automeasure"
	"github.com/nvlab-data/autochar/internal/config"
	"github.com/nvlab-data/autochar/internal/db"
	"github.com/nvlab-data/autochar/internal/instrument"
	"github.com/nvlab-data/autochar/internal/instrument/scpi"
	"github.com/nvlab-data/autochar/internal/instrument/sim"
	"github.com/nvlab-data/autochar/internal/targets"
	"github.com/nvlab-data/autochar/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbFile       = flag.String("db", "autochar.db", "SQLite database path (empty disables persistence)")
	configFile   = flag.String("config", "", "Recipe config JSON (defaults used when empty)")
	migrations   = flag.String("migrations", "migrations", "Migrations directory")
	artifactsDir = flag.String("artifacts", "artifacts", "Directory for saved traces and plots")
	stagesFlag   = flag.String("stages", "", "Comma-separated pipeline stages (default rabi,hahnecho)")
	oneShot      = flag.String("characterize", "", "Characterize this target label once and exit")
	showVersion  = flag.Bool("version", false, "Print version and exit")

	simMode     = flag.Bool("sim", true, "Use simulated instruments")
	simLatency  = flag.Duration("sim-latency", 50*time.Millisecond, "Simulated instrument op latency")
	pulserPort  = flag.String("pulser-port", "", "Serial port of the pulse sequencer")
	scannerPort = flag.String("scanner-port", "", "Serial port of the confocal scanner")
	sweepPort   = flag.String("sweep-port", "", "Serial port of the resonance sweeper")
	baudRate    = flag.Int("baud", 115200, "Serial baud rate")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("autochar %s\n", version.String())
		return
	}
	if err := run(); err != nil {
		log.Fatalf("autochar: %v", err)
	}
}

func run() error {
	log.Printf("autochar %s", version.String())

	cfg := config.DefaultRecipeConfig()
	if *configFile != "" {
		loaded, err := config.LoadRecipeConfig(*configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	recipes := config.NewStore(cfg)
	_, poll, _, settle, ceiling := recipes.Durations()
	wait := instrument.Waiter{Interval: poll, Ceiling: ceiling}

	pulser, scanner, resonance, err := buildInstruments()
	if err != nil {
		return err
	}

	registry := targets.NewRegistry()

	var runStore *db.RunStore
	var targetStore *db.TargetStore
	if *dbFile != "" {
		database, err := db.NewDB(*dbFile)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
		if _, err := os.Stat(*migrations); err == nil {
			if err := database.MigrateUp(*migrations); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		runStore = db.NewRunStore(database)
		targetStore = db.NewTargetStore(database)

		saved, err := targetStore.LoadTargets()
		if err != nil {
			return fmt.Errorf("load targets: %w", err)
		}
		registry.Replace(saved)
		log.Printf("loaded %d targets from %s", registry.Len(), *dbFile)
	}

	refocuser := automeasure.NewRefocuser(pulser, scanner, wait, settle)
	runner := automeasure.NewRunner(pulser, resonance, refocuser, recipes, wait)
	if runStore != nil {
		runner.Runs = runStore
	}

	session := automeasure.NewSession(registry, runner, scanner, refocuser)
	if targetStore != nil {
		session.Store = targetStore
	}
	if runStore != nil {
		session.Results = runStore
	}
	if *stagesFlag != "" {
		stages, err := automeasure.ParseStages(strings.Split(*stagesFlag, ","))
		if err != nil {
			return err
		}
		session.Stages = stages
	}

	if *oneShot != "" {
		result, err := session.Characterize(*oneShot)
		if err != nil {
			return fmt.Errorf("characterize %q: %w", *oneShot, err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	server := api.NewServer(session, registry, recipes, runStore)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.ServeMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", *listen)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Calibration values accumulated this session survive the restart.
	if targetStore != nil {
		if err := targetStore.SaveTargets(registry.Snapshot()); err != nil {
			log.Printf("save targets on shutdown: %v", err)
		}
	}
	return nil
}

// buildInstruments wires either the simulated bench or real SCPI hardware.
func buildInstruments() (instrument.PulseSequencer, instrument.Scanner, instrument.ResonanceScanner, error) {
	if *simMode {
		world := sim.DefaultWorld()
		writer := artifacts.NewWriter(*artifactsDir)
		pulser := sim.NewPulser(world, *simLatency)
		pulser.Artifacts = writer
		resonance := sim.NewResonance(world)
		resonance.Artifacts = writer
		scanner := sim.NewScanner(*simLatency)
		return pulser, scanner, resonance, nil
	}

	if *pulserPort == "" || *scannerPort == "" || *sweepPort == "" {
		return nil, nil, nil, fmt.Errorf("hardware mode needs -pulser-port, -scanner-port and -sweep-port")
	}
	pulserConn, err := scpi.Dial(*pulserPort, *baudRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial pulser: %w", err)
	}
	scannerConn, err := scpi.Dial(*scannerPort, *baudRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial scanner: %w", err)
	}
	sweepConn, err := scpi.Dial(*sweepPort, *baudRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial sweeper: %w", err)
	}
	return scpi.NewPulser(pulserConn), scpi.NewScanner(scannerConn), scpi.NewResonance(sweepConn), nil
}
