package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haldorn/torsim/internal/bandwidth"
	"github.com/haldorn/torsim/internal/config"
	"github.com/haldorn/torsim/internal/connprobe"
	"github.com/haldorn/torsim/internal/emulatedclient"
	"github.com/haldorn/torsim/internal/events"
	"github.com/haldorn/torsim/internal/executor"
	"github.com/haldorn/torsim/internal/handlerchain"
	"github.com/haldorn/torsim/internal/hitandrun"
	"github.com/haldorn/torsim/internal/logging"
	"github.com/haldorn/torsim/internal/orchestrator"
	"github.com/haldorn/torsim/internal/torrentfile"
	"go.uber.org/zap"
)

// ipRefreshInterval matches the teacher's own public-IP recheck cadence.
const ipRefreshInterval = 90 * time.Minute

func main() {
	var (
		workDir    string
		clientPath string
		port       int
	)

	currentWorkingDir, _ := os.Getwd()
	flagSet := flag.NewFlagSet("torsim", flag.ContinueOnError)
	flagSet.StringVar(&workDir, "dir", currentWorkingDir, "working directory (contains config.json, torrents/, clients/)")
	flagSet.StringVar(&clientPath, "client", "", "path to the client fingerprint file (defaults to <dir>/clients/default.json)")
	flagSet.IntVar(&port, "port", 6881, "listening port reported to trackers")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if clientPath == "" {
		clientPath = filepath.Join(workDir, "clients", "default.json")
	}

	logger := logging.GetLogger()
	defer func() { _ = logger.Sync() }()

	if err := run(workDir, clientPath, uint16(port)); err != nil {
		logger.Fatal("torsim: fatal error", zap.Error(err))
	}
}

func run(workDir, clientPath string, port uint16) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadFile(filepath.Join(workDir, "config.json"))
	if err != nil {
		return err
	}
	fp, err := emulatedclient.Load(clientPath)
	if err != nil {
		return err
	}

	bus := events.NewBus()

	prober := connprobe.New(nil)
	if _, err := prober.Refresh(context.Background()); err != nil {
		logger.Warn("torsim: initial public IP probe failed, continuing without one", zap.Error(err))
	}

	provider := torrentfile.New(filepath.Join(workDir, "torrents"))
	if err := provider.Start(); err != nil {
		return err
	}
	defer provider.Stop()

	dispatcher := bandwidth.New(cfg.MinUploadRate, cfg.MaxUploadRate, bus)

	tracker, err := hitandrun.New(cfg, filepath.Join(workDir, "elapsed-times.json"))
	if err != nil {
		return err
	}
	unregisterTracker := bus.Register(tracker)
	defer unregisterTracker()

	o := orchestrator.New(cfg, fp, dispatcher, provider, bus)
	chain := handlerchain.New(dispatcher, o, bus, o.Reactions())
	o.SetChain(chain)

	exec := executor.New(o.AnnounceQueue(), fp, prober, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	go tracker.Run(ctx)
	go refreshIPPeriodically(ctx, prober)

	executorDone := make(chan struct{})
	go func() {
		exec.Run(ctx)
		close(executorDone)
	}()

	o.Start()
	logger.Info("torsim: started", zap.String("dir", workDir), zap.Int("port", int(port)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("torsim: shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := o.Stop(stopCtx); err != nil {
		logger.Error("torsim: orchestrator stop failed", zap.Error(err))
	}

	// The executor must stay up until Stop above returns, so the stopped
	// announces it just submitted still get drained before cancelling it.
	cancel()
	<-executorDone

	return nil
}

func refreshIPPeriodically(ctx context.Context, prober *connprobe.Prober) {
	ticker := time.NewTicker(ipRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := prober.Refresh(ctx); err != nil {
				logging.GetLogger().Warn("torsim: public IP refresh failed", zap.Error(err))
			}
		}
	}
}
