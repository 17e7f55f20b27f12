package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hostget/hostget/internal/config"
	"github.com/hostget/hostget/internal/events"
	"github.com/hostget/hostget/internal/extractor"
	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/manager"
	"github.com/hostget/hostget/internal/pacer"
	"github.com/hostget/hostget/internal/repository"
	"github.com/hostget/hostget/internal/service"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	outputDir := flag.String("dir", "", "Output directory (defaults to the configured download dir)")
	password := flag.String("password", "", "Password for protected links")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hostget [flags] URL [URL ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Error getting home directory: %v\n", err)
	}

	stateDir := filepath.Join(homeDir, ".hostget")

	err = os.MkdirAll(stateDir, 0o755)
	if err != nil {
		log.Fatalf("Error creating state directory: %v\n", err)
	}

	err = logger.InitLogging(*debug, filepath.Join(stateDir, "hostget.log"))
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	registry, err := repository.NewTaskRegistry(filepath.Join(stateDir, "hostget.db"))
	if err != nil {
		log.Fatalf("Error creating task registry: %v\n", err)
	}
	defer registry.Close()

	client := pkghttp.NewClient(pkghttp.Config{
		RequestsPerSecond: cfg.Http.RequestsPerSecond,
		ConnectTimeout:    cfg.Http.ConnectTimeout,
		ReadTimeout:       cfg.Http.ReadTimeout,
		MaxRetries:        cfg.Http.MaxRetries,
		UserAgent:         cfg.Http.UserAgent,
	})

	// Each extractor gets its own pacer so one host's cooldown does not
	// inflate another's backoff.
	newPacer := func() *pacer.Pacer {
		return pacer.New(cfg.Pacer.MinBackoff, cfg.Pacer.MaxBackoff, cfg.Pacer.FloodSleep, cfg.Pacer.JitterFactor)
	}

	extractors := extractor.NewRegistry()
	for _, e := range []extractor.Extractor{
		extractor.NewMegaExtractor(client, newPacer()),
		extractor.NewMediaFireExtractor(client, newPacer()),
		extractor.NewOneFichierExtractor(client, newPacer()),
		extractor.NewDirectExtractor(client, newPacer()),
	} {
		if err := extractors.Register(e); err != nil {
			log.Fatalf("Error registering extractors: %v\n", err)
		}
	}

	dir := *outputDir
	if dir == "" {
		dir = cfg.Download.Dir
	}

	mgr := manager.New(client, extractors, manager.Config{
		OutputDir:      dir,
		MaxConcurrent:  cfg.MaxConcurrentDownloads,
		MaxRetries:     cfg.Download.MaxRetries,
		ChunkSize:      cfg.Download.ChunkSize,
		ChunkTimeout:   cfg.Download.ChunkTimeout,
		EnableResume:   !cfg.Download.DisableResume,
		SpeedLimit:     cfg.Download.SpeedLimit,
		VerifyChecksum: !cfg.Download.SkipChecksum,
	})

	bus := events.NewBus()
	bus.Subscribe(events.DownloadProgress, printProgress)
	bus.Subscribe(events.DownloadComplete, func(data any) {
		if e, ok := data.(service.CompleteEvent); ok {
			fmt.Printf("\ncompleted %s (%d files)\n", e.TaskID, e.Files)
		}
	})

	svc := service.New(mgr, registry, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nshutting down")
		cancel()
	}()

	exitCode := 0
	for _, url := range urls {
		id, err := svc.Download(ctx, url, dir, *password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n%s failed (task %s): %v\n", url, id, err)
			exitCode = 1
		}

		if ctx.Err() != nil {
			break
		}
	}

	os.Exit(exitCode)
}

func printProgress(data any) {
	e, ok := data.(service.ProgressEvent)
	if !ok {
		return
	}

	u := e.Update
	if u.Total > 0 {
		fmt.Printf("\r%-40s %6.2f%% %10s/s", truncate(u.Filename, 40), u.Percentage, formatBytes(int64(u.Speed)))
	} else {
		fmt.Printf("\r%-40s %10s %10s/s", truncate(u.Filename, 40), formatBytes(u.Downloaded), formatBytes(int64(u.Speed)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
