package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/nokwatch/internal/chzzk"
	"github.com/you/nokwatch/internal/config"
	"github.com/you/nokwatch/internal/core"
	"github.com/you/nokwatch/internal/httpapi"
	"github.com/you/nokwatch/internal/reconnect"
	"github.com/you/nokwatch/internal/sink"
	"github.com/you/nokwatch/internal/version"
	"github.com/you/nokwatch/internal/watcher"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	var (
		versionFlag   bool
		channelsArg   string
		channelsFile  string
		outDir        string
		pollSec       int
		idleSec       int
		reconnectMax  int
		httpAddr      string
		httpRateRPS   int
		httpRateBurst int
		sqlitePath    string
		postprocess   string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&channelsArg, "channels", "", "Comma-separated channel ids to watch")
	flag.StringVar(&channelsFile, "channels-file", "", "Path to channels file (one id per line, '# name' comments)")
	flag.StringVar(&outDir, "outdir", "", "Root directory for collected broadcasts")
	flag.IntVar(&pollSec, "poll-interval-sec", 0, "Live-status poll interval in seconds")
	flag.IntVar(&idleSec, "idle-timeout-sec", 0, "Idle timeout before checking whether a stream ended")
	flag.IntVar(&reconnectMax, "reconnect-max-attempts", -1, "Max reconnect attempts per session (0 = unlimited)")
	flag.StringVar(&httpAddr, "http-addr", "", "Status API address (e.g., :8765); empty disables")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.StringVar(&sqlitePath, "sqlite", "", "Path to SQLite event index; empty disables")
	flag.StringVar(&postprocess, "postprocess", "", "Shell command run once per finished broadcast with events")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"nokwatch version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["channels"] {
		cfg.Channels = nil
		for _, id := range strings.Split(channelsArg, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Channels = append(cfg.Channels, id)
			}
		}
	}
	if overrides["channels-file"] {
		cfg.ChannelsFile = strings.TrimSpace(channelsFile)
	}
	if overrides["outdir"] {
		cfg.OutDir = strings.TrimSpace(outDir)
	}
	if overrides["poll-interval-sec"] && pollSec > 0 {
		cfg.PollInterval = time.Duration(pollSec) * time.Second
	}
	if overrides["idle-timeout-sec"] && idleSec > 0 {
		cfg.IdleTimeout = time.Duration(idleSec) * time.Second
	}
	if overrides["reconnect-max-attempts"] && reconnectMax >= 0 {
		cfg.Reconnect.MaxAttempts = reconnectMax
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-rate-rps"] && httpRateRPS > 0 {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] && httpRateBurst > 0 {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["sqlite"] {
		cfg.SQLitePath = strings.TrimSpace(sqlitePath)
	}
	if overrides["postprocess"] {
		cfg.PostProcessCmd = strings.TrimSpace(postprocess)
	}

	log.Printf("%s", cfg.SummaryJSON())

	channels, err := cfg.LoadChannels()
	if err != nil {
		log.Fatalf("nokwatch: load channels: %v", err)
	}
	if len(channels) == 0 {
		log.Fatal("nokwatch: no channels configured; set NOKWATCH_CHANNELS or NOKWATCH_CHANNELS_FILE")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("nokwatch: received %s, shutting down", sig)
		cancel()
	}()

	var index *sink.SQLiteIndex
	if cfg.SQLitePath != "" {
		index, err = sink.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("nokwatch: open sqlite: %v", err)
		}
		if err := index.Ping(); err != nil {
			log.Fatalf("nokwatch: ping sqlite: %v", err)
		}
		defer func() {
			if err := index.Close(); err != nil {
				log.Printf("nokwatch: closing sqlite index: %v", err)
			}
		}()
		log.Printf("nokwatch: sqlite event index at %s", cfg.SQLitePath)
	}

	metrics := httpapi.NewMetrics()

	api := chzzk.NewAPI(nil)
	opts := watcher.Options{
		OutDir:        cfg.OutDir,
		PollInterval:  cfg.PollInterval,
		StatusTimeout: cfg.StatusTimeout,
		StatusRetries: cfg.StatusRetries,
		IdleTimeout:   cfg.IdleTimeout,
		Reconnect: reconnect.Options{
			InitialBackoff: cfg.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.Reconnect.MaxBackoff,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
		},
		Metrics: metrics,
	}
	if index != nil {
		opts.Index = index
	}
	if cfg.PostProcessCmd != "" {
		opts.PostProcess = postProcessHook(cfg.PostProcessCmd)
	}

	w := watcher.New(channels, opts, api)

	if cfg.ChannelsFile != "" {
		if err := w.WatchChannelsFile(cfg.ChannelsFile, func(path string) ([]core.Channel, error) {
			return config.LoadChannelsFile(path)
		}); err != nil {
			log.Printf("nokwatch: watch channels file: %v", err)
		}
	}

	var statusAPI *httpapi.Server
	if cfg.HTTP.Addr != "" {
		statusAPI = httpapi.New(w, indexOrNil(index), metrics, httpapi.Options{
			Addr:      cfg.HTTP.Addr,
			RateRPS:   cfg.HTTP.RateRPS,
			RateBurst: cfg.HTTP.RateBurst,
		})
		go func() {
			if err := statusAPI.Start(); err != nil {
				log.Fatalf("nokwatch: http api: %v", err)
			}
		}()
	}

	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("nokwatch: watcher exited: %v", err)
	}

	if statusAPI != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusAPI.Shutdown(shutdownCtx); err != nil {
			log.Printf("nokwatch: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	log.Printf("nokwatch: shutdown complete")
}

// indexOrNil avoids handing the API a typed nil behind the Index interface.
func indexOrNil(index *sink.SQLiteIndex) httpapi.Index {
	if index == nil {
		return nil
	}
	return index
}

// postProcessHook shells out once per finished broadcast, passing report
// details in the environment. Failures are logged and never affect watching.
func postProcessHook(command string) func(core.CollectionReport) {
	return func(report core.CollectionReport) {
		cmdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"NOKWATCH_STREAM_ID="+report.StreamID,
			"NOKWATCH_CHANNEL_ID="+report.ChannelID,
			"NOKWATCH_EVENTS_FILE="+report.EventsFile,
			fmt.Sprintf("NOKWATCH_EVENT_COUNT=%d", report.EventCount),
			"NOKWATCH_STOP_REASON="+report.StopReason,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			log.Printf("nokwatch: postprocess for %s failed: %v (output: %s)",
				report.StreamID, err, strings.TrimSpace(string(out)))
			return
		}
		log.Printf("nokwatch: postprocess for %s done", report.StreamID)
	}
}
