package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/you/chatlens/internal/config"
	"github.com/you/chatlens/internal/dataset"
	httpadmin "github.com/you/chatlens/internal/http"
	"github.com/you/chatlens/internal/httpapi"
	"github.com/you/chatlens/internal/sink"
	"github.com/you/chatlens/internal/source"
	"github.com/you/chatlens/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		dbPath          string
		sourcePath      string
		watch           bool
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		httpPprof       bool
		uploadMaxBytes  int64
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", ":memory:", "Path to SQLite archive (\":memory:\" keeps it in process)")
	flag.StringVar(&sourcePath, "source", "", "Chat CSV to load on start")
	flag.BoolVar(&watch, "watch", true, "Reload the source file when it changes")
	flag.StringVar(&httpAddr, "http-addr", ":8765", "HTTP API address")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.Int64Var(&uploadMaxBytes, "upload-max-bytes", 32<<20, "Maximum accepted upload size in bytes")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatlensd version: %s (commit %s, built %s)\n",
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

	if overrides["sqlite"] {
		cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
		if !cfg.HasSink("sqlite") {
			cfg.Sinks = append(cfg.Sinks, "sqlite")
		}
	}
	if overrides["source"] {
		cfg.Source.Path = strings.TrimSpace(sourcePath)
	}
	if overrides["watch"] {
		cfg.Source.Watch = watch
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = splitOrigins(httpCorsOrigins)
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["upload-max-bytes"] {
		cfg.HTTP.UploadMaxBytes = uploadMaxBytes
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("chatlensd: invalid config: %v", err)
	}
	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatlensd: received %s, shutting down", sig)
		cancel()
	}()

	var (
		sinkDB *sink.SQLiteSink
		store  httpapi.Store
	)
	if cfg.HasSink("sqlite") {
		db, err := sink.OpenSQLite(cfg.Sink.SQLite.Path)
		if err != nil {
			log.Fatalf("chatlensd: open sqlite: %v", err)
		}
		sinkDB = db
		if err := sinkDB.Ping(); err != nil {
			log.Fatalf("chatlensd: ping sqlite: %v", err)
		}
		sink.ApplySQLitePragmas(ctx, sinkDB.RawDB(), cfg.Sink.SQLite.Tuning)
		store = sinkDB
		defer func() {
			if err := sinkDB.Close(); err != nil {
				log.Printf("chatlensd: closing sink: %v", err)
			}
		}()
	} else {
		log.Printf("chatlensd: sqlite archive disabled; record listings are served from memory")
	}

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}

	svc := dataset.NewService(nil, nil)
	api := httpapi.New(svc, store, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateRPS,
		RateLimitBurst:  cfg.HTTP.RateBurst,
		EnableMetrics:   cfg.HTTP.Metrics,
		EnableAccessLog: cfg.HTTP.AccessLog,
		EnablePprof:     httpPprof,
		Build:           build,
		ConfigSnapshot:  cfg.Snapshot(),
		MaxUploadBytes:  cfg.HTTP.UploadMaxBytes,
	})
	svc.SetObserver(api)
	svc.SetArchive(sink.WithAPI(sinkDB, api))

	var (
		src      *source.Source
		reloader httpadmin.Reloader
	)
	if cfg.Source.Path != "" {
		src = source.New(cfg.Source.Path, svc)
		reloader = src
		if _, err := src.Load(ctx, dataset.OriginFile); err != nil {
			log.Printf("chatlensd: initial load: %v", err)
		}
	}
	httpadmin.New(reloader).Register(api.Mux())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	if src != nil && cfg.Source.Watch {
		g.Go(func() error {
			log.Printf("chatlensd: watching %s", src.Path())
			return src.Watch(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("chatlensd: %v", err)
		cancel()
		return
	}
	log.Printf("chatlensd: stopped")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
