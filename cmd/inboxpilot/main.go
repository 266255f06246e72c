package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inboxpilot/internal/automation"
	"inboxpilot/internal/cache"
	"inboxpilot/internal/catalog"
	"inboxpilot/internal/chat"
	"inboxpilot/internal/config"
	"inboxpilot/internal/executor"
	"inboxpilot/internal/ingest"
	"inboxpilot/internal/llm"
	"inboxpilot/internal/mailbox"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/orchestrator"
	"inboxpilot/internal/selector"
	"inboxpilot/internal/syncserver"
	"inboxpilot/internal/taskqueue"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("inboxpilot", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	listen := fs.String("listen", "", "listen address (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.Server.Listen = strings.TrimSpace(*listen)
	}

	logf := log.Printf
	mets := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Function catalog: builtins plus the optional YAML extension file.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return err
	}

	var persister mailbox.Persister
	if strings.TrimSpace(cfg.Store.Path) != "" {
		sqlStore, err := mailbox.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer sqlStore.Close()
		persister = sqlStore
	}

	store, err := mailbox.NewStore(mailbox.StoreOptions{
		Persister: persister,
		Logf:      logf,
	})
	if err != nil {
		return err
	}

	registry := automation.NewRegistry()
	registry.Register(automation.RunnerFunc{
		FuncName: "usps_hold_mail",
		Fn: func(ctx context.Context, args map[string]string) (string, error) {
			return "", errors.New("usps_hold_mail requires a browser automation server; configure mcp_servers")
		},
	})
	servers, err := automation.ConnectServers(ctx, cfg.MCPServers)
	if err != nil {
		logf("automation: %v", err)
	}
	defer func() {
		if err := automation.CloseServers(servers); err != nil {
			logf("automation: close: %v", err)
		}
	}()
	automation.RegisterServers(registry, servers)

	sel, err := selector.New(selector.Options{
		Completer: client,
		Catalog:   cat,
		Timeout:   time.Duration(cfg.Selector.TimeoutSeconds) * time.Second,
		Logf:      logf,
	})
	if err != nil {
		return err
	}

	exec, err := executor.New(executor.Options{
		Store:   store,
		Catalog: cat,
		Backend: registry,
		Timeout: time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		Logf:    logf,
	})
	if err != nil {
		return err
	}

	var srv *syncserver.Server
	orch, err := orchestrator.New(orchestrator.Options{
		Store:    store,
		Selector: sel,
		Executor: exec,
		Queue: taskqueue.Options{
			Workers:        cfg.Queue.Workers,
			MaxDepth:       cfg.Queue.MaxDepth,
			SelectRetries:  cfg.Queue.SelectRetries,
			RetryBaseDelay: time.Duration(cfg.Queue.RetryBaseDelaySecond) * time.Second,
		},
		Logf:    logf,
		Metrics: mets,
		NotifyError: func(threadID, message string) {
			if srv != nil {
				srv.NotifyError(threadID, message)
			}
		},
	})
	if err != nil {
		return err
	}

	responder, err := chat.NewResponder(client)
	if err != nil {
		return err
	}

	srv, err = syncserver.New(syncserver.Options{
		Engine:          orch,
		Chat:            responder.Reply,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		AcceptOriginAny: cfg.Server.AcceptOriginAny,
		Logf:            logf,
		Metrics:         mets,
	})
	if err != nil {
		return err
	}

	var snapshots *cache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		snapshots, err = cache.New(cfg.RedisURL, 0)
		if err != nil {
			logf("cache: %v", err)
		} else {
			defer snapshots.Close()
		}
	}

	// Every committed mutation fans out to the sync channel, the metrics
	// counter and the redis snapshot mirror.
	store.SetOnCommit(func(rec mailbox.ThreadRecord) {
		mets.MutationCommitted()
		srv.Broadcast()
		if snapshots == nil {
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := snapshots.SetSnapshot(cctx, store.Snapshot()); err != nil {
			logf("cache: snapshot mirror failed: %v", err)
		}
		if n := len(rec.ExecutedFunctions); n > 0 {
			if last := rec.ExecutedFunctions[n-1]; last.Status != mailbox.StatusPending {
				_ = snapshots.SetLastTask(cctx, last.Name)
			}
		}
	})

	orch.Start(ctx)
	defer orch.Close()

	if cfg.IMAP.Enabled {
		poller := ingest.NewPoller(ingest.PollerOptions{Config: cfg.IMAP, Logf: logf})
		if err := poller.StartResyncSchedule(ctx); err != nil {
			return err
		}
		go func() {
			if err := poller.Run(ctx, func(in ingest.Inbound) {
				if err := orch.Ingest(in.ThreadID, in.Message); err != nil {
					logf("ingest: thread %s: %v", in.ThreadID, err)
				}
			}); err != nil && !errors.Is(err, context.Canceled) {
				logf("ingest: poller stopped: %v", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logf("listening on %s", cfg.Server.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
