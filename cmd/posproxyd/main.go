// Command posproxyd is the point-of-sale loyalty switching proxy daemon.
// It discovers .proxy configuration files in its working directory, binds
// one listener per file, and relays Passport frames between POS
// registers and the upstream loyalty providers each file configures.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alex-rizov/pos-proxy/broker"
	"github.com/alex-rizov/pos-proxy/config"
	"github.com/alex-rizov/pos-proxy/listener"
	"github.com/alex-rizov/pos-proxy/metricsx"
	"github.com/alex-rizov/pos-proxy/session"
	"github.com/alex-rizov/pos-proxy/statusweb"
	"github.com/alex-rizov/pos-proxy/tui"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		configDir  = flag.String("config-dir", ".", "directory to scan for .proxy listener configuration files")
		sessionDB  = flag.String("session-db", "sessions/sessions.db", "path to the session binding database, relative to -config-dir unless absolute")
		statusAddr = flag.String("status-addr", "127.0.0.1:9090", "address for the status/metrics/events HTTP server")
		enableTUI  = flag.Bool("tui", false, "run an embedded dashboard of dispatch decisions instead of plain logging")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := run(*configDir, *sessionDB, *statusAddr, *enableTUI); err != nil {
		log.Fatalf("posproxyd: %v", err)
	}
}

func run(configDir, sessionDBPath, statusAddr string, enableTUI bool) error {
	if err := config.TouchVersionMarker(configDir); err != nil {
		return err
	}

	files, err := config.DiscoverFiles(configDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .proxy configuration files found in %s", configDir)
	}

	if !filepath.IsAbs(sessionDBPath) {
		sessionDBPath = filepath.Join(configDir, sessionDBPath)
	}
	if err := os.MkdirAll(filepath.Dir(sessionDBPath), 0o755); err != nil {
		return fmt.Errorf("create session db directory: %w", err)
	}
	store, err := session.Open(sessionDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := metricsx.New()
	brk := broker.New(256)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listeners := make([]*listener.Listener, 0, len(files))
	for _, f := range files {
		cfg, err := config.Load(f)
		if err != nil {
			return err
		}
		l := listener.New(cfg, store, metrics, brk)
		listeners = append(listeners, l)
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *listener.Listener) {
			defer wg.Done()
			if err := l.ListenAndServe(ctx); err != nil {
				log.Printf("posproxyd: listener exited: %v", err)
			}
		}(l)
	}

	web := statusweb.New(statusAddr, metrics, brk)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.ListenAndServe(); err != nil {
			log.Printf("posproxyd: status server exited: %v", err)
		}
	}()

	if enableTUI {
		go func() {
			prevLog := log.Writer()
			log.SetOutput(io.Discard)
			defer log.SetOutput(prevLog)
			if err := tui.Run(ctx, brk); err != nil {
				log.Printf("posproxyd: dashboard exited: %v", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	log.Printf("posproxyd: shutting down (grace period %s)", shutdownGrace)

	for _, l := range listeners {
		_ = l.Close()
	}
	_ = web.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("posproxyd: shutdown grace period elapsed, forcing exit")
	}

	return nil
}
