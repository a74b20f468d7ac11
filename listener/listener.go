// Package listener accepts POS register connections for one configured
// port and builds a fresh dispatcher, with its own set of upstream
// clients, around each one.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/alex-rizov/pos-proxy/broker"
	"github.com/alex-rizov/pos-proxy/config"
	"github.com/alex-rizov/pos-proxy/dispatch"
	"github.com/alex-rizov/pos-proxy/metricsx"
	"github.com/alex-rizov/pos-proxy/session"
	"github.com/alex-rizov/pos-proxy/upstream"
)

// Listener binds 127.0.0.1:<port> for one .proxy configuration and
// serves POS connections from it until Close is called. The bind address
// is not configurable: POS and proxy are co-located by design.
type Listener struct {
	cfg     config.Configuration
	store   *session.Store
	metrics *metricsx.Metrics
	broker  *broker.Broker

	mu      sync.Mutex
	ln      net.Listener
	writers map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// New constructs a Listener for one parsed .proxy configuration.
func New(cfg config.Configuration, store *session.Store, metrics *metricsx.Metrics, brk *broker.Broker) *Listener {
	return &Listener{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		broker:  brk,
		writers: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured port and accepts POS connections
// until ctx is cancelled or Close is called.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", l.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", addr, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	log.Printf("listener[%s]: bound %s", l.cfg.SourceFile, addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}

		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	l.mu.Lock()
	l.writers[conn] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.writers, conn)
		l.mu.Unlock()
	}()

	clients := make([]*upstream.Client, 0, len(l.cfg.Clients))
	for _, uc := range l.cfg.UpstreamConfigs(l.metrics) {
		clients = append(clients, upstream.New(uc))
	}

	d := dispatch.New(conn, clients, l.store, l.metrics, l.broker)
	log.Printf("listener[%s]: accepted connection %s (id=%s)", l.cfg.SourceFile, conn.RemoteAddr(), d.ConnectionID)

	if err := d.Run(ctx); err != nil {
		log.Printf("listener[%s]: connection %s (id=%s) ended: %v", l.cfg.SourceFile, conn.RemoteAddr(), d.ConnectionID, err)
	}
	_ = d.Close()
}

// Close closes the bound listener socket and every currently open POS
// connection, causing every in-flight dispatcher to tear down.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	writers := make([]net.Conn, 0, len(l.writers))
	for c := range l.writers {
		writers = append(writers, c)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range writers {
		_ = c.Close()
	}
	l.wg.Wait()
	return err
}
