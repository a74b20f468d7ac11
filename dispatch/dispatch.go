// Package dispatch implements the per-POS-connection dispatcher: it reads
// framed requests from a POS register, classifies each one, races it
// across the candidate upstream clients, and forwards the first usable
// response back to the POS while binding any session id it carries.
package dispatch

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alex-rizov/pos-proxy/broker"
	"github.com/alex-rizov/pos-proxy/metricsx"
	"github.com/alex-rizov/pos-proxy/passport"
	"github.com/alex-rizov/pos-proxy/session"
	"github.com/alex-rizov/pos-proxy/upstream"
)

// Budget is the wall-clock limit for one dispatch; any upstream task not
// complete by then is abandoned.
const Budget = 30 * time.Second

// drainGrace is how long Run waits for in-flight dispatches to finish on
// its own before cancelling them and tearing down.
const drainGrace = 5 * time.Second

// ErrDispatchExhausted is reported (via logging/metrics, not returned to
// the caller) when every candidate client failed for one request.
var ErrDispatchExhausted = errors.New("dispatch: all candidate upstreams failed")

// DispatchedMessage is the per-request scratch record: the first-wins
// flag and the card id captured at dispatch time for later session
// binding.
type DispatchedMessage struct {
	ID         string
	Mode       passport.HandlingMode
	RoutingKey string
	UserID     string

	responded atomic.Bool
}

// Dispatcher owns one POS connection, an ordered list of upstream
// clients, and shared references to the session store, metrics, and
// event broker.
type Dispatcher struct {
	ConnectionID string

	conn    net.Conn
	clients []*upstream.Client
	store   *session.Store
	metrics *metricsx.Metrics
	broker  *broker.Broker

	writeMu sync.Mutex
}

// New constructs a Dispatcher for one accepted POS connection. clients
// must be ordered with the default upstream first.
func New(conn net.Conn, clients []*upstream.Client, store *session.Store, metrics *metricsx.Metrics, brk *broker.Broker) *Dispatcher {
	return &Dispatcher{
		ConnectionID: uuid.NewString(),
		conn:         conn,
		clients:      clients,
		store:        store,
		metrics:      metrics,
		broker:       brk,
	}
}

// Run is the POS read loop: it repeatedly reads one frame, classifies it,
// and starts a fresh dispatch goroutine without waiting for it, so a slow
// upstream never blocks the next POS request. On any read or verification
// error it stops accepting new requests, drains in-flight dispatches
// briefly, disconnects every upstream client, closes the POS connection,
// and returns the error that ended the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer d.closePOSConn()
	defer d.closeUpstreams()
	defer d.drain(&wg)

	for {
		frame, err := passport.ReadFrame(d.conn)
		if err != nil {
			return err
		}
		if err := passport.Verify(frame); err != nil {
			return err
		}

		mode, routingKey, sessionID := passport.Classify(frame)

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatchOne(ctx, frame, mode, routingKey, sessionID)
		}()
	}
}

func (d *Dispatcher) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		log.Printf("dispatch[%s]: timed out draining in-flight dispatches", d.ConnectionID)
	}
}

func (d *Dispatcher) closeUpstreams() {
	for _, c := range d.clients {
		c.Disconnect()
	}
}

// chooseClients selects the candidate upstream clients for a classified
// message and the user id (card id) to remember for later session
// binding, implementing spec.md §4.5's selection rules including the
// SessionUnicast-miss downgrade to DefaultUnicast.
func (d *Dispatcher) chooseClients(mode passport.HandlingMode, routingKey string) ([]*upstream.Client, string) {
	switch mode {
	case passport.MulticastWithResponse, passport.MulticastNoResponse:
		return d.clients, ""

	case passport.SessionUnicast:
		userID, ok, err := d.store.Get(routingKey)
		if err != nil {
			log.Printf("dispatch[%s]: session lookup %s: %v", d.ConnectionID, routingKey, err)
		}
		if !ok {
			return d.defaultClients(), ""
		}
		return d.cardClients(userID), userID

	case passport.CardUnicast:
		return d.cardClients(routingKey), routingKey

	default: // DefaultUnicast
		return d.defaultClients(), ""
	}
}

func (d *Dispatcher) defaultClients() []*upstream.Client {
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[:1]
}

func (d *Dispatcher) cardClients(card string) []*upstream.Client {
	for _, c := range d.clients {
		if c.MatchesCard(card) {
			return []*upstream.Client{c}
		}
	}
	return d.defaultClients()
}

type clientResult struct {
	client *upstream.Client
	res    upstream.Result
	err    error
}

// dispatchOne races request across its candidate clients and forwards the
// first non-failing response to the POS.
func (d *Dispatcher) dispatchOne(ctx context.Context, request passport.Frame, mode passport.HandlingMode, routingKey, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	clients, userID := d.chooseClients(mode, routingKey)
	if d.metrics != nil {
		if c, ok := d.metrics.DispatchTotal[mode.String()]; ok {
			c.Inc()
		}
	}
	if len(clients) == 0 {
		return
	}

	msg := &DispatchedMessage{ID: uuid.NewString(), Mode: mode, RoutingKey: routingKey, UserID: userID}
	start := time.Now()

	results := make(chan clientResult, len(clients))
	for _, c := range clients {
		go func(c *upstream.Client) {
			res, err := c.SendAndAwaitWithTimeout(ctx, request)
			results <- clientResult{client: c, res: res, err: err}
		}(c)
	}

	anySucceeded := false
	winner := ""
	responsePayload := ""

	for received := 0; received < len(clients); {
		select {
		case r := <-results:
			received++
			if r.err != nil {
				log.Printf("dispatch[%s] %s: upstream %s failed: %v", d.ConnectionID, msg.ID, r.client.Name(), r.err)
				continue
			}
			anySucceeded = true
			if msg.responded.CompareAndSwap(false, true) {
				winner = r.client.Name()
				d.deliver(msg, r.res)
				if r.res.Response != nil {
					responsePayload = string(r.res.Response.Payload)
				}
			}
			// Later successful completions are silently dropped: they
			// already reached their upstream, there is simply nothing
			// left to do with a second response.
		case <-ctx.Done():
			if d.metrics != nil {
				d.metrics.DispatchFailedTotal.Inc()
			}
			return
		}
	}

	if !anySucceeded {
		log.Printf("dispatch[%s] %s: %v", d.ConnectionID, msg.ID, ErrDispatchExhausted)
		if d.metrics != nil {
			d.metrics.DispatchFailedTotal.Inc()
		}
		d.closePOSConn()
	}

	if d.metrics != nil {
		d.metrics.DispatchDuration.UpdateDuration(start)
	}

	if d.broker != nil {
		d.broker.Publish(broker.Event{
			ID:              msg.ID,
			ConnectionID:    d.ConnectionID,
			Mode:            mode.String(),
			RoutingKey:      routingKey,
			SessionID:       sessionID,
			Winner:          winner,
			Responded:       msg.responded.Load(),
			Duration:        time.Since(start),
			Time:            start,
			RequestPayload:  string(request.Payload),
			ResponsePayload: responsePayload,
		})
	}
}

// deliver forwards the winning response to the POS, if any, and binds the
// session it carries to the card captured at dispatch time.
func (d *Dispatcher) deliver(msg *DispatchedMessage, res upstream.Result) {
	if res.Response != nil {
		d.writeMu.Lock()
		_, err := d.conn.Write(res.Response.Bytes())
		d.writeMu.Unlock()
		if err != nil {
			log.Printf("dispatch[%s] %s: write to POS: %v", d.ConnectionID, msg.ID, err)
		}
	}

	if res.SessionID != "" && msg.UserID != "" && d.store != nil {
		if err := d.store.Put(res.SessionID, msg.UserID); err != nil {
			log.Printf("dispatch[%s] %s: bind session %s: %v", d.ConnectionID, msg.ID, res.SessionID, err)
		}
	}
}

func (d *Dispatcher) closePOSConn() {
	if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("dispatch[%s]: close POS connection: %v", d.ConnectionID, err)
	}
}

// Close tears down the POS connection and every upstream client.
func (d *Dispatcher) Close() error {
	d.closeUpstreams()
	return d.conn.Close()
}
