package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/kadlab/dhtnode/config"
	"github.com/kadlab/dhtnode/logging"
	"github.com/kadlab/dhtnode/protocol"
)

var log = logging.For("rpc")

// Result is what a pending request resolves to: either a typed
// response payload, or an error (a remote "e" message, a timeout, or
// the engine shutting down).
type Result struct {
	Payload interface{}
	Err     error
}

type pendingRequest struct {
	kind     protocol.QueryKind
	dst      Endpoint
	deadline time.Time
	done     chan Result
}

// Engine correlates outbound queries with their responses by
// transaction ID, enforces the RPC timeout and busy ceiling, and hands
// inbound queries to a QueryHandler.
type Engine struct {
	transport       Transport
	handler         QueryHandler
	timeout         time.Duration
	maxInFlight     int
	maxDatagramSize int

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Engine. Start must be called before any Call.
func New(transport Transport, handler QueryHandler, cfg *config.Config) *Engine {
	return &Engine{
		transport:       transport,
		handler:         handler,
		timeout:         cfg.RPCTimeout,
		maxInFlight:     cfg.MaxInFlight,
		maxDatagramSize: cfg.MaxDatagramSize,
		pending:         make(map[string]*pendingRequest),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the receive loop and the timeout sweeper.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.receiveLoop()
	go e.sweepLoop()
}

// Stop halts the engine and fails every outstanding call with
// ErrClosed. It does not close the underlying transport.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingRequest)
	e.mu.Unlock()

	close(e.stopCh)
	for _, p := range pending {
		p.done <- Result{Err: ErrClosed}
	}
	e.wg.Wait()
}

// Call sends a query to dst and blocks until a matching response
// arrives, the RPC times out, ctx is cancelled, or the engine closes.
func (e *Engine) Call(ctx context.Context, dst Endpoint, kind protocol.QueryKind, payload interface{}) (interface{}, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if len(e.pending) >= e.maxInFlight {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	txID, err := e.allocateTransactionIDLocked()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	req := &pendingRequest{
		kind:     kind,
		dst:      dst,
		deadline: time.Now().Add(e.timeout),
		done:     make(chan Result, 1),
	}
	e.pending[txKey(txID)] = req
	e.mu.Unlock()

	wire, err := encodeQuery(txID, kind, payload)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, txKey(txID))
		e.mu.Unlock()
		return nil, err
	}

	if err := e.transport.Send(dst, wire); err != nil {
		e.mu.Lock()
		delete(e.pending, txKey(txID))
		e.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-req.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, txKey(txID))
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// allocateTransactionIDLocked draws a transaction ID and retries against
// any collision with a currently pending request, per spec §4.F's
// collision-checked allocation and the §3 PendingRequest invariant that
// transaction IDs are unique across all pending requests. Callers must
// hold e.mu.
func (e *Engine) allocateTransactionIDLocked() ([]byte, error) {
	for {
		id, err := newTransactionID()
		if err != nil {
			return nil, err
		}
		if _, collide := e.pending[txKey(id)]; !collide {
			return id, nil
		}
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	packets := e.transport.Packets()
	for {
		select {
		case <-e.stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			e.handlePacket(pkt)
		}
	}
}

func (e *Engine) handlePacket(pkt Packet) {
	if e.maxDatagramSize > 0 && len(pkt.Payload) > e.maxDatagramSize {
		log.WithField("from", pkt.From).Warn("dropping oversized datagram")
		return
	}

	d, err := protocol.DecodeMessage(pkt.Payload)
	if err != nil {
		log.WithField("from", pkt.From).WithError(err).Debug("dropping unparseable datagram")
		return
	}

	switch d.Class {
	case protocol.ClassQuery:
		e.handleQuery(pkt.From, d)
	case protocol.ClassResponse, protocol.ClassError:
		e.handleReply(pkt.From, d)
	}
}

func (e *Engine) handleQuery(from Endpoint, d *protocol.Decoded) {
	if e.handler == nil {
		return
	}
	payload, perr := e.handler.HandleQuery(from, d.Query, d.TransactionID, d.QueryPayload)
	if perr != nil {
		wire := protocol.EncodeError(d.TransactionID, perr.Code, perr.Message)
		if err := e.transport.Send(from, wire); err != nil {
			log.WithField("to", from).WithError(err).Debug("failed to send error response")
		}
		return
	}
	wire, err := encodeResponse(d.TransactionID, d.Query, payload)
	if err != nil {
		log.WithField("query", d.Query).WithError(err).Warn("failed to encode response")
		return
	}
	if err := e.transport.Send(from, wire); err != nil {
		log.WithField("to", from).WithError(err).Debug("failed to send response")
	}
}

// handleReply resolves a response or error message against the pending
// request it answers. Per spec §4.F's receive path, a reply is only
// accepted when its source endpoint matches the endpoint the original
// query was sent to; a transaction ID match from any other endpoint is
// treated the same as an unknown transaction and silently dropped,
// since otherwise a transaction ID (2 random bytes) could be guessed
// or echoed by an off-path sender to hijack another endpoint's call.
func (e *Engine) handleReply(from Endpoint, d *protocol.Decoded) {
	key := txKey(d.TransactionID)

	e.mu.Lock()
	req, ok := e.pending[key]
	if ok && req.dst.String() != from.String() {
		log.WithField("txid", string(d.TransactionID)).WithField("from", from).WithField("expected", req.dst).Debug("dropping reply from mismatched endpoint")
		ok = false
	}
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if !ok {
		log.WithField("txid", string(d.TransactionID)).Debug("dropping reply for unknown transaction")
		return
	}

	if d.Class == protocol.ClassError {
		req.done <- Result{Err: d.Err}
		return
	}

	parsed, err := protocol.ParseResponse(req.kind, d.RawResponse)
	if err != nil {
		req.done <- Result{Err: err}
		return
	}
	req.done <- Result{Payload: parsed}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	interval := e.timeout / 4
	if interval < 25*time.Millisecond {
		interval = 25 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.sweepOnce(now)
		}
	}
}

func (e *Engine) sweepOnce(now time.Time) {
	e.mu.Lock()
	var expired []*pendingRequest
	for key, req := range e.pending {
		if now.After(req.deadline) {
			expired = append(expired, req)
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	for _, req := range expired {
		req.done <- Result{Err: ErrTimeout}
	}
}
