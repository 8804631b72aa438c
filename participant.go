package gearman

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// blockingEntry is one in-flight request/response RPC. It represents the
// blocking action pattern of SPEC_FULL.md section 4.4: a sent command, the
// set of response names it correlates with, and a one-shot result sink.
type blockingEntry struct {
	reqName  string
	expected map[string]struct{}
	combine  func(resp *Command) (interface{}, error)
	result   chan blockingResult
}

type blockingResult struct {
	val interface{}
	err error
}

// participant holds the state and behavior shared by Client and Worker:
// the blocking-action FIFO, the drain-waiter queue, error routing for
// ERROR frames, and the backpressure gate. Client and Worker embed it.
// Client supplies extraPending so its live task set counts as outstanding
// work; Worker leaves the default, which reports none.
type participant struct {
	mu      sync.Mutex
	conn    *Connection
	catalog *Catalog
	logger  *zap.Logger

	pendingBlockingActions int
	blockingQueue          []*blockingEntry
	waiters                []chan struct{}

	// extraPending reports additional outstanding work units beyond the
	// blocking queue (e.g. live Client tasks). Must be safe to call while
	// holding mu.
	extraPending func() int

	// onUnsolicitedError is invoked when an ERROR frame arrives with
	// nothing in the blocking queue to correlate it to.
	onUnsolicitedError func(*Error)
	// onClosed is invoked once, after the blocking queue has been
	// drained with connection-closed errors, so the embedder can finalize
	// its own state (e.g. Client tasks).
	onClosed func(error)

	// onPendingChanged, if set, is invoked with the new
	// pendingBlockingActions count every time it changes, while mu is
	// held. Used to drive metrics.Registry.BlockingActionsInFlight.
	onPendingChanged func(int)

	unsubs []func()
}

func newParticipant(conn *Connection, catalog *Catalog, logger *zap.Logger) *participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &participant{conn: conn, catalog: catalog, logger: logger}
	p.extraPending = func() int { return 0 }
	unsubError := conn.Subscribe("ERROR", p.handleError)
	p.unsubs = append(p.unsubs, unsubError)
	conn.OnClose(p.handleConnectionClosed)
	return p
}

// expectResponses subscribes the participant's handleResponse router to every
// name in names, returning nothing: names are commands this participant
// may receive as the response half of a blocking action.
func (p *participant) expectResponses(names ...string) {
	for _, name := range names {
		unsub := p.conn.Subscribe(name, p.handleResponse)
		p.unsubs = append(p.unsubs, unsub)
	}
}

func (p *participant) close() {
	for _, unsub := range p.unsubs {
		unsub()
	}
}

func (p *participant) hasPendingLocked() bool {
	return p.pendingBlockingActions > 0 || p.extraPending() > 0
}

// recomputeGateLocked re-evaluates invariant I1: the connection is paused
// iff there is no pending blocking action and no extra pending work. It
// must run at every transition of either counter.
func (p *participant) recomputeGateLocked() {
	if p.onPendingChanged != nil {
		p.onPendingChanged(p.pendingBlockingActions)
	}
	if p.hasPendingLocked() {
		p.conn.Resume()
		return
	}
	p.conn.Pause()
	waiters := p.waiters
	p.waiters = nil
	for _, w := range waiters {
		close(w)
	}
}

// blockingAction sends req, then waits for a response whose command name
// is in expected, draining the blocking queue strictly FIFO: this call's
// entry is resolved by the first matching response received after all
// earlier entries have been resolved (invariant I4).
func (p *participant) blockingAction(ctx context.Context, req *Command, expected []string, combine func(resp *Command) (interface{}, error)) (interface{}, error) {
	expectedSet := make(map[string]struct{}, len(expected))
	for _, n := range expected {
		expectedSet[n] = struct{}{}
	}
	entry := &blockingEntry{
		reqName:  req.Type.Name,
		expected: expectedSet,
		combine:  combine,
		result:   make(chan blockingResult, 1),
	}

	// Enqueue before sending so a fast response always finds its entry.
	p.mu.Lock()
	p.pendingBlockingActions++
	p.blockingQueue = append(p.blockingQueue, entry)
	p.recomputeGateLocked()
	p.mu.Unlock()

	if err := p.conn.Send(req); err != nil {
		p.mu.Lock()
		for i, e := range p.blockingQueue {
			if e == entry {
				p.blockingQueue = append(p.blockingQueue[:i], p.blockingQueue[i+1:]...)
				p.pendingBlockingActions--
				break
			}
		}
		p.recomputeGateLocked()
		p.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-entry.result:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleResponse is invoked by the Connection's dispatch for any command
// name a blocking action might expect. Per invariant I4, the response must
// match the FIFO head; a mismatch is a protocol error that closes the
// connection.
func (p *participant) handleResponse(cmd *Command) {
	p.mu.Lock()
	if len(p.blockingQueue) == 0 {
		p.mu.Unlock()
		// No outstanding blocking action wanted this; work-event routing
		// (Client) or grab-loop dispatch (Worker) handles it elsewhere.
		return
	}
	head := p.blockingQueue[0]
	if _, ok := head.expected[cmd.Type.Name]; !ok {
		p.mu.Unlock()
		p.failProtocol(newProtocolError("expected response for %s, got %s", head.reqName, cmd.Type.Name))
		return
	}
	p.blockingQueue = p.blockingQueue[1:]
	p.pendingBlockingActions--
	p.recomputeGateLocked()
	p.mu.Unlock()

	val, err := head.combine(cmd)
	head.result <- blockingResult{val: val, err: err}
}

func (p *participant) handleError(cmd *Command) {
	code := cmd.Arg("err_code")
	text := string(cmd.Data)
	srvErr := newServerError(code, text)

	p.mu.Lock()
	if len(p.blockingQueue) == 0 {
		p.mu.Unlock()
		if p.onUnsolicitedError != nil {
			p.onUnsolicitedError(srvErr)
		}
		return
	}
	head := p.blockingQueue[0]
	p.blockingQueue = p.blockingQueue[1:]
	p.pendingBlockingActions--
	p.recomputeGateLocked()
	p.mu.Unlock()

	head.result <- blockingResult{err: srvErr}
}

// failProtocol rejects every outstanding blocking action with a protocol
// error and closes the connection; a protocol violation is fatal to the
// whole connection, not just the offending RPC.
func (p *participant) failProtocol(err *Error) {
	p.logger.Error("protocol error, closing connection", zap.Error(err))
	go p.conn.Close()
	p.drainQueue(err)
}

func (p *participant) drainQueue(err error) {
	p.mu.Lock()
	queue := p.blockingQueue
	p.blockingQueue = nil
	p.pendingBlockingActions = 0
	p.recomputeGateLocked()
	p.mu.Unlock()

	for _, entry := range queue {
		entry.result <- blockingResult{err: err}
	}
}

// handleConnectionClosed is the Connection's OnClose callback. It rejects
// all outstanding blocking actions with KindConnectionClosed (invariant
// I5) and lets the embedder finalize its own extra-pending state.
func (p *participant) handleConnectionClosed(err error) {
	closedErr := newClosedError()
	if err != nil {
		closedErr.Err = err
	}
	p.drainQueue(closedErr)
	if p.onClosed != nil {
		p.onClosed(closedErr)
	}
}

// touchGate re-evaluates the backpressure gate from outside a blocking
// action, used by Client after it mutates its task set.
func (p *participant) touchGate() {
	p.mu.Lock()
	p.recomputeGateLocked()
	p.mu.Unlock()
}

// wait resolves when there is no pending blocking action and no extra
// pending work, i.e. when the connection's readable side would be paused.
func (p *participant) wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasPendingLocked() {
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ping is a blocking action on ECHO_REQ/ECHO_RES that round-trips a random
// nonce, rejecting the response if it doesn't match.
func (p *participant) ping(ctx context.Context) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return wrapErr(KindPing, "generating ping nonce", err)
	}
	req, err := p.catalog.Create(ECHO_REQ, nil, nonce, MagicReq)
	if err != nil {
		return err
	}
	_, err = p.blockingAction(ctx, req, []string{"ECHO_RES"}, func(resp *Command) (interface{}, error) {
		if string(resp.Data) != string(nonce) {
			return nil, newProtocolError("echo response data does not match request nonce")
		}
		return nil, nil
	})
	if err != nil {
		return wrapErr(KindPing, "ping", err)
	}
	return nil
}

func mustCreate(catalog *Catalog, typeRef interface{}, args map[string]string, data []byte, magic Magic) *Command {
	cmd, err := catalog.Create(typeRef, args, data, magic)
	if err != nil {
		panic(fmt.Sprintf("gearman: programmer error building %v: %v", typeRef, err))
	}
	return cmd
}
