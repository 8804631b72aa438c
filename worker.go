package gearman

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-async/metrics"
)

// JobHandler executes one grabbed Job. It must call exactly one of
// Job.Complete/Fail/Exception before returning; if it returns without
// doing so the grab loop fails the job on its behalf so a buggy handler
// cannot wedge the worker in EXECUTING forever.
type JobHandler func(*Job)

// Worker registers for named functions, grabs queued jobs, and relays
// their progress/result back to the server.
type Worker struct {
	*participant

	logger  *zap.Logger
	metrics *metrics.Registry
	useUniq bool

	mu        sync.Mutex
	functions map[string]JobHandler
	started   bool

	cancel context.CancelFunc
	done   chan struct{}

	onJob     func(*Job)
	onClose   func(error)
	onWkError func(error)
}

// WorkerOption configures NewWorker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	dialer  func(ctx context.Context, addr string) (*Connection, error)
	useUniq bool
}

// WithWorkerLogger attaches a structured logger to the Worker.
func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(c *workerConfig) { c.logger = l }
}

// WithWorkerMetrics attaches a metrics.Registry the Worker updates as it
// executes jobs and transitions grab-loop state.
func WithWorkerMetrics(m *metrics.Registry) WorkerOption {
	return func(c *workerConfig) { c.metrics = m }
}

// WithWorkerDialer overrides how NewWorker obtains a Connection.
func WithWorkerDialer(d func(ctx context.Context, addr string) (*Connection, error)) WorkerOption {
	return func(c *workerConfig) { c.dialer = d }
}

// WithUniqueIDs selects GRAB_JOB_UNIQ/JOB_ASSIGN_UNIQ (the default) over
// plain GRAB_JOB/JOB_ASSIGN, so Job.UniqueID is populated.
func WithUniqueIDs(enabled bool) WorkerOption {
	return func(c *workerConfig) { c.useUniq = enabled }
}

// NewWorker dials addr, builds a Connection, and performs an initial ping
// before returning.
func NewWorker(ctx context.Context, addr string, opts ...WorkerOption) (*Worker, error) {
	cfg := &workerConfig{useUniq: true}
	for _, opt := range opts {
		opt(cfg)
	}

	var conn *Connection
	var err error
	if cfg.dialer != nil {
		conn, err = cfg.dialer(ctx, addr)
	} else {
		conn, err = Dial(ctx, addr, catalog, cfg.logger)
	}
	if err != nil {
		return nil, err
	}

	w := NewWorkerFromConnection(conn, cfg.logger, cfg.metrics, cfg.useUniq)
	if err := w.participant.ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

// NewWorkerFromConnection builds a Worker atop an already-connected
// Connection, skipping the dial/ping NewWorker performs.
func NewWorkerFromConnection(conn *Connection, logger *zap.Logger, reg *metrics.Registry, useUniq bool) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		logger:    logger,
		metrics:   reg,
		useUniq:   useUniq,
		functions: make(map[string]JobHandler),
		done:      make(chan struct{}),
	}
	w.participant = newParticipant(conn, catalog, logger)
	w.participant.onUnsolicitedError = func(err *Error) {
		if w.onWkError != nil {
			w.onWkError(err)
		}
	}
	w.participant.onClosed = func(err error) {
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
		if w.onClose != nil {
			w.onClose(err)
		}
	}
	if reg != nil {
		w.participant.onPendingChanged = func(n int) {
			reg.BlockingActionsInFlight.Set(float64(n))
		}
	}
	if w.useUniq {
		w.participant.expectResponses("JOB_ASSIGN_UNIQ", "NO_JOB", "NOOP", "ECHO_RES")
	} else {
		w.participant.expectResponses("JOB_ASSIGN", "NO_JOB", "NOOP", "ECHO_RES")
	}
	return w
}

// OnJob registers a handler invoked for every grabbed job, in addition to
// the per-function JobHandler given to Register.
func (w *Worker) OnJob(h func(*Job)) { w.onJob = h }

// OnClose registers a handler invoked when the underlying connection
// closes.
func (w *Worker) OnClose(h func(error)) { w.onClose = h }

// OnError registers a handler for server ERROR frames with nothing
// outstanding to correlate them to.
func (w *Worker) OnError(h func(error)) { w.onWkError = h }

// Register sends CAN_DO for function and stores handler. CAN_DO expects no
// response; Register resolves once the send has been enqueued. The grab
// loop starts after the first successful Register call.
func (w *Worker) Register(ctx context.Context, function string, handler JobHandler) error {
	req := mustCreate(w.participant.catalog, "CAN_DO", map[string]string{"function_name": function}, nil, MagicReq)
	if err := w.participant.conn.Send(req); err != nil {
		return err
	}

	w.mu.Lock()
	w.functions[function] = handler
	needStart := !w.started
	if needStart {
		w.started = true
	}
	w.mu.Unlock()

	if needStart {
		w.startGrabLoop()
	}
	return nil
}

// RegisterWithTimeout is Register plus CAN_DO_TIMEOUT, telling the server
// to fail this job back to GRAB_JOB after timeout if the worker doesn't
// complete it.
func (w *Worker) RegisterWithTimeout(ctx context.Context, function string, timeout time.Duration, handler JobHandler) error {
	if err := w.Register(ctx, function, handler); err != nil {
		return err
	}
	timeoutBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(timeoutBytes, uint32(timeout/time.Second))
	req := mustCreate(w.participant.catalog, "CAN_DO_TIMEOUT", map[string]string{
		"function_name": function,
		"timeout":       string(timeoutBytes),
	}, nil, MagicReq)
	return w.participant.conn.Send(req)
}

// Unregister sends CANT_DO for function and removes its handler.
func (w *Worker) Unregister(ctx context.Context, function string) error {
	req := mustCreate(w.participant.catalog, "CANT_DO", map[string]string{"function_name": function}, nil, MagicReq)
	if err := w.participant.conn.Send(req); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.functions, function)
	w.mu.Unlock()
	return nil
}

// UnregisterAll sends RESET_ABILITIES and clears every registered handler.
func (w *Worker) UnregisterAll(ctx context.Context) error {
	req := mustCreate(w.participant.catalog, "RESET_ABILITIES", nil, nil, MagicReq)
	if err := w.participant.conn.Send(req); err != nil {
		return err
	}
	w.mu.Lock()
	w.functions = make(map[string]JobHandler)
	w.mu.Unlock()
	return nil
}

// SetClientID sends SET_CLIENT_ID, a fire-and-forget identification hint
// surfaced by the server's admin protocol (out of scope here).
func (w *Worker) SetClientID(ctx context.Context, name string) error {
	req := mustCreate(w.participant.catalog, "SET_CLIENT_ID", map[string]string{"client_id": name}, nil, MagicReq)
	return w.participant.conn.Send(req)
}

// Ping round-trips a random nonce through ECHO_REQ/ECHO_RES.
func (w *Worker) Ping(ctx context.Context) error {
	return w.participant.ping(ctx)
}

// Disconnect closes the underlying connection.
func (w *Worker) Disconnect() error {
	w.participant.close()
	if w.cancel != nil {
		w.cancel()
	}
	return w.participant.conn.Close()
}

func (w *Worker) startGrabLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go w.grabLoop(ctx)
}

type jobAssignment struct {
	handle   string
	function string
	uniqueID string
	workload []byte
}

// grabLoop realizes the IDLE -> GRABBING -> (SLEEPING -> GRABBING |
// EXECUTING -> GRABBING) state machine of SPEC_FULL.md section 4 (worker).
// Every iteration holds at most one outstanding blocking action, so the
// backpressure gate stays accurate without any extraPending override.
func (w *Worker) grabLoop(ctx context.Context) {
	defer close(w.done)
	defer w.setGrabState("")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.setGrabState("grabbing")
		assign, err := w.grabJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("grab_job failed", zap.Error(err))
			return
		}
		if assign == nil {
			w.setGrabState("sleeping")
			if err := w.sleepUntilWoken(ctx); err != nil {
				return
			}
			continue
		}
		w.setGrabState("executing")
		w.executeJob(ctx, assign)
	}
}

// setGrabState updates WorkerGrabState so only the named state (if any)
// reads 1; an empty name clears every state to 0, used when the grab loop
// exits.
func (w *Worker) setGrabState(state string) {
	if w.metrics == nil {
		return
	}
	for _, s := range []string{"grabbing", "sleeping", "executing"} {
		v := 0.0
		if s == state {
			v = 1
		}
		w.metrics.WorkerGrabState.WithLabelValues(s).Set(v)
	}
}

func (w *Worker) grabJob(ctx context.Context) (*jobAssignment, error) {
	grabType, assignName := "GRAB_JOB_UNIQ", "JOB_ASSIGN_UNIQ"
	if !w.useUniq {
		grabType, assignName = "GRAB_JOB", "JOB_ASSIGN"
	}
	req := mustCreate(w.participant.catalog, grabType, nil, nil, MagicReq)

	val, err := w.participant.blockingAction(ctx, req, []string{assignName, "NO_JOB"}, func(resp *Command) (interface{}, error) {
		if resp.Type.Name == "NO_JOB" {
			return nil, nil
		}
		return &jobAssignment{
			handle:   resp.Arg("handle"),
			function: resp.Arg("function_name"),
			uniqueID: resp.Arg("id"),
			workload: resp.Data,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	return val.(*jobAssignment), nil
}

func (w *Worker) sleepUntilWoken(ctx context.Context) error {
	req := mustCreate(w.participant.catalog, "PRE_SLEEP", nil, nil, MagicReq)
	_, err := w.participant.blockingAction(ctx, req, []string{"NOOP"}, func(resp *Command) (interface{}, error) {
		return nil, nil
	})
	return err
}

func (w *Worker) executeJob(ctx context.Context, assign *jobAssignment) {
	w.mu.Lock()
	handler := w.functions[assign.function]
	w.mu.Unlock()

	job := &Job{
		Function: assign.function,
		Handle:   assign.handle,
		Workload: assign.workload,
		UniqueID: assign.uniqueID,
		conn:     w.participant.conn,
		catalog:  w.participant.catalog,
	}

	if w.onJob != nil {
		w.onJob(job)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("job handler panicked", zap.Any("recover", r), zap.String("function", job.Function))
				job.Fail()
			}
		}()
		if handler != nil {
			handler(job)
		} else {
			job.Fail()
		}
	}()

	if !job.isDone() {
		job.Fail()
	}

	if w.metrics != nil {
		w.metrics.WorkerJobsExecuted.WithLabelValues(assign.function).Inc()
	}
}

// Job is the worker-side view of a grabbed unit of work. It is terminal
// once Complete, Fail, or Exception has been called; further operations
// after that return KindInvalidState.
type Job struct {
	Function string
	Handle   string
	Workload []byte
	UniqueID string

	conn    *Connection
	catalog *Catalog

	mu   sync.Mutex
	done bool
}

func (j *Job) isDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

func (j *Job) markDone() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return newErrf(KindInvalidState, "job %s already finished", j.Handle)
	}
	j.done = true
	return nil
}

func (j *Job) send(typeName string, args map[string]string, data []byte) error {
	req := mustCreate(j.catalog, typeName, args, data, MagicReq)
	return j.conn.Send(req)
}

// SendData emits a WORK_DATA progress chunk.
func (j *Job) SendData(data []byte) error {
	if j.isDone() {
		return newErrf(KindInvalidState, "job %s already finished", j.Handle)
	}
	return j.send("WORK_DATA", map[string]string{"handle": j.Handle}, data)
}

// SendWarning emits a WORK_WARNING.
func (j *Job) SendWarning(data []byte) error {
	if j.isDone() {
		return newErrf(KindInvalidState, "job %s already finished", j.Handle)
	}
	return j.send("WORK_WARNING", map[string]string{"handle": j.Handle}, data)
}

// SendStatus emits a WORK_STATUS numerator/denominator progress update.
func (j *Job) SendStatus(numerator, denominator int) error {
	if j.isDone() {
		return newErrf(KindInvalidState, "job %s already finished", j.Handle)
	}
	return j.send("WORK_STATUS", map[string]string{
		"handle":      j.Handle,
		"numerator":   fmt.Sprintf("%d", numerator),
		"denominator": fmt.Sprintf("%d", denominator),
	}, nil)
}

// Complete emits WORK_COMPLETE with result and marks the job terminal.
func (j *Job) Complete(result []byte) error {
	if err := j.markDone(); err != nil {
		return err
	}
	return j.send("WORK_COMPLETE", map[string]string{"handle": j.Handle}, result)
}

// Fail emits WORK_FAIL and marks the job terminal.
func (j *Job) Fail() error {
	if err := j.markDone(); err != nil {
		return err
	}
	return j.send("WORK_FAIL", map[string]string{"handle": j.Handle}, nil)
}

// Exception emits WORK_EXCEPTION with reason and marks the job terminal.
// The server only relays this to clients that called SetOption with
// OptionExceptions; others see a WORK_FAIL instead, which is server, not
// client, policy.
func (j *Job) Exception(reason []byte) error {
	if err := j.markDone(); err != nil {
		return err
	}
	return j.send("WORK_EXCEPTION", map[string]string{"handle": j.Handle}, reason)
}
