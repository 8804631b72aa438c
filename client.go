package gearman

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-async/metrics"
)

// Priority orders a submitted job against others of the same function.
type Priority int

const (
	// PriorityNormal is the default priority.
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) submitType(background bool) string {
	switch {
	case p == PriorityHigh && background:
		return "SUBMIT_JOB_HIGH_BG"
	case p == PriorityHigh:
		return "SUBMIT_JOB_HIGH"
	case p == PriorityLow && background:
		return "SUBMIT_JOB_LOW_BG"
	case p == PriorityLow:
		return "SUBMIT_JOB_LOW"
	case background:
		return "SUBMIT_JOB_BG"
	default:
		return "SUBMIT_JOB"
	}
}

// Option is the set of OPTION_REQ values a Client may request.
type Option string

// OptionExceptions is the only option this core recognizes: it enables
// server relaying of WORK_EXCEPTION frames to this client.
const OptionExceptions Option = "exceptions"

// StatusEvent is delivered by GetStatus and by unsolicited WORK_STATUS
// notifications.
type StatusEvent struct {
	Handle      string
	Known       bool
	Running     bool
	Numerator   int
	Denominator int
}

type uniquePair struct {
	function string
	uniqueID string
}

// Client submits jobs to a Gearman server and correlates server-relayed
// work events back to the Task each job was submitted as.
type Client struct {
	*participant

	logger  *zap.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	tasks       map[string]*Task
	uniqueTasks map[uniquePair]struct{}

	onTaskSubmitted func(*Task)
	onTaskUnknown   func(handle, commandName string)
	onStatus        func(StatusEvent)
	onOption        func(string)
	onClientError   func(error)
}

// ClientOption configures NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	dialer  func(ctx context.Context, addr string) (*Connection, error)
}

// WithLogger attaches a structured logger to the Client (and its
// Connection) for protocol and lifecycle events.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithMetrics attaches a metrics.Registry the Client updates at submit,
// completion, and failure time.
func WithMetrics(m *metrics.Registry) ClientOption {
	return func(c *clientConfig) { c.metrics = m }
}

// WithDialer overrides how NewClient obtains a Connection, the seam the
// spec's "dial/DNS resolution is out of scope" leaves for the caller.
func WithDialer(d func(ctx context.Context, addr string) (*Connection, error)) ClientOption {
	return func(c *clientConfig) { c.dialer = d }
}

// NewClient dials addr, builds a Connection, and performs an initial ping
// before returning. A dial or ping failure rejects with a distinguishable
// Kind (KindDial vs KindPing).
func NewClient(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{}
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

	c := NewClientFromConnection(conn, cfg.logger, cfg.metrics)
	if err := c.participant.ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClientFromConnection builds a Client atop an already-connected
// Connection, skipping the dial/ping NewClient performs. Useful for tests
// and for callers who manage the Connection lifecycle themselves.
func NewClientFromConnection(conn *Connection, logger *zap.Logger, reg *metrics.Registry) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		logger:      logger,
		metrics:     reg,
		tasks:       make(map[string]*Task),
		uniqueTasks: make(map[uniquePair]struct{}),
	}
	c.participant = newParticipant(conn, catalog, logger)
	c.participant.extraPending = func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.tasks)
	}
	c.participant.onUnsolicitedError = func(err *Error) {
		c.emitError(err)
	}
	c.participant.onClosed = func(err error) {
		c.finalizeAllTasksOnClose()
	}
	if reg != nil {
		c.participant.onPendingChanged = func(n int) {
			reg.BlockingActionsInFlight.Set(float64(n))
		}
	}
	c.participant.expectResponses("JOB_CREATED", "STATUS_RES", "STATUS_RES_UNIQUE", "OPTION_RES", "ECHO_RES")

	unsubs := []func(){
		conn.Subscribe("WORK_COMPLETE", c.handleWorkEvent),
		conn.Subscribe("WORK_FAIL", c.handleWorkEvent),
		conn.Subscribe("WORK_EXCEPTION", c.handleWorkEvent),
		conn.Subscribe("WORK_DATA", c.handleWorkEvent),
		conn.Subscribe("WORK_WARNING", c.handleWorkEvent),
		conn.Subscribe("WORK_STATUS", c.handleWorkEvent),
	}
	c.participant.unsubs = append(c.participant.unsubs, unsubs...)
	return c
}

// OnTaskSubmitted registers the handler for the task-submitted event.
func (c *Client) OnTaskSubmitted(h func(*Task)) { c.onTaskSubmitted = h }

// OnTaskUnknown registers the handler for the task-unknown event, fired
// when a work event names a handle this Client has no Task for.
func (c *Client) OnTaskUnknown(h func(handle, commandName string)) { c.onTaskUnknown = h }

// OnStatus registers the handler for the client-wide status event, fired
// for every GetStatus response regardless of whether the handle is known.
func (c *Client) OnStatus(h func(StatusEvent)) { c.onStatus = h }

// OnOption registers the handler for the option event, fired when
// SetOption resolves.
func (c *Client) OnOption(h func(string)) { c.onOption = h }

// OnError registers the handler for client-wide errors: handler panics
// caught during work-event dispatch, and server ERROR frames with nothing
// outstanding to correlate them to.
func (c *Client) OnError(h func(error)) { c.onClientError = h }

func (c *Client) emitError(err error) {
	if c.onClientError != nil {
		c.onClientError(err)
	}
}

// Submit submits function with workload at the given priority, in the
// foreground: the returned Task will receive work events until a terminal
// one arrives. If uniqueID is empty a random UUIDv4 is generated. A
// foreground submit of an already in-flight (function, uniqueID) pair
// rejects with KindDuplicateJob before any bytes are sent (invariant I2).
func (c *Client) Submit(ctx context.Context, function string, workload []byte, priority Priority, uniqueID string) (*Task, error) {
	if uniqueID == "" {
		uniqueID = newUniqueID()
	}
	pair := uniquePair{function: function, uniqueID: uniqueID}

	c.mu.Lock()
	if _, dup := c.uniqueTasks[pair]; dup {
		c.mu.Unlock()
		return nil, newErrf(KindDuplicateJob, "function %q uniqueId %q already in flight", function, uniqueID)
	}
	c.mu.Unlock()

	req := mustCreate(c.participant.catalog, priority.submitType(false), map[string]string{
		"function_name": function,
		"id":             uniqueID,
	}, workload, MagicReq)

	val, err := c.participant.blockingAction(ctx, req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
		return resp.Arg("handle"), nil
	})
	if err != nil {
		return nil, err
	}
	handle := val.(string)

	task := &Task{
		Function: function,
		Workload: workload,
		Handle:   handle,
		Priority: priority,
		UniqueID: uniqueID,
	}

	c.mu.Lock()
	c.tasks[handle] = task
	c.uniqueTasks[pair] = struct{}{}
	c.mu.Unlock()

	c.participant.touchGate()

	if c.metrics != nil {
		c.metrics.TasksSubmitted.WithLabelValues(priorityLabel(priority)).Inc()
	}
	if c.onTaskSubmitted != nil {
		c.onTaskSubmitted(task)
	}
	return task, nil
}

// SubmitBackground is a fire-and-forget submit: the server never relays
// work events for it to this client, so it never enters tasks and never
// participates in the backpressure gate (invariant I6). Uniqueness is
// enforced only server-side.
func (c *Client) SubmitBackground(ctx context.Context, function string, workload []byte, priority Priority, uniqueID string) (*Task, error) {
	if uniqueID == "" {
		uniqueID = newUniqueID()
	}

	req := mustCreate(c.participant.catalog, priority.submitType(true), map[string]string{
		"function_name": function,
		"id":             uniqueID,
	}, workload, MagicReq)

	val, err := c.participant.blockingAction(ctx, req, []string{"JOB_CREATED"}, func(resp *Command) (interface{}, error) {
		return resp.Arg("handle"), nil
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.TasksSubmitted.WithLabelValues(priorityLabel(priority)).Inc()
	}
	return &Task{
		Function: function,
		Workload: workload,
		Handle:   val.(string),
		Priority: priority,
		UniqueID: uniqueID,
	}, nil
}

// SetOption requests a server option. This core recognizes only
// OptionExceptions; any other value is a client-side error.
func (c *Client) SetOption(ctx context.Context, opt Option) error {
	if opt != OptionExceptions {
		return newErrf(KindUnsupportedOption, "unsupported option %q", opt)
	}
	req := mustCreate(c.participant.catalog, "OPTION_REQ", map[string]string{"option_name": string(opt)}, nil, MagicReq)
	_, err := c.participant.blockingAction(ctx, req, []string{"OPTION_RES"}, func(resp *Command) (interface{}, error) {
		got := resp.Arg("option_name")
		if got != string(opt) {
			return nil, newProtocolError("OPTION_RES echoed %q, requested %q", got, opt)
		}
		return got, nil
	})
	if err != nil {
		return err
	}
	if c.onOption != nil {
		c.onOption(string(opt))
	}
	return nil
}

// GetStatus queries the server for a Task's progress. The server response
// is verified to name the same handle before being surfaced; it is always
// emitted via OnStatus, and additionally via the Task's status event if
// the handle is still known locally.
func (c *Client) GetStatus(ctx context.Context, handle string) (StatusEvent, error) {
	req := mustCreate(c.participant.catalog, "GET_STATUS", map[string]string{"handle": handle}, nil, MagicReq)
	val, err := c.participant.blockingAction(ctx, req, []string{"STATUS_RES"}, func(resp *Command) (interface{}, error) {
		gotHandle := resp.Arg("handle")
		if gotHandle != handle {
			return nil, newProtocolError("STATUS_RES for handle %q, requested %q", gotHandle, handle)
		}
		return parseStatusEvent(resp)
	})
	if err != nil {
		return StatusEvent{}, err
	}
	ev := val.(StatusEvent)
	c.routeStatus(ev)
	return ev, nil
}

// GetStatusByUniqueID is GetStatus keyed by a job's unique ID instead of
// its handle, for callers that only kept the ID they submitted with.
// STATUS_RES_UNIQUE carries that unique ID, not a handle, so the returned
// StatusEvent.Handle field holds the unique ID here rather than a job handle.
func (c *Client) GetStatusByUniqueID(ctx context.Context, uniqueID string) (StatusEvent, error) {
	req := mustCreate(c.participant.catalog, "GET_STATUS_UNIQUE", map[string]string{"id": uniqueID}, nil, MagicReq)
	val, err := c.participant.blockingAction(ctx, req, []string{"STATUS_RES_UNIQUE"}, func(resp *Command) (interface{}, error) {
		gotID := resp.Arg("id")
		if gotID != uniqueID {
			return nil, newProtocolError("STATUS_RES_UNIQUE for id %q, requested %q", gotID, uniqueID)
		}
		return parseStatusEventUnique(resp)
	})
	if err != nil {
		return StatusEvent{}, err
	}
	ev := val.(StatusEvent)
	c.routeStatus(ev)
	return ev, nil
}

func parseStatusEvent(resp *Command) (StatusEvent, error) {
	num, _ := strconv.Atoi(resp.Arg("numerator"))
	den, _ := strconv.Atoi(resp.Arg("denominator"))
	return StatusEvent{
		Handle:      resp.Arg("handle"),
		Known:       resp.Arg("known") == "1",
		Running:     resp.Arg("running") == "1",
		Numerator:   num,
		Denominator: den,
	}, nil
}

func parseStatusEventUnique(resp *Command) (StatusEvent, error) {
	num, _ := strconv.Atoi(resp.Arg("numerator"))
	den, _ := strconv.Atoi(resp.Arg("denominator"))
	return StatusEvent{
		Handle:      resp.Arg("id"),
		Known:       resp.Arg("known") == "1",
		Running:     resp.Arg("running") == "1",
		Numerator:   num,
		Denominator: den,
	}, nil
}

func (c *Client) routeStatus(ev StatusEvent) {
	c.mu.Lock()
	task := c.tasks[ev.Handle]
	c.mu.Unlock()
	if task != nil {
		task.emitStatus(ev)
	}
	if c.onStatus != nil {
		c.onStatus(ev)
	}
}

// Cancel removes all listeners from task and finalizes it locally. The
// protocol has no server-side cancellation for foreground jobs: the
// server will still deliver work events for handle, but this Client will
// have forgotten it and will emit task-unknown when they arrive.
func (c *Client) Cancel(task *Task) {
	task.clearListeners()
	c.setTaskDone(task)
}

// Wait resolves once there is no pending blocking action and no live
// task, i.e. once the connection would be paused.
func (c *Client) Wait(ctx context.Context) error {
	return c.participant.wait(ctx)
}

// Ping round-trips a random nonce through ECHO_REQ/ECHO_RES.
func (c *Client) Ping(ctx context.Context) error {
	return c.participant.ping(ctx)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.participant.close()
	return c.participant.conn.Close()
}

var workEventOutcome = map[string]string{
	"WORK_COMPLETE":  "complete",
	"WORK_FAIL":      "failure",
	"WORK_EXCEPTION": "exception",
}

func (c *Client) handleWorkEvent(cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			c.emitError(newErrf(KindProtocol, "panic in work-event handler: %v", r))
		}
	}()

	handle := cmd.Arg("handle")
	c.mu.Lock()
	task, ok := c.tasks[handle]
	c.mu.Unlock()
	if !ok {
		if c.onTaskUnknown != nil {
			c.onTaskUnknown(handle, cmd.Type.Name)
		}
		return
	}

	terminal := false
	switch cmd.Type.Name {
	case "WORK_COMPLETE":
		task.emitComplete(cmd.Data)
		terminal = true
	case "WORK_FAIL":
		task.emitFailure()
		terminal = true
	case "WORK_EXCEPTION":
		task.emitException(cmd.Data)
		terminal = true
	case "WORK_DATA":
		task.emitData(cmd.Data)
	case "WORK_WARNING":
		task.emitWarning(cmd.Data)
	case "WORK_STATUS":
		num, _ := strconv.Atoi(cmd.Arg("numerator"))
		den, _ := strconv.Atoi(cmd.Arg("denominator"))
		ev := StatusEvent{Handle: handle, Known: true, Running: true, Numerator: num, Denominator: den}
		task.emitStatus(ev)
	}

	if terminal {
		if c.metrics != nil {
			if outcome, ok := workEventOutcome[cmd.Type.Name]; ok {
				c.metrics.TasksCompleted.WithLabelValues(outcome).Inc()
			}
		}
		c.setTaskDone(task)
	}
}

func (c *Client) setTaskDone(task *Task) {
	c.mu.Lock()
	delete(c.tasks, task.Handle)
	delete(c.uniqueTasks, uniquePair{function: task.Function, uniqueID: task.UniqueID})
	c.mu.Unlock()

	c.participant.touchGate()
}

func (c *Client) finalizeAllTasksOnClose() {
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.tasks = make(map[string]*Task)
	c.uniqueTasks = make(map[uniquePair]struct{})
	c.mu.Unlock()

	for _, t := range tasks {
		t.emitException([]byte("Lost connection"))
	}

	c.participant.touchGate()
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
