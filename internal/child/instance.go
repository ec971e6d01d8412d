// Package child wraps one tenant's MCP child process: spawning, the
// initialize handshake, request/response correlation over line-framed
// JSON-RPC stdio, idle eviction, and crash recovery with a bounded
// restart budget.
package child

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/seomcp/gateway/internal/jsonrpc"
	"github.com/seomcp/gateway/internal/launcher"
	"github.com/seomcp/gateway/internal/logger"
	"github.com/seomcp/gateway/internal/metrics"
)

// ChildProtocolVersion is the MCP protocol version the gateway speaks
// to its children. It is independent of the version the gateway
// advertises outward.
const ChildProtocolVersion = "2025-03-26"

const (
	// MaxRestarts is how many spawn attempts are allowed within the
	// cooldown before EnsureReady fails fast.
	MaxRestarts = 3

	// RestartCooldown is the window over which restarts are counted.
	RestartCooldown = 30 * time.Second

	// handshakeTimeout bounds the initialize round trip with a fresh
	// child.
	handshakeTimeout = 30 * time.Second

	// killGrace is how long a terminated child gets between SIGTERM
	// and a hard kill.
	killGrace = 5 * time.Second
)

var (
	// ErrRestartExhausted is returned by EnsureReady when the restart
	// budget is spent within the cooldown.
	ErrRestartExhausted = errors.New("restart exhausted")

	// ErrInstanceTerminated is the failure delivered to waiters when
	// the instance is killed.
	ErrInstanceTerminated = errors.New("instance terminated")

	// ErrChildExited is the failure delivered to waiters when the
	// child process exits underneath them.
	ErrChildExited = errors.New("child exited")

	// ErrCallTimeout is returned by Send when the per-call budget
	// elapses before the child responds.
	ErrCallTimeout = errors.New("call timeout")

	// ErrHandshakeFailed is returned by EnsureReady when the child
	// rejects the initialize request.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// State is the instance lifecycle state.
type State int

const (
	StateUnstarted State = iota
	StateInitializing
	StateReady
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Options tune instance behavior. Zero values select defaults.
type Options struct {
	Command     string
	Args        []string
	IdleTimeout time.Duration // default 5m
	CallTimeout time.Duration // default 60s
	MaxLine     int           // default jsonrpc.DefaultMaxLine
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 5 * time.Minute
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 60 * time.Second
	}
	if out.MaxLine <= 0 {
		out.MaxLine = jsonrpc.DefaultMaxLine
	}
	return out
}

type waitResult struct {
	resp *jsonrpc.Response
	err  error
}

// waiter is one pending request: a buffered result channel and the
// per-call timeout. Exactly one of resolve or reject fires; the timer
// is stopped the moment either does.
type waiter struct {
	ch    chan waitResult
	timer *time.Timer
}

// Instance is one tenant's live (or restartable) child process. At
// most one child runs at a time; concurrent outstanding requests are
// multiplexed over its stdio and correlated by JSON-RPC id.
type Instance struct {
	tenantID   string
	configPath string
	launcher   launcher.Launcher
	opts       Options
	onIdle     func()

	mu          sync.Mutex
	now         func() time.Time
	state       State
	killed      bool
	proc        launcher.Process
	writer      *jsonrpc.LineWriter
	pending     map[string]*waiter
	initDone    chan struct{}
	initErr     error
	idleTimer   *time.Timer
	restarts    int
	lastRestart time.Time
	gen         int // spawn generation, guards stale exit hooks
}

// NewInstance creates an unstarted instance. No process is spawned
// until EnsureReady. onIdle runs after the instance evicts itself for
// inactivity; the pool uses it to drop its map entry.
func NewInstance(tenantID, configPath string, l launcher.Launcher, opts Options, onIdle func()) *Instance {
	return &Instance{
		tenantID:   tenantID,
		configPath: configPath,
		launcher:   l,
		opts:       opts.withDefaults(),
		onIdle:     onIdle,
		now:        time.Now,
		state:      StateUnstarted,
		pending:    make(map[string]*waiter),
	}
}

// TenantID returns the tenant this instance serves.
func (in *Instance) TenantID() string {
	return in.tenantID
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Killed reports whether the instance was permanently terminated. A
// killed instance never respawns; the pool must create a fresh one.
func (in *Instance) Killed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.killed
}

// EnsureReady makes sure a handshaken child is running. If one is, it
// refreshes the idle deadline and returns. If an initialization is in
// flight it awaits that one. Otherwise it spawns a new child, subject
// to the restart budget, and performs the MCP handshake.
func (in *Instance) EnsureReady(ctx context.Context) error {
	for {
		in.mu.Lock()
		switch in.state {
		case StateReady:
			in.touchLocked()
			in.mu.Unlock()
			return nil

		case StateInitializing:
			done := in.initDone
			in.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			in.mu.Lock()
			err := in.initErr
			in.mu.Unlock()
			if err != nil {
				return err
			}
			// Re-check: the child may already have exited again.
			continue

		case StateTerminating:
			in.mu.Unlock()
			return ErrInstanceTerminated

		case StateUnstarted, StateDead:
			if in.killed {
				in.mu.Unlock()
				return ErrInstanceTerminated
			}
			now := in.now()
			if now.Sub(in.lastRestart) > RestartCooldown {
				in.restarts = 0
			}
			if in.restarts >= MaxRestarts {
				in.mu.Unlock()
				return fmt.Errorf("%w: %d spawn attempts within %s", ErrRestartExhausted, MaxRestarts, RestartCooldown)
			}
			in.restarts++
			in.lastRestart = now
			in.state = StateInitializing
			done := make(chan struct{})
			in.initDone = done
			in.mu.Unlock()

			err := in.start(ctx)

			in.mu.Lock()
			in.initErr = err
			if err != nil {
				if in.state == StateInitializing {
					in.state = StateDead
				}
				metrics.RecordSpawn("failure")
			} else if in.state == StateInitializing {
				in.state = StateReady
				in.touchLocked()
				metrics.RecordSpawn("success")
				metrics.InstancesAlive.Inc()
			}
			close(done)
			in.mu.Unlock()
			return err

		default:
			in.mu.Unlock()
			return fmt.Errorf("instance in unknown state")
		}
	}
}

// start spawns the child and drives the handshake. Called with the
// state already set to initializing; must not hold the lock across
// I/O.
func (in *Instance) start(ctx context.Context) error {
	proc, err := in.launcher.Start(ctx, launcher.Spec{
		Command: in.opts.Command,
		Args:    in.opts.Args,
		Env:     []string{"SEOMCP_CONFIG=" + in.configPath, "SEOMCP_TENANT=" + in.tenantID},
	})
	if err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}

	writer := jsonrpc.NewLineWriter(proc.Stdin())

	in.mu.Lock()
	in.gen++
	gen := in.gen
	in.proc = proc
	in.writer = writer
	in.mu.Unlock()

	go in.readLoop(proc.Stdout(), gen)
	go in.drainStderr(proc.Stderr())
	go in.watchExit(proc, gen)

	if err := in.handshake(ctx, writer); err != nil {
		_ = writer.Close()
		_ = proc.Kill()
		return err
	}
	return nil
}

// handshake sends initialize with a sentinel id, awaits the reply, and
// acknowledges with the initialized notification.
func (in *Instance) handshake(ctx context.Context, writer *jsonrpc.LineWriter) error {
	const sentinelID = "seomcp-init"

	initReq, err := jsonrpc.NewRequest(sentinelID, "initialize", map[string]any{
		"protocolVersion": ChildProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "seomcp-gateway", "version": "1"},
	})
	if err != nil {
		return err
	}

	key, _ := jsonrpc.IDKey(sentinelID)
	w := &waiter{ch: make(chan waitResult, 1)}
	w.timer = time.AfterFunc(handshakeTimeout, func() {
		in.rejectWaiter(key, fmt.Errorf("%w: no initialize reply within %s", ErrCallTimeout, handshakeTimeout))
	})

	in.mu.Lock()
	in.pending[key] = w
	in.mu.Unlock()

	if err := writer.Write(initReq); err != nil {
		in.dropWaiter(key)
		return fmt.Errorf("write failed: %w", err)
	}

	var res waitResult
	select {
	case res = <-w.ch:
	case <-ctx.Done():
		in.dropWaiter(key)
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, res.err)
	}
	if res.resp.Error != nil {
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, res.resp.Error.Message)
	}

	initialized, err := jsonrpc.NewRequest(nil, "notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := writer.Write(initialized); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Send forwards one request to the child and blocks until the
// correlated response arrives, the per-call budget elapses, or the
// instance dies.
func (in *Instance) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := in.EnsureReady(ctx); err != nil {
		return nil, err
	}

	key, ok := jsonrpc.IDKey(req.ID)
	if !ok {
		return nil, fmt.Errorf("request has no usable id; use Notify for notifications")
	}

	in.mu.Lock()
	if in.state != StateReady {
		in.mu.Unlock()
		return nil, ErrInstanceTerminated
	}
	if _, exists := in.pending[key]; exists {
		in.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %v", req.ID)
	}
	w := &waiter{ch: make(chan waitResult, 1)}
	w.timer = time.AfterFunc(in.opts.CallTimeout, func() {
		in.rejectWaiter(key, fmt.Errorf("%w: no response within %s", ErrCallTimeout, in.opts.CallTimeout))
	})
	in.pending[key] = w
	writer := in.writer
	in.touchLocked()
	in.mu.Unlock()

	if err := writer.Write(req); err != nil {
		in.dropWaiter(key)
		return nil, fmt.Errorf("write failed: %w", err)
	}

	select {
	case res := <-w.ch:
		return res.resp, res.err
	case <-ctx.Done():
		in.dropWaiter(key)
		return nil, ctx.Err()
	}
}

// Notify forwards a notification to the child. No waiter is
// registered; the call returns as soon as the line is written.
func (in *Instance) Notify(ctx context.Context, req *jsonrpc.Request) error {
	if err := in.EnsureReady(ctx); err != nil {
		return err
	}

	in.mu.Lock()
	writer := in.writer
	in.touchLocked()
	in.mu.Unlock()

	if writer == nil {
		return ErrInstanceTerminated
	}
	if err := writer.Write(req); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Kill permanently terminates the instance: the child is asked to exit
// by closing stdin, signaled, and eventually hard-killed; every
// pending waiter fails with ErrInstanceTerminated.
func (in *Instance) Kill() {
	in.terminate("kill")
}

func (in *Instance) terminate(reason string) {
	in.mu.Lock()
	if in.killed && in.state == StateDead {
		in.mu.Unlock()
		return
	}
	in.killed = true
	// The gauge only climbs on reaching ready, so only a ready
	// instance may decrement it.
	wasReady := in.state == StateReady
	in.state = StateTerminating
	if in.idleTimer != nil {
		in.idleTimer.Stop()
		in.idleTimer = nil
	}
	in.failAllLocked(ErrInstanceTerminated)
	proc := in.proc
	writer := in.writer
	in.proc = nil
	in.writer = nil
	in.state = StateDead
	in.mu.Unlock()

	if writer != nil {
		_ = writer.Close()
	}
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
		time.AfterFunc(killGrace, func() { _ = proc.Kill() })
	}
	if wasReady {
		metrics.InstancesAlive.Dec()
	}
	metrics.RecordEviction(reason)
	logger.Slog().Info("instance terminated", "tenant_id", in.tenantID, "reason", reason)
}

// readLoop is the single consumer of the child's stdout for one spawn
// generation. Parsed values with a matching pending id resolve their
// waiter; everything else is dropped.
func (in *Instance) readLoop(stdout io.Reader, gen int) {
	reader := jsonrpc.NewLineReader(stdout, in.opts.MaxLine, logger.Slog().With("tenant_id", in.tenantID))
	for {
		raw, err := reader.Next()
		if err != nil {
			return
		}

		// Requests and notifications originating from the child carry
		// a method; only responses are correlated.
		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Method != "" {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		key, ok := jsonrpc.IDKey(resp.ID)
		if !ok {
			// Out-of-band message without an id.
			continue
		}

		in.mu.Lock()
		if in.gen != gen {
			in.mu.Unlock()
			return
		}
		w, found := in.pending[key]
		if found {
			delete(in.pending, key)
			w.timer.Stop()
		}
		in.mu.Unlock()

		if found {
			w.ch <- waitResult{resp: &resp}
		}
		// Unknown or duplicate ids are dropped without side effect.
	}
}

// drainStderr copies the child's stderr lines to the operator log. A
// malformed stream never takes the instance down.
func (in *Instance) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, in.opts.MaxLine)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Slog().Warn("child stderr", "tenant_id", in.tenantID, "line", line)
		}
	}
}

// watchExit observes the child's exit and fails every waiter of that
// generation with the exit code.
func (in *Instance) watchExit(proc launcher.Process, gen int) {
	code, _ := proc.Wait()

	in.mu.Lock()
	if in.gen != gen {
		// A newer spawn replaced this child already.
		in.mu.Unlock()
		return
	}
	if in.state == StateDead {
		in.mu.Unlock()
		return
	}
	wasReady := in.state == StateReady
	in.state = StateDead
	if in.idleTimer != nil {
		in.idleTimer.Stop()
		in.idleTimer = nil
	}
	in.failAllLocked(fmt.Errorf("%w: exit code %d", ErrChildExited, code))
	writer := in.writer
	in.proc = nil
	in.writer = nil
	in.mu.Unlock()

	if writer != nil {
		_ = writer.Close()
	}
	if wasReady {
		metrics.InstancesAlive.Dec()
		logger.Slog().Warn("child exited", "tenant_id", in.tenantID, "exit_code", code)
	}
}

// failAllLocked drains the pending table, rejecting every waiter.
func (in *Instance) failAllLocked(err error) {
	for key, w := range in.pending {
		w.timer.Stop()
		w.ch <- waitResult{err: err}
		delete(in.pending, key)
	}
}

// rejectWaiter removes one waiter and fails it. Used by the per-call
// timeout; a response arriving later for the same id is then silently
// discarded by the read loop.
func (in *Instance) rejectWaiter(key string, err error) {
	in.mu.Lock()
	w, ok := in.pending[key]
	if ok {
		delete(in.pending, key)
	}
	in.mu.Unlock()
	if ok {
		w.ch <- waitResult{err: err}
	}
}

// dropWaiter removes a waiter without delivering anything. Used when
// the submitting call itself fails or is canceled.
func (in *Instance) dropWaiter(key string) {
	in.mu.Lock()
	if w, ok := in.pending[key]; ok {
		w.timer.Stop()
		delete(in.pending, key)
	}
	in.mu.Unlock()
}

// touchLocked resets the idle deadline. Caller holds the lock.
func (in *Instance) touchLocked() {
	if in.idleTimer != nil {
		in.idleTimer.Stop()
	}
	in.idleTimer = time.AfterFunc(in.opts.IdleTimeout, in.idleFire)
}

// idleFire runs when the idle deadline elapses. With work still
// pending the timer is rearmed; otherwise the instance evicts itself
// and tells the pool.
func (in *Instance) idleFire() {
	in.mu.Lock()
	if in.state != StateReady {
		in.mu.Unlock()
		return
	}
	if len(in.pending) > 0 {
		in.touchLocked()
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()

	logger.Slog().Info("idle timeout, evicting instance", "tenant_id", in.tenantID)
	in.terminate("idle")
	if in.onIdle != nil {
		in.onIdle()
	}
}

// PendingCount reports the number of in-flight requests.
func (in *Instance) PendingCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}
