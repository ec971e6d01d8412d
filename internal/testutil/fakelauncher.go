// Package testutil provides test doubles shared across packages: a
// scripted fake launcher whose processes speak line-delimited JSON-RPC,
// and identity fixtures.
package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/seomcp/gateway/internal/jsonrpc"
	"github.com/seomcp/gateway/internal/launcher"
)

// fakeProtocolVersion is what the fake child reports in its initialize
// reply.
const fakeProtocolVersion = "2025-03-26"

// DefaultTools is the canned tools/list result of a fake child.
var DefaultTools = []map[string]any{
	{
		"name":        "keyword_density",
		"description": "Compute keyword density for a page",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "meta_extract",
		"description": "Extract meta tags from a page",
		"inputSchema": map[string]any{"type": "object"},
	},
}

// FakeLauncher implements launcher.Launcher with in-memory processes.
// All fields must be set before the first Start.
type FakeLauncher struct {
	// FailStarts makes the first N Start calls return an error.
	FailStarts int

	// Behavior, when set, overrides the default reply for every
	// request except initialize. Returning nil drops the request
	// (no reply is ever written).
	Behavior func(req *jsonrpc.Request) *jsonrpc.Response

	// SilentMethods never receive a reply; the caller's timeout fires.
	SilentMethods map[string]bool

	// RejectHandshake makes the fake child answer initialize with a
	// JSON-RPC error.
	RejectHandshake bool

	mu     sync.Mutex
	starts int
	procs  []*FakeProcess
}

// NewFakeLauncher creates a launcher whose children handshake
// successfully and answer tools/list and tools/call with canned
// results.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

// Start spawns a fake process unless the failure budget says otherwise.
func (l *FakeLauncher) Start(ctx context.Context, spec launcher.Spec) (launcher.Process, error) {
	l.mu.Lock()
	l.starts++
	if l.starts <= l.FailStarts {
		l.mu.Unlock()
		return nil, errors.New("fake launcher: scripted start failure")
	}
	p := newFakeProcess(l, spec)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	go p.serve()
	return p, nil
}

func (l *FakeLauncher) Ping(ctx context.Context) error { return nil }
func (l *FakeLauncher) Name() string                   { return "fake" }
func (l *FakeLauncher) Close() error                   { return nil }

// StartCalls reports how many times Start was invoked, failures
// included.
func (l *FakeLauncher) StartCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

// LastProcess returns the most recently started fake process, or nil.
func (l *FakeLauncher) LastProcess() *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// FakeProcess is one scripted child. Its serve loop reads requests
// from stdin and writes replies to stdout until stdin closes or Exit
// is called.
type FakeProcess struct {
	owner *FakeLauncher
	Spec  launcher.Spec

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exitCh   chan int
}

func newFakeProcess(owner *FakeLauncher, spec launcher.Spec) *FakeProcess {
	p := &FakeProcess{
		owner:  owner,
		Spec:   spec,
		exitCh: make(chan int, 1),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader     { return p.stderrR }

// Wait blocks until Exit, Kill, or stdin close.
func (p *FakeProcess) Wait() (int, error) {
	code := <-p.exitCh
	return code, nil
}

// Signal treats SIGTERM as a clean exit request and ignores the rest.
func (p *FakeProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.Exit(0)
	}
	return nil
}

// Kill terminates the fake child with the conventional SIGKILL code.
func (p *FakeProcess) Kill() error {
	p.Exit(137)
	return nil
}

// Exit simulates the child exiting with code. Safe to call more than
// once; only the first call counts.
func (p *FakeProcess) Exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.exitCh <- code
	})
}

// serve is the fake child's main loop.
func (p *FakeProcess) serve() {
	defer p.Exit(0)

	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if resp := p.reply(&req); resp != nil {
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			if _, err := p.stdoutW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}
}

func (p *FakeProcess) reply(req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}

	if p.owner.SilentMethods[req.Method] {
		return nil
	}

	if req.Method == "initialize" {
		if p.owner.RejectHandshake {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, "unsupported protocol version", nil)
		}
		return canned(req.ID, map[string]any{
			"protocolVersion": fakeProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-child", "version": "0.0.0"},
		})
	}
	if p.owner.Behavior != nil {
		return p.owner.Behavior(req)
	}

	switch req.Method {
	case "tools/list":
		return canned(req.ID, map[string]any{"tools": DefaultTools})
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return canned(req.ID, map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": fmt.Sprintf("fake result for %s", params.Name)},
			},
		})
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func canned(id any, result map[string]any) *jsonrpc.Response {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return jsonrpc.NewResponse(id, data)
}
