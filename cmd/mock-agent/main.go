// Package main implements mock-agent, the reference implementation of the
// stoneforged spawn contract. It emits NDJSON agent events on stdout,
// reads user message lines from stdin, and picks canned scenarios from
// prompt keywords for development and smoke runs.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/stoneforge-ai/stoneforge/internal/session"
)

// emitter serializes NDJSON writes; the signal handler and the main loop
// both emit.
type emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEmitter() *emitter {
	return &emitter{enc: json.NewEncoder(os.Stdout)}
}

func (e *emitter) emit(ev session.AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(ev); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode error: %v\n", err)
	}
}

// parseArgs splits the invocation into the resumed provider session id (if
// any) and the initial prompt, which the daemon passes as the last
// positional argument.
func parseArgs(args []string) (resume, prompt string) {
	for i := 0; i < len(args); i++ {
		if args[i] == "--resume" && i+1 < len(args) {
			resume = args[i+1]
			i++
			continue
		}
		prompt = args[i]
	}
	return resume, prompt
}

func main() {
	resume, prompt := parseArgs(os.Args[1:])

	providerID := resume
	if providerID == "" {
		providerID = fmt.Sprintf("mock-%d", os.Getpid())
	}

	out := newEmitter()
	out.emit(session.AgentEvent{Type: session.EventInit, ProviderSessionID: providerID})

	// A signal is a clean shutdown: announce it and leave.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		out.emit(session.AgentEvent{Type: session.EventExit, Message: "signalled"})
		os.Exit(0)
	}()

	if prompt != "" {
		runScenario(out, prompt)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		runScenario(out, line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
	}

	out.emit(session.AgentEvent{Type: session.EventExit})
}
