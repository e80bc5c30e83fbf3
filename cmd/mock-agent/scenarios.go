package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/stoneforge-ai/stoneforge/internal/session"
)

type scenario int

const (
	scenarioEcho scenario = iota
	scenarioSleep
	scenarioRateLimit
	scenarioFail
)

// pickScenario maps prompt keywords to canned behaviors. Echo is the
// default: most smoke runs just want to see the round trip.
func pickScenario(prompt string) scenario {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "rate-limit"), strings.Contains(p, "rate limit"):
		return scenarioRateLimit
	case strings.Contains(p, "fail"):
		return scenarioFail
	case strings.Contains(p, "sleep"):
		return scenarioSleep
	default:
		return scenarioEcho
	}
}

// sleepSeconds pulls the first integer out of the prompt, defaulting to 1.
func sleepSeconds(prompt string) int {
	field := ""
	for _, r := range prompt {
		if unicode.IsDigit(r) {
			field += string(r)
			continue
		}
		if field != "" {
			break
		}
	}
	if n, err := strconv.Atoi(field); err == nil && n > 0 {
		return n
	}
	return 1
}

func runScenario(out *emitter, prompt string) {
	switch pickScenario(prompt) {
	case scenarioRateLimit:
		// Phrased the way providers announce limits, so the session
		// manager's parser picks it up.
		out.emit(session.AgentEvent{
			Type:    session.EventAssistant,
			Message: "I've hit my rate limit. It resets tomorrow at 9am (America/New_York).",
		})
		out.emit(session.AgentEvent{Type: session.EventResult, Message: "rate limited"})

	case scenarioFail:
		out.emit(session.AgentEvent{
			Type:    session.EventResult,
			Message: "simulated failure: " + prompt,
			IsError: true,
		})
		out.emit(session.AgentEvent{Type: session.EventExit, ExitCode: 1})
		os.Exit(1)

	case scenarioSleep:
		secs := sleepSeconds(prompt)
		out.emit(session.AgentEvent{
			Type:    session.EventToolUse,
			Tool:    "sleep",
			Input:   map[string]any{"seconds": secs},
			Message: fmt.Sprintf("sleeping %ds", secs),
		})
		time.Sleep(time.Duration(secs) * time.Second)
		out.emit(session.AgentEvent{Type: session.EventResult, Message: "slept"})

	default:
		out.emit(session.AgentEvent{Type: session.EventAssistant, Message: "echo: " + prompt})
		out.emit(session.AgentEvent{Type: session.EventResult, Message: prompt})
	}
}
