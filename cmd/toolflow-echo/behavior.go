package main

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/meow-stack/toolflow/internal/rpc"
)

// codeToolFailed is the error code returned for simulated failures.
const codeToolFailed = -32000

// behaviorRegexCache caches compiled regular expressions.
var behaviorRegexCache = struct {
	sync.RWMutex
	cache map[string]*regexp.Regexp
}{
	cache: make(map[string]*regexp.Regexp),
}

// matchBehavior finds the first behavior of tool that matches args.
// Returns nil when none matches.
func (e *EchoServer) matchBehavior(tool *ToolConfig, args map[string]any) *Behavior {
	for i := range tool.Behaviors {
		b := &tool.Behaviors[i]
		text := matchText(b, args)
		if matches(b, text) {
			e.logger.Debug("behavior matched",
				"tool", tool.Name,
				"pattern", b.Match,
				"type", b.Type,
				"text", truncate(text, 50),
			)
			return b
		}
	}
	return nil
}

// matchText returns the text a behavior is matched against.
func matchText(b *Behavior, args map[string]any) string {
	if b.Field != "" {
		v, ok := args[b.Field]
		if !ok {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		data, _ := json.Marshal(v)
		return string(data)
	}
	data, _ := json.Marshal(args)
	return string(data)
}

// matches checks if a behavior pattern matches text.
func matches(b *Behavior, text string) bool {
	switch b.Type {
	case "regex":
		return matchRegex(b.Match, text)
	default:
		return strings.Contains(text, b.Match)
	}
}

// matchRegex performs regex matching with caching.
func matchRegex(pattern, text string) bool {
	behaviorRegexCache.RLock()
	re, ok := behaviorRegexCache.cache[pattern]
	behaviorRegexCache.RUnlock()

	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			// Invalid regex, no match
			return false
		}
		behaviorRegexCache.Lock()
		behaviorRegexCache.cache[pattern] = re
		behaviorRegexCache.Unlock()
	}

	return re.MatchString(text)
}

// handleCall runs one tools/call against tool.
func (e *EchoServer) handleCall(ctx context.Context, tool *ToolConfig, args map[string]any) (any, error) {
	action := tool.Default
	key := tool.Name
	if b := e.matchBehavior(tool, args); b != nil {
		action = b.Action
		key = tool.Name + ":" + b.Match
	}
	if action.Type == "" {
		action.Type = ActionEcho
	}

	e.logger.Debug("executing action",
		"tool", tool.Name,
		"action_type", action.Type,
		"delay", e.config.delayFor(action),
	)

	if delay := e.config.delayFor(action); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.sendNotifications(ctx, action.Notifications)

	switch action.Type {
	case ActionEcho:
		return args, nil
	case ActionComplete:
		return e.result(key, action), nil
	case ActionFail:
		return nil, actionFail(action)
	case ActionFailThenSucceed:
		return e.actionFailThenSucceed(key, action)
	case ActionHang:
		return e.actionHang(ctx)
	case ActionCrash:
		return e.actionCrash(action)
	default:
		e.logger.Warn("unknown action type, defaulting to echo", "type", action.Type)
		return args, nil
	}
}

// result returns the action's result. With a ResultSequence it returns the
// entry for the current call count, repeating the last one once the
// sequence is exhausted.
func (e *EchoServer) result(key string, action Action) any {
	if len(action.ResultSequence) == 0 {
		if action.Result == nil {
			return map[string]any{}
		}
		return action.Result
	}

	e.mu.Lock()
	idx := e.sequenceCounts[key]
	e.sequenceCounts[key]++
	e.mu.Unlock()

	if idx >= len(action.ResultSequence) {
		idx = len(action.ResultSequence) - 1
	}

	e.logger.Debug("using result from sequence",
		"index", idx,
		"total", len(action.ResultSequence),
	)
	return action.ResultSequence[idx]
}

// actionFail returns the simulated failure.
func actionFail(action Action) error {
	message := action.FailMessage
	if message == "" {
		message = "An error occurred"
	}
	return &rpc.Error{Code: codeToolFailed, Message: message}
}

// actionFailThenSucceed fails FailCount times, then succeeds.
func (e *EchoServer) actionFailThenSucceed(key string, action Action) (any, error) {
	failCount := action.FailCount
	if failCount == 0 {
		failCount = 1
	}

	e.mu.Lock()
	e.attemptCounts[key]++
	attempt := e.attemptCounts[key]
	if attempt > failCount {
		// Reset for the next round of calls.
		delete(e.attemptCounts, key)
	}
	e.mu.Unlock()

	if attempt <= failCount {
		e.logger.Debug("fail_then_succeed: failing",
			"attempt", attempt,
			"max_failures", failCount,
		)
		message := action.FailMessage
		if message == "" {
			message = fmt.Sprintf("Simulated failure (attempt %d/%d)", attempt, failCount)
		}
		return nil, &rpc.Error{Code: codeToolFailed, Message: message}
	}

	e.logger.Debug("fail_then_succeed: succeeding",
		"attempt", attempt,
		"total_failures", failCount,
	)
	return e.result(key, action), nil
}

// actionHang blocks until the server shuts down.
func (e *EchoServer) actionHang(ctx context.Context) (any, error) {
	e.logger.Info("hanging until shutdown")
	<-ctx.Done()
	return nil, ctx.Err()
}

// actionCrash exits the process.
func (e *EchoServer) actionCrash(action Action) (any, error) {
	exitCode := action.ExitCode
	if exitCode == 0 {
		exitCode = 1
	}
	e.logger.Info("crashing", "exit_code", exitCode)
	e.exit(exitCode)
	return nil, fmt.Errorf("exited with code %d", exitCode)
}

// sendNotifications sends notifications according to their timing.
// They are sent in listed order without sorting.
func (e *EchoServer) sendNotifications(ctx context.Context, notes []NotifyDef) {
	if len(notes) == 0 || e.notifier == nil {
		return
	}

	startTime := time.Now()
	for _, n := range notes {
		if wait := time.Until(startTime.Add(n.When)); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		e.logger.Debug("sending notification", "method", n.Method, "params", n.Params)
		if err := e.notifier.Notify(n.Method, n.Params); err != nil {
			e.logger.Warn("failed to send notification", "method", n.Method, "error", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
