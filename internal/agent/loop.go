// Package agent runs conversations. For every inbound message it drives
// the model/tool exchange to a final answer, keeps per-session failover
// state, and routes the reply back to the channel it came from.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/events"
	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/memory"
	"github.com/nugget/yak/internal/toolcall"
	"github.com/nugget/yak/internal/tools"
)

// SystemChannel carries messages from background tasks. Their ChatID
// is "origin_channel:origin_chat_id".
const SystemChannel = "system"

// DefaultMaxIterations bounds the model/tool exchange of one turn.
const DefaultMaxIterations = 20

const (
	noResponseContent     = "I've completed processing but have no response to give."
	backgroundDoneContent = "Background task completed."
	workAckContent        = "On it! Generating your video (this can take a couple minutes)..."
	videoReadyContent     = "Here is your video!"

	// escapeHatchSignature is the upstream parser failure that, when a
	// tool already produced a result this turn, ends the turn with that
	// result instead of the error.
	escapeHatchSignature = "Value looks like object, but " + llm.ParserDefectSignature

	consumeTimeout  = time.Second
	workerQueueSize = 32
)

// Config tunes the loop.
type Config struct {
	Model             string
	FallbackModel     string
	FailoverThreshold int
	MaxIterations     int
	// MediaChannels can carry video attachments. Work
	// acknowledgements and media replies are only sent there.
	MediaChannels []string
	// HistoryLimit caps the persisted messages replayed per turn.
	HistoryLimit int
	// SessionIdle is how long a session worker waits before exiting.
	SessionIdle time.Duration
}

// SessionStore persists conversation history per session key.
type SessionStore interface {
	History(ctx context.Context, key string, limit int) ([]llm.Message, error)
	Append(ctx context.Context, key string, msgs ...llm.Message) error
}

// ToolRecorder persists tool invocations.
type ToolRecorder interface {
	RecordToolCall(ctx context.Context, tc memory.ToolCall) error
}

// ToolRegistry executes tools and describes them to the model.
type ToolRegistry interface {
	Executor
	List() []map[string]any
}

// Intake is the message bus as seen by the loop.
type Intake interface {
	ConsumeInbound(ctx context.Context, timeout time.Duration) (bus.InboundMessage, error)
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// Deps are the loop's collaborators. Provider, Tools, Sessions and
// Intake are required.
type Deps struct {
	Provider llm.Provider
	Tools    ToolRegistry
	Sessions SessionStore
	Intake   Intake
	Context  *ContextBuilder
	Recorder ToolRecorder
	Events   *events.Bus
	Logger   *slog.Logger
}

// Result describes a finished turn.
type Result struct {
	Content      string
	Model        string
	FinishReason string
	Iterations   int
	InputTokens  int
	OutputTokens int
	// Delivered reports that a media reply already went out, replacing
	// the normal reply.
	Delivered bool
}

// Loop is the conversation orchestrator.
type Loop struct {
	cfg      Config
	provider llm.Provider
	tools    ToolRegistry
	sessions SessionStore
	intake   Intake
	context  *ContextBuilder
	recorder ToolRecorder
	events   *events.Bus
	logger   *slog.Logger
	media    map[string]bool

	mu sync.Mutex
	// failover is never pruned: a session that has switched to the
	// fallback model must not drift back after going idle.
	failover map[string]*Failover
	locks    map[string]*sessionLock
	workers  map[string]*worker
	wg       sync.WaitGroup
}

type worker struct {
	queue chan bus.InboundMessage
	// pending counts messages handed to this worker and not yet
	// received from queue. Guarded by Loop.mu.
	pending int
}

// sessionLock is a per-session mutex that is dropped from Loop.locks
// once nobody holds or waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int // guarded by Loop.mu
}

// New creates a loop.
func New(cfg Config, d Deps) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 5 * time.Minute
	}
	cfg.FailoverThreshold = max(1, cfg.FailoverThreshold)
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Context == nil {
		d.Context = NewContextBuilder("", nil)
	}

	media := make(map[string]bool, len(cfg.MediaChannels))
	for _, ch := range cfg.MediaChannels {
		media[ch] = true
	}

	return &Loop{
		cfg:      cfg,
		provider: d.Provider,
		tools:    d.Tools,
		sessions: d.Sessions,
		intake:   d.Intake,
		context:  d.Context,
		recorder: d.Recorder,
		events:   d.Events,
		logger:   d.Logger,
		media:    media,
		failover: make(map[string]*Failover),
		locks:    make(map[string]*sessionLock),
		workers:  make(map[string]*worker),
	}
}

// Run consumes inbound messages until ctx is cancelled. Each session
// gets its own worker, so one slow conversation does not hold up the
// others while messages within a session stay in order.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started", "model", l.cfg.Model, "fallback_model", l.cfg.FallbackModel)
	defer l.wg.Wait()

	for {
		msg, err := l.intake.ConsumeInbound(ctx, consumeTimeout)
		if errors.Is(err, bus.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("agent loop stopping")
				return nil
			}
			return fmt.Errorf("consume inbound: %w", err)
		}
		l.dispatch(ctx, msg)
	}
}

// ActiveSessions returns the number of running session workers.
func (l *Loop) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// ActiveModel returns the model a session currently uses.
func (l *Loop) ActiveModel(sessionKey string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.failover[sessionKey]; ok {
		return f.Model()
	}
	return l.cfg.Model
}

func (l *Loop) dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := routeKey(msg)

	l.mu.Lock()
	w, ok := l.workers[key]
	if !ok {
		w = &worker{queue: make(chan bus.InboundMessage, workerQueueSize)}
		l.workers[key] = w
		l.wg.Add(1)
		go l.runWorker(ctx, key, w)
	}
	w.pending++
	l.mu.Unlock()

	// The send happens outside l.mu: the worker needs l.mu to finish
	// its turn and drain the queue. It only exits idle with pending at
	// zero, so the send cannot be stranded.
	select {
	case w.queue <- msg:
	case <-ctx.Done():
	}
}

func (l *Loop) runWorker(ctx context.Context, key string, w *worker) {
	defer l.wg.Done()
	idle := time.NewTimer(l.cfg.SessionIdle)
	defer idle.Stop()

	for {
		select {
		case msg := <-w.queue:
			l.mu.Lock()
			w.pending--
			l.mu.Unlock()
			l.handle(ctx, msg)
			idle.Reset(l.cfg.SessionIdle)
		case <-idle.C:
			l.mu.Lock()
			if w.pending == 0 {
				delete(l.workers, key)
				l.mu.Unlock()
				l.logger.Debug("session worker idle, exiting", "session", key)
				return
			}
			l.mu.Unlock()
			idle.Reset(l.cfg.SessionIdle)
		case <-ctx.Done():
			l.mu.Lock()
			delete(l.workers, key)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	out, err := l.Process(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.logger.Error("error processing message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"error", err,
		)
		channel, chatID := replyTarget(msg)
		l.publish(ctx, bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: "Sorry, I encountered an error: " + err.Error(),
		})
		return
	}
	if out != nil {
		l.publish(ctx, *out)
	}
}

func (l *Loop) publish(ctx context.Context, msg bus.OutboundMessage) {
	if err := l.intake.PublishOutbound(ctx, msg); err != nil {
		l.logger.Error("publish outbound failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
	}
}

// Process handles one inbound message and returns the reply to send,
// or nil when the reply was already delivered as a media message.
func (l *Loop) Process(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	if msg.Channel == SystemChannel {
		return l.processSystem(ctx, msg)
	}
	out, _, err := l.process(ctx, msg, msg.SessionKey())
	return out, err
}

// ProcessDirect runs content through the loop outside the bus, for the
// CLI, the HTTP API and scheduled prompts. Empty arguments default to
// session "cli:direct" on channel "cli", chat "direct".
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	res, err := l.ProcessDirectResult(ctx, content, sessionKey, channel, chatID)
	if err != nil || res == nil {
		return "", err
	}
	if res.Delivered {
		return "", nil
	}
	return res.Content, nil
}

// ProcessDirectResult is ProcessDirect returning the full turn result.
func (l *Loop) ProcessDirectResult(ctx context.Context, content, sessionKey, channel, chatID string) (*Result, error) {
	if sessionKey == "" {
		sessionKey = "cli:direct"
	}
	if channel == "" {
		channel = "cli"
	}
	if chatID == "" {
		chatID = "direct"
	}
	msg := bus.InboundMessage{
		Channel:   channel,
		SenderID:  "user",
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
	}
	_, res, err := l.process(ctx, msg, sessionKey)
	return res, err
}

// turn carries what runTurn needs to know about the message it serves.
type turn struct {
	requestID    string
	sessionKey   string
	channel      string
	chatID       string
	messageID    string
	metadata     map[string]any
	media        bool
	emptyContent string
}

func (l *Loop) process(ctx context.Context, msg bus.InboundMessage, key string) (*bus.OutboundMessage, *Result, error) {
	unlock := l.lockSession(key)
	defer unlock()

	t := turn{
		requestID:    generateRequestID(),
		sessionKey:   key,
		channel:      msg.Channel,
		chatID:       msg.ChatID,
		messageID:    msg.MetadataString("message_id"),
		metadata:     msg.Metadata,
		media:        l.media[msg.Channel],
		emptyContent: noResponseContent,
	}
	l.logger.Info("processing message",
		"request_id", t.requestID,
		"session", key,
		"sender", msg.SenderID,
		"preview", preview(msg.Content, 80),
	)

	ctx = tools.WithTurn(ctx, tools.Turn{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: key,
		UserID:     msg.SenderID,
		MessageID:  t.messageID,
	})

	history, err := l.sessions.History(ctx, key, l.cfg.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", key, err)
	}
	messages := l.context.Build(ctx, history, msg.Content, msg.Media)

	res, err := l.runTurn(ctx, t, messages)
	if err != nil {
		return nil, nil, err
	}

	if t.media && !res.Delivered {
		if link, ok := videoLink(res.Content); ok {
			res.Content = link
		}
	}

	l.logger.Info("response ready",
		"request_id", t.requestID,
		"session", key,
		"model", res.Model,
		"iterations", res.Iterations,
		"delivered", res.Delivered,
		"preview", preview(res.Content, 120),
	)

	l.save(ctx, key,
		llm.Message{Role: llm.RoleUser, Content: msg.Content},
		llm.Message{Role: llm.RoleAssistant, Content: res.Content},
	)

	if res.Delivered {
		return nil, res, nil
	}
	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  res.Content,
		Metadata: msg.Metadata,
	}, res, nil
}

// processSystem handles a background-task message, answering in the
// session it originated from.
func (l *Loop) processSystem(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	channel, chatID := replyTarget(msg)
	key := channel + ":" + chatID

	unlock := l.lockSession(key)
	defer unlock()

	t := turn{
		requestID:    generateRequestID(),
		sessionKey:   key,
		channel:      channel,
		chatID:       chatID,
		emptyContent: backgroundDoneContent,
	}
	l.logger.Info("processing system message",
		"request_id", t.requestID,
		"session", key,
		"sender", msg.SenderID,
	)

	ctx = tools.WithTurn(ctx, tools.Turn{
		Channel:    channel,
		ChatID:     chatID,
		SessionKey: key,
		UserID:     msg.SenderID,
	})

	history, err := l.sessions.History(ctx, key, l.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	messages := l.context.Build(ctx, history, msg.Content, nil)

	res, err := l.runTurn(ctx, t, messages)
	if err != nil {
		return nil, err
	}

	l.save(ctx, key,
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content)},
		llm.Message{Role: llm.RoleAssistant, Content: res.Content},
	)

	return &bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: res.Content,
	}, nil
}

func (l *Loop) save(ctx context.Context, key string, msgs ...llm.Message) {
	if err := l.sessions.Append(ctx, key, msgs...); err != nil {
		l.logger.Error("save session failed", "session", key, "error", err)
	}
}

// runTurn iterates model calls and tool batches until the model answers
// without calling tools, a media reply goes out, or the iteration cap
// is reached.
func (l *Loop) runTurn(ctx context.Context, t turn, messages []llm.Message) (*Result, error) {
	start := time.Now()
	fo := l.failoverFor(t.sessionKey)
	schemas := l.tools.List()
	exec := &observedExecutor{loop: l, requestID: t.requestID, sessionKey: t.sessionKey}

	l.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": t.requestID,
		"session":    t.sessionKey,
		"channel":    t.channel,
	})

	res := &Result{Model: fo.Model()}
	var lastResults []string
	done := false
	ackSent := false

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		model := fo.Model()
		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": t.requestID,
			"iter":       iter,
			"model":      model,
		})
		resp := l.provider.Chat(ctx, model, messages, schemas)

		res.Iterations = iter + 1
		res.Model = model
		res.InputTokens += resp.Usage.InputTokens
		res.OutputTokens += resp.Usage.OutputTokens
		l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id":    t.requestID,
			"iter":          iter,
			"model":         model,
			"tokens_in":     resp.Usage.InputTokens,
			"tokens_out":    resp.Usage.OutputTokens,
			"tool_calls":    len(resp.ToolCalls),
			"finish_reason": resp.FinishReason,
		})

		if resp.IsError() && strings.Contains(resp.Content, escapeHatchSignature) && len(lastResults) > 0 {
			l.logger.Warn("upstream parser defect after tool results, answering with last result",
				"request_id", t.requestID,
				"model", model,
				"iter", iter,
			)
			res.Content = lastResults[len(lastResults)-1]
			res.FinishReason = "stop"
			done = true
			break
		}

		calls := resp.ToolCalls
		native := len(calls) > 0
		if !native {
			calls = toolcall.Resolve(resp.Content)
			if len(calls) > 0 {
				l.logger.Info("parsed tool calls from assistant text", "request_id", t.requestID, "calls", len(calls))
			}
		}

		if len(calls) == 0 {
			fo.Reset()
			res.Content = resp.Content
			res.FinishReason = resp.FinishReason
			done = true
			break
		}

		if t.media && !ackSent && hasCall(calls, tools.WorkflowToolName) {
			ackSent = true
			l.publish(ctx, bus.OutboundMessage{
				Channel:  t.channel,
				ChatID:   t.chatID,
				Content:  workAckContent,
				ReplyTo:  t.messageID,
				Metadata: t.metadata,
			})
		}

		// Text recovered from free-form output is not replayed: its
		// JSON-ish shape is what trips the upstream parser.
		assistant := llm.Message{Content: resp.Content, Reasoning: resp.Reasoning}
		if !native {
			assistant = llm.Message{}
		}
		var results []string
		messages, results = ApplyToolCalls(ctx, exec, messages, calls, assistant, native)
		lastResults = results

		fo.Record(results)
		if from, ok := fo.Maybe(); ok {
			l.logger.Warn("switched model after consecutive tool failures",
				"session", t.sessionKey,
				"from", from,
				"to", fo.Model(),
				"threshold", l.cfg.FailoverThreshold,
			)
			l.events.Emit(events.SourceAgent, events.KindFailover, map[string]any{
				"session":  t.sessionKey,
				"from":     from,
				"to":       fo.Model(),
				"failures": l.cfg.FailoverThreshold,
			})
		}

		if t.media {
			if out, ok := mediaReply(calls, results); ok {
				out.Channel = t.channel
				out.ChatID = t.chatID
				out.ReplyTo = t.messageID
				out.Metadata = t.metadata
				l.publish(ctx, out)
				res.Delivered = true
				res.Content = ""
				res.FinishReason = "stop"
				done = true
				break
			}
		}
	}

	if !done {
		l.logger.Warn("iteration limit reached", "request_id", t.requestID, "max_iterations", l.cfg.MaxIterations)
		res.Content = t.emptyContent
		res.FinishReason = "max_iterations"
	}

	l.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id":       t.requestID,
		"session":          t.sessionKey,
		"channel":          t.channel,
		"model":            res.Model,
		"iterations":       res.Iterations,
		"total_tokens_in":  res.InputTokens,
		"total_tokens_out": res.OutputTokens,
		"elapsed_ms":       time.Since(start).Milliseconds(),
	})
	return res, nil
}

// failoverFor returns the session's failover state, creating it on
// first use.
func (l *Loop) failoverFor(key string) *Failover {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.failover[key]
	if !ok {
		f = NewFailover(l.cfg.Model, l.cfg.FallbackModel, l.cfg.FailoverThreshold)
		l.failover[key] = f
	}
	return f
}

// lockSession serializes turns of one session between the bus workers
// and direct callers.
func (l *Loop) lockSession(key string) func() {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &sessionLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// observedExecutor runs tools through the registry, emitting events
// and recording each call.
type observedExecutor struct {
	loop       *Loop
	requestID  string
	sessionKey string
}

func (o *observedExecutor) Execute(ctx context.Context, name string, args map[string]any) string {
	l := o.loop
	start := time.Now()

	argJSON, _ := json.Marshal(args)
	l.logger.Info("tool call", "request_id", o.requestID, "tool", name, "args", preview(string(argJSON), 200))
	l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": o.requestID,
		"tool":       name,
	})

	result := l.tools.Execute(ctx, name, args)
	elapsed := time.Since(start)
	failed := IsToolFailure(result)

	l.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  o.requestID,
		"tool":        name,
		"ok":          !failed,
		"duration_ms": elapsed.Milliseconds(),
	})
	if failed {
		l.logger.Warn("tool failed", "request_id", o.requestID, "tool", name, "result", preview(result, 200))
	}

	if l.recorder != nil {
		err := l.recorder.RecordToolCall(ctx, memory.ToolCall{
			SessionKey: o.sessionKey,
			ToolName:   name,
			Arguments:  args,
			Result:     result,
			Failed:     failed,
			StartedAt:  start,
			Duration:   elapsed,
		})
		if err != nil {
			l.logger.Warn("record tool call failed", "tool", name, "error", err)
		}
	}
	return result
}

// mediaReply builds the reply for the first workflow call whose result
// references a delivered video.
func mediaReply(calls []llm.ToolCall, results []string) (bus.OutboundMessage, bool) {
	for i, tc := range calls {
		if tc.Function.Name != tools.WorkflowToolName || i >= len(results) {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(results[i]), &obj); err != nil {
			continue
		}
		videoPath, _ := obj["video_path"].(string)
		remoteURL, _ := obj["remote_url"].(string)

		out := bus.OutboundMessage{MessageType: bus.TypeVideo}
		switch {
		case strings.TrimSpace(videoPath) != "":
			out.Content = videoReadyContent
			out.Attachments = []bus.MediaAttachment{{
				Type:     bus.TypeVideo,
				Path:     videoPath,
				Filename: filepath.Base(videoPath),
			}}
		case strings.TrimSpace(remoteURL) != "":
			out.Content = "Video link: " + remoteURL
		default:
			continue
		}
		return out, true
	}
	return bus.OutboundMessage{}, false
}

// videoLink turns a final answer that is a raw successful tool result
// into a short link message.
func videoLink(content string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return "", false
	}
	if obj["status"] != "ok" {
		return "", false
	}
	u, _ := obj["remote_url"].(string)
	if u == "" {
		return "", false
	}
	return "Video link: " + u, true
}

func hasCall(calls []llm.ToolCall, name string) bool {
	for _, tc := range calls {
		if tc.Function.Name == name {
			return true
		}
	}
	return false
}

// routeKey is the session a message is processed in.
func routeKey(msg bus.InboundMessage) string {
	if msg.Channel == SystemChannel {
		channel, chatID := replyTarget(msg)
		return channel + ":" + chatID
	}
	return msg.SessionKey()
}

// replyTarget returns where a reply to msg goes. System messages name
// their origin in ChatID; without a channel part the origin is the CLI.
func replyTarget(msg bus.InboundMessage) (channel, chatID string) {
	if msg.Channel != SystemChannel {
		return msg.Channel, msg.ChatID
	}
	if ch, id, ok := strings.Cut(msg.ChatID, ":"); ok {
		return ch, id
	}
	return "cli", msg.ChatID
}

// generateRequestID returns "r_" plus eight hex characters.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// preview shortens s to at most n bytes for logging without splitting
// a UTF-8 sequence.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
