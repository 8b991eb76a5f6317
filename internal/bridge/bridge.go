// Package bridge routes hook events to chat threads and chat replies back
// into terminal panes. One Bridge instance serves one bot identity against
// one forum chat; independent daemons may share the chat, each acting only
// on threads its own store owns.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xcawolfe-amzn/ccbridge/internal/config"
	"github.com/xcawolfe-amzn/ccbridge/internal/event"
	"github.com/xcawolfe-amzn/ccbridge/internal/store"
	"github.com/xcawolfe-amzn/ccbridge/internal/telegram"
	"github.com/xcawolfe-amzn/ccbridge/internal/tmux"
)

const reaperInterval = 5 * time.Minute

// Chat is the adapter surface the bridge needs. Satisfied by
// telegram.Adapter; faked in tests.
type Chat interface {
	Send(threadID int64, text string, buttons [][]telegram.Button) (int64, error)
	CreateTopic(name string, iconColor int) (int64, error)
	CloseTopic(threadID int64) error
	ReopenTopic(threadID int64) error
	RemoveButtons(messageID int64) error
	AnswerCallback(callbackID, text string) error
}

// PaneInjector delivers text and keys into tmux panes. Satisfied by
// tmux.Injector.
type PaneInjector interface {
	Validate(t tmux.Target) error
	Inject(t tmux.Target, text string) error
	SendKey(t tmux.Target, key string) error
	SendSlashCommand(t tmux.Target, command string) error
	DetectPane() (tmux.Target, error)
}

// Broadcaster pushes frames to every connected hook. Satisfied by
// ipc.Server.
type Broadcaster interface {
	Broadcast(frame []byte)
}

// Bridge is the event router. All in-memory caches live here; the store is
// the source of truth and caches rebuild lazily on miss.
type Bridge struct {
	cfg    *config.Config
	store  *store.Store
	chat   Chat
	inj    PaneInjector
	logger *log.Logger

	// ipc is set after the IPC server starts; nil in early startup and in
	// tests that don't exercise broadcast.
	ipc Broadcaster

	coord *coordinator

	mu         sync.Mutex
	targets    map[string]tmux.Target
	compacting map[string]bool

	dedup      *ttlCache[string, struct{}]
	toolInputs *ttlCache[string, json.RawMessage]

	// newID mints approval and details ids. Overridden in tests.
	newID func() string

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New wires a bridge. Call SetBroadcaster once the IPC server is up, then
// StartReaper.
func New(cfg *config.Config, st *store.Store, chat Chat, inj PaneInjector, logger *log.Logger) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		store:      st,
		chat:       chat,
		inj:        inj,
		logger:     logger,
		targets:    make(map[string]tmux.Target),
		compacting: make(map[string]bool),
		dedup:      newTTLCache[string, struct{}](cfg.DedupTTL),
		toolInputs: newTTLCache[string, json.RawMessage](5 * time.Minute),
		newID:      func() string { return uuid.NewString() },
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	b.coord = newCoordinator(st, b.createTopic, cfg.ThreadWaitTimeout)
	return b
}

// SetBroadcaster attaches the IPC server for approval responses.
func (b *Bridge) SetBroadcaster(bc Broadcaster) { b.ipc = bc }

func (b *Bridge) createTopic(sess *store.Session) (int64, error) {
	name := topicName(sess.Hostname, sess.ProjectDir, sess.ID)
	return b.chat.CreateTopic(name, topicColor(sess.ID))
}

// HandleEvent is the IPC handler. Per-event failures are logged and
// swallowed; they never tear down the daemon.
func (b *Bridge) HandleEvent(ev event.Event) {
	if err := b.dispatch(ev); err != nil {
		b.logger.Printf("event %s for %s: %v", ev.Kind(), ev.SessionID(), err)
	}
}

func (b *Bridge) dispatch(ev event.Event) error {
	switch e := ev.(type) {
	case event.Unknown:
		b.logger.Printf("dropping unknown event type %q: %s", e.Name, e.Raw)
		return nil
	case event.ApprovalResponse:
		// Outbound-only type; inbound copies are echoes of our own broadcast.
		return nil
	}

	// Touch first so even render failures keep the session warm.
	if err := b.store.Touch(ev.SessionID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	b.healTarget(ev)

	// session_end never creates a session: ending something that was never
	// seen is a no-op.
	if _, isEnd := ev.(event.SessionEnd); isEnd {
		sess, err := b.store.Get(ev.SessionID())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				b.logger.Printf("session_end for unknown session %s", ev.SessionID())
				return nil
			}
			return err
		}
		return b.endSession(sess, "🔚 session ended", store.StatusEnded)
	}

	sess, err := b.ensureSession(ev)
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case event.SessionStart:
		// Current hooks no longer emit this; accepted for old ones.
		if b.cfg.Verbose {
			_, err = b.post(sess, "🟢 session started")
		}
		return err
	case event.AgentResponse:
		_, err = b.post(sess, renderAgentResponse(e))
		return err
	case event.ToolStart:
		return b.handleToolStart(sess, e)
	case event.ToolResult:
		if !b.cfg.Verbose {
			return nil
		}
		_, err = b.post(sess, renderToolResult(e))
		return err
	case event.UserInput:
		return b.handleUserInput(sess, e)
	case event.ApprovalRequest:
		return b.handleApprovalRequest(sess, e)
	case event.ErrorEvent:
		_, err = b.post(sess, renderError(e))
		return err
	case event.TurnComplete:
		return b.handleTurnComplete(sess)
	case event.PreCompact:
		b.setCompacting(sess.ID, true)
		_, err = b.post(sess, fmt.Sprintf("📦 compacting context (%s)", e.Trigger))
		return err
	case event.Command:
		_, err = b.post(sess, renderCommand(e))
		return err
	default:
		return nil
	}
}

// healTarget persists a changed pane address from event metadata. This is
// how the daemon follows the CLI when the user moves it to a new pane.
func (b *Bridge) healTarget(ev event.Event) {
	meta := ev.Metadata()
	if meta.TmuxTarget == "" {
		return
	}
	next := tmux.Target{Pane: meta.TmuxTarget, Socket: meta.TmuxSocket}

	b.mu.Lock()
	cur, ok := b.targets[ev.SessionID()]
	if ok && cur == next {
		b.mu.Unlock()
		return
	}
	b.targets[ev.SessionID()] = next
	b.mu.Unlock()

	if err := b.store.SetTmux(ev.SessionID(), next.Pane, next.Socket); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		b.logger.Printf("persisting pane for %s: %v", ev.SessionID(), err)
	}
}

// ensureSession returns the active session row for an event, creating or
// reactivating it as needed. Create is idempotent on id, so concurrent
// first events are safe; topic creation is serialized separately by the
// coordinator.
func (b *Bridge) ensureSession(ev event.Event) (*store.Session, error) {
	id := ev.SessionID()
	sess, err := b.store.Get(id)
	if err == nil {
		if sess.Status != store.StatusActive {
			if err := b.store.Reactivate(id); err != nil {
				return nil, err
			}
			b.logger.Printf("session %s reactivated by %s", id, ev.Kind())
			sess.Status = store.StatusActive
			// The end path closed the topic; sends into a closed topic fail.
			if b.cfg.UseThreads && sess.ThreadID != 0 {
				if err := b.chat.ReopenTopic(sess.ThreadID); err != nil {
					b.logger.Printf("reopening topic for %s: %v", id, err)
				}
			}
		}
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	meta := ev.Metadata()
	hostname := meta.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	sess = &store.Session{
		ID:         id,
		ChatID:     b.cfg.ChatID,
		Hostname:   hostname,
		ProjectDir: meta.ProjectDir,
		TmuxTarget: meta.TmuxTarget,
		TmuxSocket: meta.TmuxSocket,
	}
	if err := b.store.Create(sess); err != nil {
		return nil, err
	}
	b.logger.Printf("session %s created on first %s event", id, ev.Kind())
	return b.store.Get(id)
}

// post sends text into the session's thread, creating the topic on first
// need. A thread timeout drops the message: mis-routing to the channel
// general is worse than losing one message.
func (b *Bridge) post(sess *store.Session, text string, buttons ...[][]telegram.Button) (int64, error) {
	var threadID int64
	if b.cfg.UseThreads {
		var err error
		threadID, err = b.coord.threadFor(sess)
		if err != nil {
			return 0, fmt.Errorf("dropping message for %s: %w", sess.ID, err)
		}
	}

	var kb [][]telegram.Button
	if len(buttons) > 0 {
		kb = buttons[0]
	}
	return b.chat.Send(threadID, text, kb)
}

func (b *Bridge) handleToolStart(sess *store.Session, e event.ToolStart) error {
	text, hasDetails := renderToolStart(e)

	var buttons [][]telegram.Button
	if hasDetails {
		key := b.newID()
		b.toolInputs.Put(key, e.Input)
		buttons = [][]telegram.Button{{{Text: "Details", Data: "details:" + key}}}
	}
	_, err := b.post(sess, text, buttons)
	return err
}

func (b *Bridge) handleUserInput(sess *store.Session, e event.UserInput) error {
	if e.Source == event.SourceTelegram {
		return nil
	}
	// Self-echo: the hook reports text this daemon injected moments ago.
	if _, injected := b.dedup.Take(dedupKey(sess.ID, e.Content)); injected {
		return nil
	}
	if !b.cfg.Verbose {
		return nil
	}
	_, err := b.post(sess, renderUserInput(e))
	return err
}

func (b *Bridge) handleTurnComplete(sess *store.Session) error {
	b.mu.Lock()
	wasCompacting := b.compacting[sess.ID]
	delete(b.compacting, sess.ID)
	b.mu.Unlock()

	if !wasCompacting {
		return nil
	}
	_, err := b.post(sess, "📦 context compaction complete")
	return err
}

func (b *Bridge) setCompacting(sessionID string, v bool) {
	b.mu.Lock()
	if v {
		b.compacting[sessionID] = true
	} else {
		delete(b.compacting, sessionID)
	}
	b.mu.Unlock()
}

// endSession posts a farewell, closes the thread, and marks the session.
// Caches are cleared so a later event rebuilds from the store.
func (b *Bridge) endSession(sess *store.Session, farewell string, status store.Status) error {
	if _, err := b.post(sess, farewell); err != nil {
		b.logger.Printf("farewell for %s: %v", sess.ID, err)
	}
	if b.cfg.UseThreads && sess.ThreadID != 0 {
		if err := b.chat.CloseTopic(sess.ThreadID); err != nil {
			b.logger.Printf("closing topic for %s: %v", sess.ID, err)
		}
	}
	if err := b.store.End(sess.ID, status); err != nil {
		return err
	}

	b.coord.forget(sess.ID)
	b.mu.Lock()
	delete(b.targets, sess.ID)
	delete(b.compacting, sess.ID)
	b.mu.Unlock()
	return nil
}

// --- approvals ---

func (b *Bridge) handleApprovalRequest(sess *store.Session, e event.ApprovalRequest) error {
	if !b.cfg.Approvals {
		_, err := b.post(sess, "🔐 "+telegram.Escape(e.Prompt)+"\n(approvals disabled; respond in the CLI)")
		return err
	}

	a, err := b.store.CreateApproval(b.newID(), sess.ID, e.Prompt, b.cfg.ApprovalTTL)
	if err != nil {
		return err
	}

	buttons := [][]telegram.Button{{
		{Text: "✅ Approve", Data: "approve:" + a.ID},
		{Text: "❌ Reject", Data: "reject:" + a.ID},
		{Text: "🛑 Abort", Data: "abort:" + a.ID},
	}}
	msgID, err := b.post(sess, "🔐 "+telegram.Escape(e.Prompt), buttons)
	if err != nil {
		return err
	}
	return b.store.SetApprovalMessageID(a.ID, msgID)
}

// HandleCallback resolves an approval button press. Late presses after
// expiry or a second press on the same approval become toasts, not errors.
func (b *Bridge) HandleCallback(cb telegram.Callback) {
	verb, key, ok := strings.Cut(cb.Data, ":")
	if !ok {
		b.logger.Printf("malformed callback data %q", cb.Data)
		return
	}

	if verb == "details" {
		b.handleDetails(cb, key)
		return
	}

	var (
		decision event.ApprovalDecision
		status   store.ApprovalStatus
	)
	switch verb {
	case "approve":
		decision, status = event.DecisionApproved, store.ApprovalApproved
	case "reject", "abort":
		decision, status = event.DecisionRejected, store.ApprovalRejected
	default:
		// Stale or foreign callback payloads must never resolve an approval.
		b.logger.Printf("unknown callback verb %q", verb)
		b.answer(cb.ID, "unknown action")
		return
	}

	a, err := b.store.GetApproval(key)
	if err != nil {
		b.answer(cb.ID, "approval not found")
		return
	}

	if err := b.store.ResolveApproval(key, status); err != nil {
		switch {
		case errors.Is(err, store.ErrResolved):
			b.answer(cb.ID, "already resolved")
		default:
			b.logger.Printf("resolving approval %s: %v", key, err)
			b.answer(cb.ID, "error resolving approval")
		}
		return
	}

	if cb.MessageID != 0 {
		if err := b.chat.RemoveButtons(cb.MessageID); err != nil {
			b.logger.Printf("removing approval buttons: %v", err)
		}
	}
	b.broadcastDecision(a.SessionID, key, decision)

	if verb == "abort" {
		if sess, err := b.store.Get(a.SessionID); err == nil {
			if err := b.endSession(sess, "🛑 session aborted", store.StatusAborted); err != nil {
				b.logger.Printf("aborting session %s: %v", a.SessionID, err)
			}
		}
	}
	b.answer(cb.ID, string(decision))
}

func (b *Bridge) handleDetails(cb telegram.Callback, key string) {
	input, ok := b.toolInputs.Get(key)
	if !ok {
		b.answer(cb.ID, "details expired")
		return
	}
	if _, err := b.chat.Send(cb.ThreadID, renderToolDetails(input), nil); err != nil {
		b.logger.Printf("sending tool details: %v", err)
	}
	b.answer(cb.ID, "")
}

func (b *Bridge) broadcastDecision(sessionID, approvalID string, decision event.ApprovalDecision) {
	if b.ipc == nil {
		return
	}
	frame, err := event.MarshalResponse(sessionID, approvalID, decision)
	if err != nil {
		b.logger.Printf("encoding approval response: %v", err)
		return
	}
	b.ipc.Broadcast(frame)
}

func (b *Bridge) answer(callbackID, text string) {
	if err := b.chat.AnswerCallback(callbackID, text); err != nil {
		b.logger.Printf("answering callback: %v", err)
	}
}

// --- inbound chat ---

// HandleMessage routes one chat message back into a terminal pane.
// Messages outside any thread, and messages in threads this daemon's store
// does not own, are ignored silently.
func (b *Bridge) HandleMessage(msg telegram.Incoming) {
	if msg.ThreadID == 0 || strings.TrimSpace(msg.Text) == "" {
		return
	}

	sess, err := b.store.GetByThreadID(msg.ThreadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Printf("looking up thread %d: %v", msg.ThreadID, err)
		}
		return
	}

	target, ok := b.resolveTarget(sess)
	if !ok {
		b.reply(sess, "⚠️ could not send input: no multiplexer session found; send any command in the CLI to refresh the connection")
		return
	}

	cmd := ClassifyInput(msg.Text)
	switch cmd.Kind {
	case CommandInterrupt:
		if err := b.inj.SendKey(target, tmux.KeyEscape); err != nil {
			b.reply(sess, "⚠️ could not deliver Escape: "+injectReason(err))
		}
	case CommandKill:
		if err := b.inj.SendKey(target, tmux.KeyCtrlC); err != nil {
			b.reply(sess, "⚠️ could not deliver Ctrl-C: "+injectReason(err))
		}
	case CommandForward:
		if err := b.inj.SendSlashCommand(target, cmd.Text); err != nil {
			b.reply(sess, "⚠️ could not send command: "+injectReason(err)+"; send any command in the CLI to refresh the connection")
		}
	case CommandLiteral:
		if err := b.inj.Inject(target, cmd.Text); err != nil {
			b.reply(sess, "⚠️ could not send input: "+injectReason(err)+"; send any command in the CLI to refresh the connection")
			return
		}
		// Suppress the hook's echo of this text.
		b.dedup.Put(dedupKey(sess.ID, cmd.Text), struct{}{})
	}

	if err := b.store.Touch(sess.ID); err != nil {
		b.logger.Printf("touching %s: %v", sess.ID, err)
	}
}

// resolveTarget returns the pane for a session, rebuilding the cache from
// the store after eviction or restart.
func (b *Bridge) resolveTarget(sess *store.Session) (tmux.Target, bool) {
	b.mu.Lock()
	target, ok := b.targets[sess.ID]
	b.mu.Unlock()
	if ok && target.Pane != "" {
		return target, true
	}

	if sess.TmuxTarget != "" {
		target = tmux.Target{Pane: sess.TmuxTarget, Socket: sess.TmuxSocket}
		b.mu.Lock()
		b.targets[sess.ID] = target
		b.mu.Unlock()
		return target, true
	}

	// Last resort when metadata never supplied a pane: scan for the CLI.
	// The metadata path overrides this on the next event.
	target, err := b.inj.DetectPane()
	if err != nil {
		return tmux.Target{}, false
	}
	b.logger.Printf("detected pane %s for %s", target.Pane, sess.ID)
	b.mu.Lock()
	b.targets[sess.ID] = target
	b.mu.Unlock()
	if err := b.store.SetTmux(sess.ID, target.Pane, target.Socket); err != nil {
		b.logger.Printf("persisting detected pane for %s: %v", sess.ID, err)
	}
	return target, true
}

// reply posts a failure notice into the session thread. Successes are
// silent: the user already sees their own message in the thread.
func (b *Bridge) reply(sess *store.Session, text string) {
	if _, err := b.post(sess, text); err != nil {
		b.logger.Printf("failure notice for %s: %v", sess.ID, err)
	}
}

func injectReason(err error) string {
	switch {
	case errors.Is(err, tmux.ErrPaneNotFound):
		return "pane not found"
	case errors.Is(err, tmux.ErrNoServer):
		return "no multiplexer session found"
	default:
		return err.Error()
	}
}

func dedupKey(sessionID, text string) string {
	return sessionID + "|" + text
}

// --- reaper ---

// StartReaper runs approval expiry and stale-session cleanup on a timer.
func (b *Bridge) StartReaper() {
	go func() {
		defer close(b.reaperDone)
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopReaper:
				return
			case <-ticker.C:
				b.reap()
			}
		}
	}()
}

// StopReaper ends the reaper loop and waits for the current tick.
func (b *Bridge) StopReaper() {
	close(b.stopReaper)
	<-b.reaperDone
}

func (b *Bridge) reap() {
	b.dedup.Purge()
	b.toolInputs.Purge()
	b.expireApprovals()
	b.reapStaleSessions()
}

func (b *Bridge) expireApprovals() {
	expired, err := b.store.ExpireApprovals()
	if err != nil {
		b.logger.Printf("expiring approvals: %v", err)
		return
	}
	for _, a := range expired {
		b.logger.Printf("approval %s for %s expired", a.ID, a.SessionID)
		if a.MessageID != 0 {
			if err := b.chat.RemoveButtons(a.MessageID); err != nil {
				b.logger.Printf("removing expired approval buttons: %v", err)
			}
		}
	}
}

// reapStaleSessions ends sessions idle past the threshold whose pane is
// gone or has been recycled by another active session. Sessions without a
// known pane are skipped: liveness can't be verified.
func (b *Bridge) reapStaleSessions() {
	stale, err := b.store.StaleCandidates(b.cfg.StaleSessionTimeout)
	if err != nil {
		b.logger.Printf("listing stale sessions: %v", err)
		return
	}

	for _, sess := range stale {
		if sess.TmuxTarget == "" {
			continue
		}

		paneGone := false
		target := tmux.Target{Pane: sess.TmuxTarget, Socket: sess.TmuxSocket}
		if err := b.inj.Validate(target); err != nil {
			if errors.Is(err, tmux.ErrPaneNotFound) || errors.Is(err, tmux.ErrNoServer) {
				paneGone = true
			} else {
				b.logger.Printf("validating pane for stale %s: %v", sess.ID, err)
				continue
			}
		}

		recycled, err := b.store.TmuxTargetOwnedElsewhere(sess.TmuxTarget, sess.ID)
		if err != nil {
			b.logger.Printf("checking pane ownership for %s: %v", sess.ID, err)
			continue
		}

		if !paneGone && !recycled {
			continue
		}

		b.logger.Printf("reaping stale session %s (pane gone=%v recycled=%v)", sess.ID, paneGone, recycled)
		if err := b.endSession(sess, "🔚 session ended (terminal closed)", store.StatusEnded); err != nil {
			b.logger.Printf("ending stale session %s: %v", sess.ID, err)
		}
	}
}

// --- lifecycle notices ---

// Announce posts a startup notice to the channel general.
func (b *Bridge) Announce() {
	host, _ := os.Hostname()
	if _, err := b.chat.Send(0, fmt.Sprintf("🌉 bridge online on %s", host), nil); err != nil {
		b.logger.Printf("startup notice: %v", err)
	}
}

// Farewell posts a shutdown notice to the channel general.
func (b *Bridge) Farewell() {
	if _, err := b.chat.Send(0, "🌉 bridge shutting down", nil); err != nil {
		b.logger.Printf("shutdown notice: %v", err)
	}
}
