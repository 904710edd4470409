package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mcpgateway/mcp-gateway/internal/config"
)

// Manager owns the name → session registry. Sessions never reach back into
// the manager; upward signals (list_changed notifications) flow through the
// notification handler instead.
type Manager struct {
	logger *slog.Logger
	notify NotificationHandler

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds an empty registry.
func NewManager(logger *slog.Logger, notify NotificationHandler) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		notify:   notify,
		sessions: make(map[string]*Session),
	}
}

// StartAll fans out session startup for every spec in parallel and waits for
// each to resolve. One server's failure never blocks the others; the joined
// error carries every failed start.
func (m *Manager) StartAll(ctx context.Context, specs []config.ServerSpec) error {
	var wg sync.WaitGroup
	errs := make([]error, len(specs))
	for i, spec := range specs {
		sess := New(spec, m.logger, m.notify)
		m.mu.Lock()
		m.sessions[spec.Name] = sess
		m.mu.Unlock()

		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			errs[i] = sess.StartWithRetry(ctx)
		}(i, sess)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RefreshResult summarizes what a refresh changed.
type RefreshResult struct {
	Started   []string
	Restarted []string
	Closed    []string
	Unchanged []string
	Errors    []string
}

// Refresh diffs the new spec set against the registry: added servers start,
// removed servers close, changed servers restart. Unchanged servers are left
// alone (in-flight calls preserved) unless force is set. When only is
// non-empty the refresh is scoped to that one server.
func (m *Manager) Refresh(ctx context.Context, specs []config.ServerSpec, force bool, only string) RefreshResult {
	var result RefreshResult

	want := make(map[string]config.ServerSpec, len(specs))
	for _, spec := range specs {
		if only != "" && spec.Name != only {
			continue
		}
		want[spec.Name] = spec
	}

	m.mu.Lock()
	var toClose, toRestart []*Session
	for name, sess := range m.sessions {
		if only != "" && name != only {
			continue
		}
		spec, keep := want[name]
		switch {
		case !keep:
			delete(m.sessions, name)
			toClose = append(toClose, sess)
			result.Closed = append(result.Closed, name)
		case force || !sess.Spec().Equal(spec) || sess.State() == StateFailed || sess.State() == StateClosed:
			// Stays in want and is restarted below with the fresh spec.
			delete(m.sessions, name)
			toRestart = append(toRestart, sess)
			result.Restarted = append(result.Restarted, name)
		default:
			delete(want, name)
			result.Unchanged = append(result.Unchanged, name)
		}
	}
	m.mu.Unlock()

	for _, sess := range toClose {
		sess.Close()
	}
	for _, sess := range toRestart {
		sess.Close()
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	restarted := make(map[string]bool, len(result.Restarted))
	for _, name := range result.Restarted {
		restarted[name] = true
	}
	for name, spec := range want {
		sess := New(spec, m.logger, m.notify)
		m.mu.Lock()
		m.sessions[name] = sess
		m.mu.Unlock()
		if !restarted[name] {
			result.Started = append(result.Started, name)
		}

		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.StartWithRetry(ctx); err != nil {
				errMu.Lock()
				result.Errors = append(result.Errors, err.Error())
				errMu.Unlock()
			}
		}(sess)
	}
	wg.Wait()

	sort.Strings(result.Started)
	sort.Strings(result.Restarted)
	sort.Strings(result.Closed)
	sort.Strings(result.Unchanged)
	sort.Strings(result.Errors)
	return result
}

// Get returns the session for a server name.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// All returns every session in stable name order.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name() < sessions[j].Name() })
	return sessions
}

// Statuses snapshots every session's health in stable name order.
func (m *Manager) Statuses() []Info {
	sessions := m.All()
	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Status())
	}
	return infos
}

// Pending aggregates in-flight requests, optionally scoped to one server.
func (m *Manager) Pending(server string) []PendingInfo {
	var infos []PendingInfo
	for _, sess := range m.All() {
		if server != "" && sess.Name() != server {
			continue
		}
		infos = append(infos, sess.Pending()...)
	}
	return infos
}

// Cancel routes a public "<server>::<N>" cancellation to the owning session.
func (m *Manager) Cancel(requestID string, force bool) error {
	server, id, err := ParseRequestID(requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	sess, ok := m.Get(server)
	if !ok {
		return fmt.Errorf("server %q: %w", server, ErrNotFound)
	}
	return sess.Cancel(id, force)
}

// Adopt registers and starts a session for a freshly provisioned server.
func (m *Manager) Adopt(ctx context.Context, spec config.ServerSpec) error {
	m.mu.Lock()
	if old, ok := m.sessions[spec.Name]; ok {
		delete(m.sessions, spec.Name)
		m.mu.Unlock()
		old.Close()
		m.mu.Lock()
	}
	sess := New(spec, m.logger, m.notify)
	m.sessions[spec.Name] = sess
	m.mu.Unlock()
	return sess.StartWithRetry(ctx)
}

// CloseAll shuts every session down.
func (m *Manager) CloseAll() {
	for _, sess := range m.All() {
		sess.Close()
	}
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// Inventory is one session's catalog contribution.
type Inventory struct {
	Server    string
	State     State
	Tools     []ToolDef
	Resources []ResourceDef
	Prompts   []PromptDef
}

// FetchInventories pulls tool/resource/prompt listings from every ready or
// degraded session. Fetch errors degrade the owning session but never fail
// the aggregate; the affected server simply contributes what it could.
func (m *Manager) FetchInventories(ctx context.Context) []Inventory {
	sessions := m.All()
	inventories := make([]Inventory, len(sessions))
	var wg sync.WaitGroup
	for i, sess := range sessions {
		inventories[i] = Inventory{Server: sess.Name(), State: sess.State()}
		if state := sess.State(); state != StateReady && state != StateDegraded {
			continue
		}
		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			inv := &inventories[i]
			var err error
			if inv.Tools, err = sess.ListTools(ctx); err != nil {
				m.logger.Warn("tool inventory failed", "server", sess.Name(), "error", err)
			}
			if inv.Resources, err = sess.ListResources(ctx); err != nil {
				m.logger.Warn("resource inventory failed", "server", sess.Name(), "error", err)
			}
			if inv.Prompts, err = sess.ListPrompts(ctx); err != nil {
				m.logger.Warn("prompt inventory failed", "server", sess.Name(), "error", err)
			}
			inv.State = sess.State()
		}(i, sess)
	}
	wg.Wait()
	return inventories
}

// CallTool routes a downstream tool invocation to the owning session.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage, onHeartbeat func()) (json.RawMessage, error) {
	sess, ok := m.Get(server)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", server, ErrClosed)
	}
	return sess.CallTool(ctx, tool, args, onHeartbeat)
}

// ReadResource proxies resources/read to the owning session.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (json.RawMessage, error) {
	sess, ok := m.Get(server)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", server, ErrClosed)
	}
	return sess.Call(ctx, "resources/read", map[string]string{"uri": uri}, nil)
}

// GetPrompt proxies prompts/get to the owning session.
func (m *Manager) GetPrompt(ctx context.Context, server, name string, args map[string]string) (json.RawMessage, error) {
	sess, ok := m.Get(server)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", server, ErrClosed)
	}
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	return sess.Call(ctx, "prompts/get", params, nil)
}
