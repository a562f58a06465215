package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medviewer/launcher/config"
	"github.com/medviewer/launcher/journal"
	"github.com/medviewer/launcher/ports"
	"github.com/medviewer/launcher/processes"
	"github.com/medviewer/launcher/template"
)

// Mapper receives session-to-endpoint mappings when sessions become ready
// and when they go away, typically to maintain a proxy-mapping file.
type Mapper interface {
	Map(sessionID, target string) error
	Unmap(sessionID string) error
}

// Registry tracks live sessions and serializes access to the port pool so
// that concurrent session creations never race on the same port.
type Registry struct {
	cfg        *config.Config
	pool       *ports.Pool
	sup        *processes.Supervisor
	jrnl       *journal.Journal
	mapper     Mapper
	signingKey []byte
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RegistryOptions configures a Registry. Config, Pool, Supervisor, Journal
// and SigningKey are required; Mapper and Logger are optional.
type RegistryOptions struct {
	Config     *config.Config
	Pool       *ports.Pool
	Supervisor *processes.Supervisor
	Journal    *journal.Journal
	Mapper     Mapper
	SigningKey []byte
	Logger     *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("port pool is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if len(opts.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		cfg:        opts.Config,
		pool:       opts.Pool,
		sup:        opts.Supervisor,
		jrnl:       opts.Journal,
		mapper:     opts.Mapper,
		signingKey: opts.SigningKey,
		logger:     logger.With("component", "Registry"),
		sessions:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the background reaper that reclaims sessions past their
// idle timeout.
func (r *Registry) Start() {
	interval := r.cfg.Configuration.TimeoutDuration() / 4
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n := r.Reap(); n > 0 {
					r.logger.Info("Reaped expired sessions", "count", n)
				}
			}
		}
	}()
}

// Resolve creates a new session for the named app: allocate a port, mint
// the session secret, realize the command template, spawn the process and
// wait for its readiness marker. Connection info is returned only after
// readiness is confirmed; on every failure path the port is released.
func (r *Registry) Resolve(ctx context.Context, appName string, params map[string]string) (map[string]any, error) {
	app, ok := r.cfg.Apps[appName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApp, appName)
	}

	clean, err := r.cfg.SanitizeParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}

	port, err := r.pool.Allocate()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	secret, err := MintSecret(r.signingKey, id)
	if err != nil {
		r.pool.Release(port.Number)
		return nil, fmt.Errorf("minting session secret: %w", err)
	}

	host := port.Host
	if host == "" {
		host = r.cfg.Configuration.Host
	}

	vars := make(map[string]string, len(r.cfg.Properties)+len(clean)+4)
	for k, v := range r.cfg.Properties {
		vars[k] = v
	}
	for k, v := range clean {
		vars[k] = v
	}
	vars["host"] = host
	vars["port"] = strconv.Itoa(port.Number)
	vars["id"] = id
	vars["secret"] = secret

	now := time.Now()
	sess := &Session{
		ID:         id,
		App:        appName,
		Host:       host,
		Port:       port.Number,
		Secret:     secret,
		State:      StateStarting,
		StartedAt:  now,
		LastAccess: now,
		Params:     clean,
	}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logEvent(func() error { return r.jrnl.LogLaunched(id, appName, port.Number) })
	r.logger.Info("Launching session", "session", id, "app", appName, "port", port.Number)

	var logPath string
	if r.cfg.Configuration.LogDir != "" {
		logPath = filepath.Join(r.cfg.Configuration.LogDir, id+".log")
	}

	handle, err := r.sup.Spawn(ctx, processes.Spec{
		Name: appName,
		Argv: template.ResolveArgs(app.Cmd, vars),
		Env: []string{
			"LAUNCHER_SESSION_ID=" + id,
			"LAUNCHER_AUTH_KEY=" + secret,
		},
		ReadyLine: app.ReadyLine,
		LogPath:   logPath,
	})
	if err != nil {
		r.fail(sess, err)
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; !exists {
		// Terminated while we were spawning.
		r.mu.Unlock()
		r.sup.Terminate(handle)
		r.releasePort(sess)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.handle = handle
	r.mu.Unlock()

	if err := handle.AwaitReady(ctx, r.cfg.Configuration.TimeoutDuration()); err != nil {
		r.sup.Terminate(handle)
		r.fail(sess, err)
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; !exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.State = StateReady
	sess.URL = template.Resolve(r.cfg.Configuration.SessionURL, vars)
	sess.LastAccess = time.Now()
	info := r.connectionInfoLocked(sess)
	r.mu.Unlock()

	r.logEvent(func() error { return r.jrnl.LogReady(id, appName, port.Number) })
	r.logger.Info("Session ready", "session", id, "app", appName, "port", port.Number)

	if r.mapper != nil {
		if err := r.mapper.Map(id, fmt.Sprintf("%s:%d", host, port.Number)); err != nil {
			r.logger.Error("Failed to update proxy mapping", "session", id, "error", err)
		}
	}

	return info, nil
}

// Get returns the connection info of an existing session and refreshes its
// idle timer.
func (r *Registry) Get(id string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.LastAccess = time.Now()
	return r.connectionInfoLocked(sess), nil
}

// List returns a snapshot of all tracked sessions.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.status())
	}
	return out
}

// VerifySecret reports whether token is a valid secret for the session.
func (r *Registry) VerifySecret(token, sessionID string) bool {
	return VerifySecret(r.signingKey, token, sessionID)
}

// Terminate shuts down a session: the process is stopped, the port
// released, and the session removed from the registry so that subsequent
// lookups yield ErrNotFound.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	sess.State = StateTerminated
	handle := sess.handle
	r.mu.Unlock()

	if handle != nil {
		if err := r.sup.Terminate(handle); err != nil {
			r.logger.Error("Failed to terminate process", "session", id, "error", err)
		}
	}
	r.releasePort(sess)
	r.logEvent(func() error { return r.jrnl.LogTerminated(id, sess.App, sess.Port) })
	if r.mapper != nil {
		if err := r.mapper.Unmap(id); err != nil {
			r.logger.Error("Failed to remove proxy mapping", "session", id, "error", err)
		}
	}
	r.logger.Info("Session terminated", "session", id, "app", sess.App)
	return nil
}

// Reap reclaims ready sessions whose idle timeout elapsed, and drops stale
// failed sessions. Returns the number of expired sessions.
func (r *Registry) Reap() int {
	timeout := r.cfg.Configuration.TimeoutDuration()
	now := time.Now()

	var expired []*Session
	r.mu.Lock()
	for id, sess := range r.sessions {
		if now.Sub(sess.LastAccess) <= timeout {
			continue
		}
		switch sess.State {
		case StateReady:
			sess.State = StateExpired
			delete(r.sessions, id)
			expired = append(expired, sess)
		case StateFailed:
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		if sess.handle != nil {
			if err := r.sup.Terminate(sess.handle); err != nil {
				r.logger.Error("Failed to terminate expired session", "session", sess.ID, "error", err)
			}
		}
		r.releasePort(sess)
		r.logEvent(func() error { return r.jrnl.LogExpired(sess.ID, sess.App, sess.Port) })
		if r.mapper != nil {
			if err := r.mapper.Unmap(sess.ID); err != nil {
				r.logger.Error("Failed to remove proxy mapping", "session", sess.ID, "error", err)
			}
		}
		r.logger.Info("Session expired", "session", sess.ID, "app", sess.App)
	}
	return len(expired)
}

// Shutdown stops the reaper and terminates every tracked session. Safe to
// call more than once.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		delete(r.sessions, id)
		sess.State = StateTerminated
		remaining = append(remaining, sess)
	}
	r.mu.Unlock()

	for _, sess := range remaining {
		if sess.handle != nil {
			if err := r.sup.Terminate(sess.handle); err != nil {
				r.logger.Error("Failed to terminate session during shutdown", "session", sess.ID, "error", err)
			}
		}
		r.releasePort(sess)
		r.logEvent(func() error { return r.jrnl.LogTerminated(sess.ID, sess.App, sess.Port) })
		if r.mapper != nil {
			r.mapper.Unmap(sess.ID)
		}
	}
	if len(remaining) > 0 {
		r.logger.Info("Terminated all sessions", "count", len(remaining))
	}
}

// fail marks a session as failed after a spawn error, timeout, or early
// exit. The port is released; the record stays visible until reaped.
func (r *Registry) fail(sess *Session, cause error) {
	r.releasePort(sess)
	r.mu.Lock()
	if _, exists := r.sessions[sess.ID]; exists {
		sess.State = StateFailed
		sess.LastAccess = time.Now()
	}
	r.mu.Unlock()
	r.logEvent(func() error { return r.jrnl.LogFailed(sess.ID, sess.App, sess.Port, cause.Error()) })
	r.logger.Warn("Session failed", "session", sess.ID, "app", sess.App, "error", cause)
}

// releasePort returns the session's port to the pool exactly once, no
// matter how many cleanup paths run.
func (r *Registry) releasePort(sess *Session) {
	sess.releaseOnce.Do(func() { r.pool.Release(sess.Port) })
}

// logEvent runs a journal write and logs (rather than propagates) its
// error: the journal is an operational record, not part of the session
// contract.
func (r *Registry) logEvent(write func() error) {
	if err := write(); err != nil {
		r.logger.Error("Failed to write journal event", "error", err)
	}
}

// connectionInfoLocked builds the client-facing response: the configured
// fields subset merged with the static sessionData. Callers must hold r.mu.
func (r *Registry) connectionInfoLocked(sess *Session) map[string]any {
	fields := r.cfg.Configuration.Fields
	if len(fields) == 0 {
		fields = []string{"id", "host", "port", "sessionURL"}
	}

	info := make(map[string]any, len(fields)+len(r.cfg.SessionData)+1)
	for _, f := range fields {
		switch f {
		case "id":
			info["id"] = sess.ID
		case "host":
			info["host"] = sess.Host
		case "port":
			info["port"] = sess.Port
		case "secret":
			info["secret"] = sess.Secret
		case "sessionURL":
			info["sessionURL"] = sess.URL
		case "application", "app":
			info[f] = sess.App
		default:
			if v, ok := sess.Params[f]; ok {
				info[f] = v
			}
		}
	}
	info["state"] = string(sess.State)
	for k, v := range r.cfg.SessionData {
		if _, exists := info[k]; !exists {
			info[k] = v
		}
	}
	return info
}
