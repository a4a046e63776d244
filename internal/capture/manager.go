package capture

import (
	"context"
	"fmt"
	"sync"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

// Manager keeps at most one running loop per session.
type Manager struct {
	base   context.Context
	camera Camera
	cfg    Config

	mu    sync.Mutex
	loops map[string]*Loop
}

// NewManager creates a manager. Loops inherit base, so cancelling it ends them all.
func NewManager(base context.Context, camera Camera, cfg Config) *Manager {
	return &Manager{
		base:   base,
		camera: camera,
		cfg:    cfg.withDefaults(),
		loops:  make(map[string]*Loop),
	}
}

// Start acquires a stream for the session and begins scanning.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[sessionID]; ok {
		return ErrAlreadyScanning
	}
	stream, err := m.camera.Open(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	loopCtx := logging.ContextWithLogger(m.base, logging.FromContext(ctx))
	loop := StartLoop(loopCtx, sessionID, stream, m.cfg)
	m.loops[sessionID] = loop
	m.cfg.Observer.Scanning(len(m.loops))
	go func() {
		<-loop.Done()
		m.forget(sessionID, loop)
	}()
	return nil
}

func (m *Manager) forget(sessionID string, loop *Loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loops[sessionID] == loop {
		delete(m.loops, sessionID)
		m.cfg.Observer.Scanning(len(m.loops))
	}
}

// Stop ends the session's loop and waits for its stream to be released.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	loop, ok := m.loops[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotScanning
	}
	loop.Stop()
	m.forget(sessionID, loop)
	return nil
}

// Scanning reports whether the session has a running loop.
func (m *Manager) Scanning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[sessionID]
	return ok
}

// StopAll stops every loop, used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	loops := make(map[string]*Loop, len(m.loops))
	for id, l := range m.loops {
		loops[id] = l
	}
	m.mu.Unlock()
	for id, l := range loops {
		l.Stop()
		m.forget(id, l)
	}
}

// Notify stops scanning when a session is closed.
func (m *Manager) Notify(_ context.Context, evt attendance.Event) {
	if evt.Type == attendance.EventSessionClosed {
		_ = m.Stop(evt.SessionID)
	}
}
