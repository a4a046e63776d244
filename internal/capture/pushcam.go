package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStreamClosed = errors.New("capture: stream closed")

// PushCamera is a Camera fed by clients posting frames over HTTP. Each open
// stream is one active track holding only the latest frame.
type PushCamera struct {
	maxTracks int

	mu     sync.Mutex
	tracks map[string]*track
}

type track struct {
	mu        sync.Mutex
	latest    Frame
	delivered uint64
	closed    bool
}

// NewPushCamera creates a camera that allows up to maxTracks concurrent
// streams. Zero means unlimited.
func NewPushCamera(maxTracks int) *PushCamera {
	return &PushCamera{maxTracks: maxTracks, tracks: make(map[string]*track)}
}

// Open starts a track for the session.
func (c *PushCamera) Open(_ context.Context, sessionID string) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracks[sessionID]; ok {
		return nil, errors.New("track already open")
	}
	if c.maxTracks > 0 && len(c.tracks) >= c.maxTracks {
		return nil, errors.New("no free capture slot")
	}
	t := &track{}
	c.tracks[sessionID] = t
	return &pushStream{cam: c, sessionID: sessionID, track: t}, nil
}

// Push replaces the session's latest frame.
func (c *PushCamera) Push(sessionID string, data []byte, at time.Time) error {
	c.mu.Lock()
	t, ok := c.tracks[sessionID]
	c.mu.Unlock()
	if !ok {
		return ErrNotScanning
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotScanning
	}
	t.latest = Frame{Seq: t.latest.Seq + 1, Data: data, At: at}
	return nil
}

// ActiveTracks returns the number of open streams.
func (c *PushCamera) ActiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *PushCamera) release(sessionID string, t *track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracks[sessionID] == t {
		delete(c.tracks, sessionID)
	}
}

type pushStream struct {
	cam       *PushCamera
	sessionID string
	track     *track
}

func (s *pushStream) Next(_ context.Context) (Frame, bool, error) {
	t := s.track
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Frame{}, false, errStreamClosed
	}
	if t.latest.Seq == t.delivered {
		return Frame{}, false, nil
	}
	t.delivered = t.latest.Seq
	return t.latest, true, nil
}

func (s *pushStream) Close() error {
	s.track.mu.Lock()
	s.track.closed = true
	s.track.latest = Frame{}
	s.track.mu.Unlock()
	s.cam.release(s.sessionID, s.track)
	return nil
}
