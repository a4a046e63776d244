package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

const (
	defaultInterval      = 200 * time.Millisecond
	defaultMinConfidence = 0.3
	// Sessions can be closed by another process, so liveness is re-read from
	// the store at most this often.
	sessionCheckInterval = time.Second
)

// Config holds the collaborators and tuning shared by every loop.
type Config struct {
	Locator       FaceLocator
	Recognizer    Recognizer
	Attendance    Attendance
	Interval      time.Duration
	MinConfidence float64
	Observer      Observer
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

// Loop samples a stream at a fixed cadence until stopped. Stop requests are
// checked at the top of each tick; a tick already running is allowed to finish.
type Loop struct {
	sessionID string
	stream    Stream
	cfg       Config
	log       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	checkedAt time.Time
}

// StartLoop launches a loop that owns stream and closes it on every exit path.
func StartLoop(ctx context.Context, sessionID string, stream Stream, cfg Config) *Loop {
	l := &Loop{
		sessionID: sessionID,
		stream:    stream,
		cfg:       cfg.withDefaults(),
		log:       logging.FromContext(ctx).With("session_id", sessionID),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Stop requests the loop to end and waits until the stream is released.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

// Done is closed once the loop has exited and released its stream.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if err := l.stream.Close(); err != nil {
			l.log.Warn("release stream", "err", err)
		}
	}()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
		}
		if l.stopped() {
			return
		}
		if err := l.tick(ctx); err != nil {
			if errors.Is(err, attendance.ErrSessionClosed) || errors.Is(err, attendance.ErrNotFound) {
				l.log.Info("scanning ended", "reason", err.Error())
				return
			}
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("capture tick failed", "err", err)
		}
	}
}

// ensureActive returns ErrSessionClosed once the session is no longer active.
func (l *Loop) ensureActive(ctx context.Context) error {
	if !l.checkedAt.IsZero() && time.Since(l.checkedAt) < sessionCheckInterval {
		return nil
	}
	sess, err := l.cfg.Attendance.GetSession(ctx, l.sessionID)
	if err != nil {
		return err
	}
	if !sess.Active() {
		return attendance.ErrSessionClosed
	}
	l.checkedAt = time.Now()
	return nil
}

// tick processes at most one frame. Zero faces, or no new frame, is a no-op.
func (l *Loop) tick(ctx context.Context) error {
	l.cfg.Observer.Tick()
	if err := l.ensureActive(ctx); err != nil {
		return err
	}
	frame, ok, err := l.stream.Next(ctx)
	if err != nil || !ok {
		return err
	}
	located, err := l.cfg.Locator.Locate(ctx, frame)
	if err != nil {
		return err
	}
	faces := located[:0:0]
	for _, f := range located {
		if f.Confidence >= l.cfg.MinConfidence {
			faces = append(faces, f)
		}
	}
	l.cfg.Observer.FacesLocated(len(faces))
	if len(faces) == 0 {
		return nil
	}

	candidates, err := l.cfg.Attendance.Unmarked(ctx, l.sessionID)
	if err != nil {
		return err
	}
	for _, face := range faces {
		if len(candidates) == 0 {
			return nil
		}
		match, ok, err := l.cfg.Recognizer.Recognize(ctx, face, candidates)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		conf := match.Confidence
		res, err := l.cfg.Attendance.MarkPresent(ctx, l.sessionID, match.Student.ID, &conf)
		if errors.Is(err, attendance.ErrNotFound) {
			// Student removed since the candidate list was read.
			l.log.Warn("skip missing student", "student_id", match.Student.ID)
			candidates = without(candidates, match.Student.ID)
			continue
		}
		if err != nil {
			return err
		}
		l.cfg.Observer.Recognized()
		if !res.Duplicate {
			l.log.Debug("face recognised", "student_id", match.Student.ID, "confidence", conf)
		}
		candidates = without(candidates, match.Student.ID)
	}
	return nil
}

func without(students []attendance.Student, id string) []attendance.Student {
	out := students[:0:0]
	for _, st := range students {
		if st.ID != id {
			out = append(out, st)
		}
	}
	return out
}
