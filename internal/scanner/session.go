// Package scanner drives a camera stream through a QR decoder until one of our
// codes is found, a foreign code is seen, or the session is cancelled.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/qr"
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	RequestingPermission
	Streaming
	Scanning
	Detected
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingPermission:
		return "requesting_permission"
	case Streaming:
		return "streaming"
	case Scanning:
		return "scanning"
	case Detected:
		return "detected"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNotOfficialCode  = errors.New("not an official QR code")
	ErrAlreadyRunning   = errors.New("scan session already running")
	ErrCancelled        = errors.New("scan cancelled")
	ErrClosed           = errors.New("scan session closed")
)

// Permission is the camera permission state reported by the platform.
type Permission int

const (
	PermissionPrompt Permission = iota
	PermissionGranted
	PermissionDenied
)

// Constraints are requested, not guaranteed, stream properties.
type Constraints struct {
	FacingMode string
	Width      int
	Height     int
}

// DefaultConstraints asks for the rear camera at 1280x720.
var DefaultConstraints = Constraints{FacingMode: "environment", Width: 1280, Height: 720}

// Camera grants access to a video source.
type Camera interface {
	Permission(ctx context.Context) (Permission, error)
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open video source. Ready is closed once enough data is buffered
// for Frame to return a picture.
type Stream interface {
	Ready() <-chan struct{}
	Frame() (image.Image, error)
	Close() error
}

// Decoder finds a QR code in a frame. ok is false when the frame holds none.
type Decoder interface {
	Decode(img image.Image) (text string, ok bool, err error)
}

// Event reports a state transition.
type Event struct {
	State State
	Text  string
	Err   error
}

// Options tune a Session. OnEvent runs on the loop goroutine and must not call
// Start, Cancel or Close.
type Options struct {
	Constraints   Constraints
	FrameInterval time.Duration
	Recognize     func(text string) bool
	OnEvent       func(Event)
	Logger        *slog.Logger
}

// Session owns one camera stream and at most one decode loop at a time.
type Session struct {
	camera  Camera
	decoder Decoder
	opts    Options

	mu        sync.Mutex
	state     State
	running   bool
	closed    bool
	cancelled bool
	cancel    context.CancelFunc
	done      chan struct{}
	text      string
	err       error
}

// NewSession returns an idle Session.
func NewSession(camera Camera, decoder Decoder, opts Options) *Session {
	if opts.Constraints == (Constraints{}) {
		opts.Constraints = DefaultConstraints
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 30
	}
	if opts.Recognize == nil {
		opts.Recognize = qr.Recognizable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)
	return &Session{camera: camera, decoder: decoder, opts: opts, done: done}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the current run ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Result returns the detected text of the last run, or why it ended without one.
func (s *Session) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.err
}

// Start begins a run. A second Start while one is active returns ErrAlreadyRunning.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancelled = false
	s.cancel = cancel
	s.done = done
	s.text, s.err = "", nil
	s.mu.Unlock()

	go s.run(runCtx, done)
	return nil
}

// Cancel stops the active run and waits for it to release the camera. No frame
// is processed after Cancel returns. The session ends up Idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	if !s.running {
		s.state = Idle
	}
	s.mu.Unlock()
}

// Close tears the session down from any state. Later Starts fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Cancel()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	var stream Stream
	text, err := s.scan(ctx, &stream)

	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			s.opts.Logger.Warn("close camera stream", "err", cerr)
		}
	}

	s.mu.Lock()
	cancelled := s.cancelled || (err != nil && ctx.Err() != nil)
	s.mu.Unlock()

	switch {
	case cancelled:
		s.finish(Event{State: Cancelled, Err: ErrCancelled})
		s.transition(Event{State: Idle})
	case err != nil:
		s.finish(Event{State: Failed, Err: err})
	default:
		s.finish(Event{State: Detected, Text: text})
	}

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	close(done)
}

func (s *Session) scan(ctx context.Context, out *Stream) (string, error) {
	s.transition(Event{State: RequestingPermission})

	perm, err := s.camera.Permission(ctx)
	if err != nil {
		return "", fmt.Errorf("query camera permission: %w", err)
	}
	if perm == PermissionDenied {
		return "", ErrPermissionDenied
	}

	stream, err := s.camera.Open(ctx, s.opts.Constraints)
	if err != nil {
		return "", fmt.Errorf("open camera: %w", err)
	}
	*out = stream
	s.transition(Event{State: Streaming})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-stream.Ready():
	}
	s.transition(Event{State: Scanning})

	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		frame, err := stream.Frame()
		if err != nil {
			return "", fmt.Errorf("capture frame: %w", err)
		}

		text, ok, err := s.decoder.Decode(frame)
		if err != nil {
			s.opts.Logger.Debug("skip undecodable frame", "err", err)
			continue
		}
		if !ok {
			continue
		}
		if !s.opts.Recognize(text) {
			return "", ErrNotOfficialCode
		}
		return text, nil
	}
}

func (s *Session) finish(ev Event) {
	s.mu.Lock()
	s.text, s.err = ev.Text, ev.Err
	s.mu.Unlock()
	s.transition(ev)
}

func (s *Session) transition(ev Event) {
	s.mu.Lock()
	s.state = ev.State
	s.mu.Unlock()

	s.opts.Logger.Debug("scan session", "state", ev.State.String(), "err", ev.Err)
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}
