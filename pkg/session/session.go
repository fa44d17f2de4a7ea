// Package session runs one water level stream per camera: it loads the
// camera's configuration, waits for the observer to start it, acquires a
// device and streams annotated frames until something ends it, then
// cleans up exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/debug"
	"github.com/teslashibe/go-waterwatch/pkg/protocol"
	"github.com/teslashibe/go-waterwatch/pkg/store"
	"github.com/teslashibe/go-waterwatch/pkg/waterlevel"
	"golang.org/x/time/rate"
	"gocv.io/x/gocv"
)

// Gateway is the persistence a session reads its configuration from and
// reports to.
type Gateway interface {
	FetchConfig(ctx context.Context, id string) (*store.Camera, error)
	UpdateLevel(ctx context.Context, id string, level float64) error
	UpdateStatus(ctx context.Context, id string, status store.Status) error
}

// Transport is the observer connection.
type Transport interface {
	// Control delivers inbound control messages. It is closed when the
	// observer disconnects.
	Control() <-chan protocol.Control

	// Send queues a message without blocking. It fails once the
	// connection is closed or broken.
	Send(msg protocol.Message) error

	// Close flushes pending notices and closes the connection.
	Close(reason string) error
}

// Acquirer hands out exclusively owned devices.
type Acquirer interface {
	Acquire(ctx context.Context) (*camera.Acquisition, error)
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Gateway  Gateway
	Acquirer Acquirer
	Registry *Registry
}

// Options tune one session
type Options struct {
	Pacing             time.Duration      // Delay between frames (default 100ms)
	ReadTimeout        time.Duration      // Per-frame read deadline (default 5s)
	PersistTimeout     time.Duration      // Per-write gateway deadline (default 2s)
	CleanupTimeout     time.Duration      // Final status write deadline (default 5s)
	LevelWriteInterval time.Duration      // Minimum gap between level writes (0 = every reading)
	Quality            func() int         // JPEG quality source (default 80)
	Analyzer           waterlevel.Options // Overlay and filter settings

	// Encode turns an annotated frame into the wire payload.
	// Defaults to waterlevel.EncodeJPEG.
	Encode func(img gocv.Mat, quality int) (string, error)
}

// DefaultOptions returns ~10 updates per second.
func DefaultOptions() Options {
	return Options{
		Pacing:         100 * time.Millisecond,
		ReadTimeout:    5 * time.Second,
		PersistTimeout: 2 * time.Second,
		CleanupTimeout: 5 * time.Second,
		Analyzer:       waterlevel.DefaultOptions(),
		Encode:         waterlevel.EncodeJPEG,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Pacing <= 0 {
		o.Pacing = d.Pacing
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = d.PersistTimeout
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = d.CleanupTimeout
	}
	if o.Analyzer.Unit == "" {
		o.Analyzer = d.Analyzer
	}
	if o.Encode == nil {
		o.Encode = d.Encode
	}
	return o
}

// Info is a point-in-time view of a session
type Info struct {
	CameraID  string    `json:"camera_id"`
	State     State     `json:"state"`
	Device    string    `json:"device,omitempty"`
	Frames    uint64    `json:"frames"`
	LastLevel *float64  `json:"last_level"`
	LastRow   *int      `json:"last_row"`
	StartedAt time.Time `json:"started_at"`
}

// Session is one camera stream bound to one observer.
type Session struct {
	id        string
	transport Transport
	deps      Deps
	opts      Options
	log       *slog.Logger

	// Owned by the Run goroutine
	cam        *store.Camera
	analyzer   *waterlevel.Analyzer
	acq        *camera.Acquisition
	frame      gocv.Mat
	hasFrame   bool
	limiter    *rate.Limiter
	registered bool
	above      bool
	detail     string

	mu        sync.RWMutex
	state     State
	reason    Reason
	device    camera.Candidate
	frames    uint64
	last      *waterlevel.Reading
	startedAt time.Time

	done chan struct{}
}

// New creates a session for camera id served over t.
func New(id string, t Transport, deps Deps, opts Options) *Session {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.LevelWriteInterval > 0 {
		limit = rate.Every(opts.LevelWriteInterval)
	}

	return &Session{
		id:        id,
		transport: t,
		deps:      deps,
		opts:      opts,
		log:       log.Camera(id),
		limiter:   rate.NewLimiter(limit, 1),
		state:     StateAwaitingConfig,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the camera id.
func (s *Session) ID() string { return s.id }

// Done is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason returns the termination reason, empty while running.
func (s *Session) Reason() Reason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Info returns a snapshot for reporting.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		CameraID:  s.id,
		State:     s.state,
		Device:    string(s.device),
		Frames:    s.frames,
		StartedAt: s.startedAt,
	}
	if s.last != nil {
		level, row := s.last.Level, s.last.Row
		info.LastLevel = &level
		info.LastRow = &row
	}
	return info
}

// Run drives the session to termination and returns why it ended.
// Cleanup has completed when Run returns.
func (s *Session) Run(parent context.Context) Reason {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	reason := s.run(ctx, cancel)
	if reason == ReasonCancelled {
		if cause := context.Cause(ctx); errors.Is(cause, ErrStopped) {
			s.detail = "Session stopped by operator"
		}
	}
	s.terminate(ctx, reason)
	return reason
}

func (s *Session) run(ctx context.Context, cancel context.CancelCauseFunc) Reason {
	cam, err := s.deps.Gateway.FetchConfig(ctx, s.id)
	if err != nil {
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("fetch camera config failed", "error", err)
		}
		return ReasonConfigNotFound
	}
	s.cam = cam

	if err := s.deps.Registry.Register(s.id, s, cancel); err != nil {
		s.log.Warn("rejecting duplicate session")
		return ReasonSessionActive
	}
	s.registered = true

	analyzer, err := waterlevel.NewAnalyzer(cam.ROI, cam.Calibration(), s.opts.Analyzer)
	if err != nil {
		s.detail = err.Error()
		return ReasonDetectorInit
	}
	s.analyzer = analyzer

	s.setState(StateAwaitingStart)
	if reason, done := s.awaitStart(ctx); done {
		return reason
	}

	s.setState(StateAcquiringDevice)
	acq, err := s.deps.Acquirer.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		s.log.Error("camera acquisition failed", "error", err)
		s.send(protocol.NewStatus(protocol.StatusError, ReasonDeviceUnavailable.notice("")))
		return ReasonDeviceUnavailable
	}
	s.acq = acq
	s.frame = gocv.NewMat()
	s.hasFrame = true

	s.mu.Lock()
	s.device = acq.Candidate
	s.mu.Unlock()
	s.setState(StateStreaming)

	s.writeStatus(ctx, store.StatusActive)
	if err := s.transport.Send(protocol.NewStatus(protocol.StatusConnected, fmt.Sprintf("Connected to camera %s", acq.Candidate))); err != nil {
		return ReasonDeliveryFailure
	}
	s.log.Info("streaming started", "device", string(acq.Candidate))

	return s.stream(ctx)
}

// awaitStart blocks until the observer asks to start. A stop, or the
// observer leaving, ends the session here.
func (s *Session) awaitStart(ctx context.Context) (Reason, bool) {
	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled, true
		case c, ok := <-s.transport.Control():
			switch {
			case !ok:
				return ReasonStoppedByClient, true
			case !c.Known():
				s.log.Debug("ignoring control message", "action", string(c.Action))
			case c.IsStart():
				return "", false
			case c.IsStop():
				return ReasonStoppedByClient, true
			}
		}
	}
}

// stream runs iterations until one ends the session.
func (s *Session) stream(ctx context.Context) Reason {
	for {
		if reason, done := s.poll(ctx); done {
			return reason
		}

		if err := s.acq.Read(ctx, &s.frame, s.opts.ReadTimeout); err != nil {
			if ctx.Err() != nil {
				return ReasonCancelled
			}
			s.detail = err.Error()
			return ReasonFrameReadFailure
		}

		start := time.Now()
		res := s.analyzer.Analyze(s.frame)
		metrics.ObserveAnalysis(time.Since(start))

		encoded, err := s.opts.Encode(res.Annotated, s.quality())
		res.Close()
		reading := res.Reading

		if err != nil {
			metrics.EncodeFailures.Inc()
			s.log.Warn("skipping frame", "error", err)
		} else {
			if err := s.transport.Send(frameMessage(encoded, reading)); err != nil {
				return ReasonDeliveryFailure
			}
			metrics.FramesDelivered.Inc()
		}
		s.record(reading)

		if reading != nil {
			s.persist(ctx, reading)
		}

		if reason, done := s.pace(ctx); done {
			return reason
		}
	}
}

// poll drains pending control messages without blocking.
func (s *Session) poll(ctx context.Context) (Reason, bool) {
	if ctx.Err() != nil {
		return ReasonCancelled, true
	}
	for {
		select {
		case c, ok := <-s.transport.Control():
			if reason, done := s.streamingControl(c, ok); done {
				return reason, true
			}
		default:
			return "", false
		}
	}
}

// pace waits out the pacing interval while still honoring control
// messages and cancellation.
func (s *Session) pace(ctx context.Context) (Reason, bool) {
	timer := time.NewTimer(s.opts.Pacing)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled, true
		case c, ok := <-s.transport.Control():
			if reason, done := s.streamingControl(c, ok); done {
				return reason, true
			}
		case <-timer.C:
			return "", false
		}
	}
}

func (s *Session) streamingControl(c protocol.Control, ok bool) (Reason, bool) {
	if !ok {
		return ReasonTransportClosed, true
	}
	if !c.Known() {
		s.log.Debug("ignoring control message", "action", string(c.Action))
	}
	if c.IsStop() {
		return ReasonStoppedByClient, true
	}
	return "", false
}

func frameMessage(encoded string, r *waterlevel.Reading) protocol.Message {
	if r == nil {
		return protocol.NewFrame(encoded, nil, nil)
	}
	level, row := r.Level, r.Row
	return protocol.NewFrame(encoded, &level, &row)
}

func (s *Session) quality() int {
	if s.opts.Quality != nil {
		if q := s.opts.Quality(); q > 0 {
			return q
		}
	}
	return waterlevel.DefaultJPEGQuality
}

func (s *Session) record(r *waterlevel.Reading) {
	s.mu.Lock()
	s.frames++
	if r != nil {
		s.last = r
	}
	n := s.frames
	s.mu.Unlock()

	if r != nil {
		debug.FrameLog("📷 %s frame %d level=%.1f row=%d\n", s.id, n, r.Level, r.Row)
	} else {
		debug.FrameLog("📷 %s frame %d no surface\n", s.id, n)
	}
}

// persist forwards a reading to the gateway. Failures are logged only.
func (s *Session) persist(ctx context.Context, r *waterlevel.Reading) {
	above := r.Level > s.cam.Threshold
	if above && !s.above {
		metrics.ThresholdCrossings.Inc()
		s.log.Warn("water level above threshold", "level", r.Level, "threshold", s.cam.Threshold)
	}
	s.above = above

	if !s.limiter.Allow() {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	if err := s.deps.Gateway.UpdateLevel(pctx, s.id, r.Level); err != nil {
		metrics.RecordPersistenceFailure("update_level")
		s.log.Warn("persist level failed", "error", err)
	}
}

func (s *Session) writeStatus(ctx context.Context, status store.Status) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.CleanupTimeout)
	defer cancel()
	if err := s.deps.Gateway.UpdateStatus(sctx, s.id, status); err != nil {
		metrics.RecordPersistenceFailure("update_status")
		s.log.Warn("persist status failed", "status", string(status), "error", err)
	}
}

func (s *Session) send(msg protocol.Message) {
	if err := s.transport.Send(msg); err != nil {
		s.log.Debug("observer unreachable", "type", string(msg.Type), "error", err)
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("illegal session transition", "from", string(from), "to", string(to))
		return
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug("session state", "from", string(from), "to", string(to))
}

// terminate is the single cleanup path. It runs once, from Run.
func (s *Session) terminate(ctx context.Context, reason Reason) {
	s.mu.Lock()
	s.state = StateTerminated
	s.reason = reason
	s.mu.Unlock()

	if s.acq != nil {
		if err := s.acq.Release(); err != nil {
			s.log.Warn("release camera failed", "error", err)
		}
		s.closeFrame()
	}

	if s.registered {
		s.deps.Registry.Remove(s.id, s)
	}

	// A session that never registered does not own the camera's status.
	if status, ok := reason.Status(); ok && s.registered {
		s.writeStatus(context.WithoutCancel(ctx), status)
	}

	if reason.Writable() {
		if reason.Fatal() {
			s.send(protocol.NewError(reason.notice(s.detail)))
		} else {
			s.send(protocol.NewStatus(protocol.StatusInactive, "Camera stopped"))
		}
	}
	if err := s.transport.Close(string(reason)); err != nil {
		s.log.Debug("close transport", "error", err)
	}

	metrics.RecordTermination(string(reason))
	attrs := []any{"reason", string(reason)}
	if s.detail != "" {
		attrs = append(attrs, "detail", s.detail)
	}
	if reason.Fatal() {
		s.log.Warn("session terminated", attrs...)
	} else {
		s.log.Info("session terminated", attrs...)
	}
	close(s.done)
}

// closeFrame frees the read buffer once the device no longer writes to
// it. A read stuck in the driver keeps the buffer alive until it returns.
func (s *Session) closeFrame() {
	if !s.hasFrame {
		return
	}
	s.hasFrame = false

	frame, closed := s.frame, s.acq.Closed()
	select {
	case <-closed:
		frame.Close()
	default:
		go func() {
			<-closed
			frame.Close()
		}()
	}
}
