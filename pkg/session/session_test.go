package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/protocol"
	"github.com/teslashibe/go-waterwatch/pkg/store"
	"github.com/teslashibe/go-waterwatch/pkg/waterlevel"
	"go.uber.org/goleak"
	"gocv.io/x/gocv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testCamera = "cam-1"

// fakeGateway is an in-memory camera table.
type fakeGateway struct {
	mu       sync.Mutex
	cams     map[string]*store.Camera
	levels   []float64
	statuses []store.Status
	levelErr error
}

func newFakeGateway(cams ...*store.Camera) *fakeGateway {
	g := &fakeGateway{cams: map[string]*store.Camera{}}
	for _, c := range cams {
		g.cams[c.ID] = c
	}
	return g
}

func (g *fakeGateway) FetchConfig(ctx context.Context, id string) (*store.Camera, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) UpdateLevel(ctx context.Context, id string, level float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.levelErr != nil {
		return g.levelErr
	}
	g.levels = append(g.levels, level)
	return nil
}

func (g *fakeGateway) UpdateStatus(ctx context.Context, id string, status store.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, status)
	return nil
}

func (g *fakeGateway) snapshot() ([]float64, []store.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.levels...), append([]store.Status(nil), g.statuses...)
}

// fakeTransport records every message the session sends.
type fakeTransport struct {
	control chan protocol.Control
	onSend  func(msg protocol.Message, frames int) error

	mu     sync.Mutex
	sent   []protocol.Message
	frames int
	closed bool
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{control: make(chan protocol.Control, 8)}
}

func (t *fakeTransport) Control() <-chan protocol.Control { return t.control }

func (t *fakeTransport) Send(msg protocol.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("closed")
	}
	if msg.IsFrame() {
		t.frames++
	}
	frames := t.frames
	hook := t.onSend
	t.mu.Unlock()

	if hook != nil {
		if err := hook(msg, frames); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.reason = reason
	return nil
}

func (t *fakeTransport) messages() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

func (t *fakeTransport) last() protocol.Message {
	msgs := t.messages()
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

// fakeDevice yields a 640x481 frame whose lower half is bright. The odd
// height puts the surface one row below the midpoint, so readings are
// strictly above 500 on a 0..1000 scale.
type fakeDevice struct {
	failAfter int           // reads past this index fail; 0 never fails
	block     chan struct{} // when set, reads after the probe wait on it

	mu     sync.Mutex
	reads  int
	closed bool
}

func (d *fakeDevice) Read(dst *gocv.Mat) bool {
	d.mu.Lock()
	i := d.reads
	d.reads++
	d.mu.Unlock()

	if d.block != nil && i >= camera.DefaultProbeFrames {
		<-d.block
	}
	if d.failAfter > 0 && i >= d.failAfter {
		return false
	}
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 481, 640, gocv.MatTypeCV8UC3)
	defer src.Close()
	bottom := src.Region(image.Rect(0, 240, 640, 481))
	bottom.SetTo(gocv.NewScalar(255, 255, 255, 0))
	bottom.Close()
	src.CopyTo(dst)
	return true
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) state() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.closed
}

type harness struct {
	gateway   *fakeGateway
	transport *fakeTransport
	device    *fakeDevice
	acquirer  *camera.Acquirer
	registry  *Registry
	opens     int
	mu        sync.Mutex
}

func sampleCamera() *store.Camera {
	return &store.Camera{
		ID:        testCamera,
		Name:      "weir",
		ROI:       waterlevel.RegionSpec{X1: 0, Y1: 0, X2: 100, Y2: 100},
		MinValue:  0,
		MaxValue:  1000,
		Threshold: 800,
		Status:    store.StatusInactive,
	}
}

func newHarness(cams ...*store.Camera) *harness {
	h := &harness{
		gateway:   newFakeGateway(cams...),
		transport: newFakeTransport(),
		device:    &fakeDevice{},
		registry:  NewRegistry(),
	}
	h.acquirer = camera.NewAcquirer(camera.AcquirerConfig{Candidates: []camera.Candidate{"1"}}, h.open)
	return h
}

func (h *harness) open(ctx context.Context, c camera.Candidate) (camera.Device, error) {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
	if h.device == nil {
		return nil, errors.New("no such device")
	}
	return h.device, nil
}

func (h *harness) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *harness) session() *Session {
	opts := DefaultOptions()
	opts.Pacing = 5 * time.Millisecond
	opts.ReadTimeout = time.Second
	return New(testCamera, h.transport, Deps{
		Gateway:  h.gateway,
		Acquirer: h.acquirer,
		Registry: h.registry,
	}, opts)
}

func run(t *testing.T, ctx context.Context, s *Session) Reason {
	t.Helper()
	done := make(chan Reason, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not terminate")
		return ""
	}
}

func TestConfigNotFound(t *testing.T) {
	h := newHarness()
	s := h.session()

	reason := run(t, context.Background(), s)

	assert.Equal(t, ReasonConfigNotFound, reason)
	assert.Equal(t, protocol.NewError("Camera configuration not found"), h.transport.last())
	assert.Zero(t, h.openCount())
	_, statuses := h.gateway.snapshot()
	assert.Empty(t, statuses)
	assert.True(t, h.transport.closed)
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, h.registry.Len())
}

func TestDetectorInitFailure(t *testing.T) {
	cam := sampleCamera()
	cam.MinValue, cam.MaxValue = 10, 0
	h := newHarness(cam)

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonDetectorInit, reason)
	last := h.transport.last()
	assert.Equal(t, protocol.TypeError, last.Type)
	assert.Contains(t, last.Message, "Invalid camera configuration")
	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusError}, statuses)
	assert.Zero(t, h.openCount())
	assert.Zero(t, h.registry.Len())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.control <- protocol.Control{Action: protocol.ActionStop}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonStoppedByClient, reason)
	assert.Equal(t, protocol.NewStatus(protocol.StatusInactive, "Camera stopped"), h.transport.last())
	assert.Zero(t, h.openCount())
	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusInactive}, statuses)
}

func TestUnknownActionIgnored(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.control <- protocol.Control{Action: "zoom"}
	h.transport.control <- protocol.Control{Action: protocol.ActionStop}

	assert.Equal(t, ReasonStoppedByClient, run(t, context.Background(), h.session()))
	assert.Zero(t, h.openCount())
}

func TestObserverLeavesBeforeStart(t *testing.T) {
	h := newHarness(sampleCamera())
	close(h.transport.control)

	assert.Equal(t, ReasonStoppedByClient, run(t, context.Background(), h.session()))
	assert.Zero(t, h.openCount())
}

func TestDeviceUnavailable(t *testing.T) {
	h := newHarness(sampleCamera())
	h.device = nil
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonDeviceUnavailable, reason)
	msgs := h.transport.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeStatus, msgs[0].Type)
	assert.Equal(t, protocol.StatusError, msgs[0].Status)
	assert.Equal(t, protocol.TypeError, msgs[1].Type)
	assert.Contains(t, msgs[1].Message, "Failed to connect to any camera")

	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusError}, statuses)
	assert.Empty(t, h.acquirer.Claimed())
}

func TestStreamUntilStop(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() && frames == 3 {
			h.transport.control <- protocol.Control{Action: protocol.ActionStop}
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}
	s := h.session()

	reason := run(t, context.Background(), s)
	require.Equal(t, ReasonStoppedByClient, reason)

	msgs := h.transport.messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, protocol.NewStatus(protocol.StatusConnected, "Connected to camera 1"), msgs[0])
	for _, m := range msgs[1:4] {
		require.True(t, m.IsFrame())
		require.NotNil(t, m.WaterLevel)
		require.NotNil(t, m.WaterLevelY)
		assert.Greater(t, *m.WaterLevel, 500.0)
		assert.InDelta(t, 240, *m.WaterLevelY, 1)

		jpeg, err := m.DecodeFrame()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0xD8}, jpeg[:2])
	}
	assert.Equal(t, protocol.NewStatus(protocol.StatusInactive, "Camera stopped"), msgs[4])

	levels, statuses := h.gateway.snapshot()
	assert.Len(t, levels, 3)
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusInactive}, statuses)

	reads, closed := h.device.state()
	assert.Equal(t, camera.DefaultProbeFrames+3, reads)
	assert.True(t, closed)
	assert.Empty(t, h.acquirer.Claimed())
	assert.Zero(t, h.registry.Len())

	info := s.Info()
	assert.Equal(t, StateTerminated, info.State)
	assert.Equal(t, "1", info.Device)
	assert.Equal(t, uint64(3), info.Frames)
	require.NotNil(t, info.LastLevel)
	assert.Greater(t, *info.LastLevel, 500.0)
}

func TestObserverLeavesMidStream(t *testing.T) {
	h := newHarness(sampleCamera())
	var once sync.Once
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() && frames == 2 {
			once.Do(func() { close(h.transport.control) })
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonTransportClosed, reason)
	assert.True(t, h.transport.last().IsFrame())
	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusInactive}, statuses)
	_, closed := h.device.state()
	assert.True(t, closed)
}

func TestFrameReadFailure(t *testing.T) {
	h := newHarness(sampleCamera())
	h.device.failAfter = camera.DefaultProbeFrames + 1
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonFrameReadFailure, reason)
	last := h.transport.last()
	assert.Equal(t, protocol.TypeError, last.Type)
	assert.Contains(t, last.Message, "Failed to read frame from camera")

	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusError}, statuses)
	_, closed := h.device.state()
	assert.True(t, closed)
}

func TestDeliveryFailure(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() {
			return errors.New("broken pipe")
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonDeliveryFailure, reason)
	msgs := h.transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.StatusConnected, msgs[0].Status)

	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusInactive}, statuses)
	assert.Empty(t, h.acquirer.Claimed())
}

func TestDuplicateSessionRejected(t *testing.T) {
	h := newHarness(sampleCamera())
	other := New(testCamera, newFakeTransport(), Deps{}, Options{})
	require.NoError(t, h.registry.Register(testCamera, other, func(error) {}))

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonSessionActive, reason)
	assert.Equal(t, protocol.NewError("Camera is already streaming to another client"), h.transport.last())
	_, statuses := h.gateway.snapshot()
	assert.Empty(t, statuses)

	got, ok := h.registry.Get(testCamera)
	require.True(t, ok)
	assert.Same(t, other, got)
	assert.Zero(t, h.openCount())
}

func TestCancelledWhileAwaitingStart(t *testing.T) {
	h := newHarness(sampleCamera())
	ctx, cancel := context.WithCancel(context.Background())
	s := h.session()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for s.State() != StateAwaitingStart && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	reason := run(t, ctx, s)

	assert.Equal(t, ReasonCancelled, reason)
	assert.Equal(t, protocol.NewError("Server shutting down"), h.transport.last())
	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusInactive}, statuses)
}

func TestRegistryStopEndsStream(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}
	s := h.session()

	done := make(chan Reason, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Info().Frames >= 2 }, 5*time.Second, time.Millisecond)
	require.True(t, h.registry.Stop(testCamera))

	select {
	case r := <-done:
		assert.Equal(t, ReasonCancelled, r)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}

	assert.Equal(t, protocol.NewError("Session stopped by operator"), h.transport.last())
	require.NoError(t, h.registry.Wait(context.Background()))
	_, closed := h.device.state()
	assert.True(t, closed)
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(sampleCamera())
	h.gateway.levelErr = errors.New("database is locked")
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() && frames == 2 {
			h.transport.control <- protocol.Control{Action: protocol.ActionStop}
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	reason := run(t, context.Background(), h.session())

	assert.Equal(t, ReasonStoppedByClient, reason)
	levels, _ := h.gateway.snapshot()
	assert.Empty(t, levels)
}

func TestLevelWritesAreRateLimited(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() && frames == 4 {
			h.transport.control <- protocol.Control{Action: protocol.ActionStop}
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	opts := DefaultOptions()
	opts.Pacing = time.Millisecond
	opts.LevelWriteInterval = time.Hour
	s := New(testCamera, h.transport, Deps{Gateway: h.gateway, Acquirer: h.acquirer, Registry: h.registry}, opts)

	assert.Equal(t, ReasonStoppedByClient, run(t, context.Background(), s))
	levels, _ := h.gateway.snapshot()
	assert.Len(t, levels, 1)
}

func TestStuckReadReleasesRegistry(t *testing.T) {
	h := newHarness(sampleCamera())
	h.device.block = make(chan struct{})
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	opts := DefaultOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	s := New(testCamera, h.transport, Deps{Gateway: h.gateway, Acquirer: h.acquirer, Registry: h.registry}, opts)

	start := time.Now()
	reason := run(t, context.Background(), s)

	assert.Equal(t, ReasonFrameReadFailure, reason)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, h.registry.Len())
	require.NoError(t, h.registry.Wait(context.Background()))

	last := h.transport.last()
	assert.Equal(t, protocol.TypeError, last.Type)
	assert.True(t, h.transport.closed)
	_, statuses := h.gateway.snapshot()
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusError}, statuses)

	// The driver still holds the device until its read returns.
	_, closed := h.device.state()
	assert.False(t, closed)
	assert.Equal(t, []camera.Candidate{"1"}, h.acquirer.Claimed())

	close(h.device.block)
	require.Eventually(t, func() bool {
		_, closed := h.device.state()
		return closed && len(h.acquirer.Claimed()) == 0
	}, 5*time.Second, time.Millisecond)
}

func TestEncodingFailureSkipsFrame(t *testing.T) {
	h := newHarness(sampleCamera())
	h.transport.onSend = func(msg protocol.Message, frames int) error {
		if msg.IsFrame() && frames == 3 {
			h.transport.control <- protocol.Control{Action: protocol.ActionStop}
		}
		return nil
	}
	h.transport.control <- protocol.Control{Action: protocol.ActionStart}

	var encodes atomic.Int32
	opts := DefaultOptions()
	opts.Pacing = time.Millisecond
	opts.Encode = func(img gocv.Mat, quality int) (string, error) {
		if encodes.Add(1) == 2 {
			return "", errors.New("encoder rejected frame")
		}
		return waterlevel.EncodeJPEG(img, quality)
	}
	s := New(testCamera, h.transport, Deps{Gateway: h.gateway, Acquirer: h.acquirer, Registry: h.registry}, opts)

	failures := testutil.ToFloat64(metrics.EncodeFailures)
	reason := run(t, context.Background(), s)

	assert.Equal(t, ReasonStoppedByClient, reason)
	assert.Equal(t, int32(4), encodes.Load())
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.EncodeFailures))

	var frames int
	for _, m := range h.transport.messages() {
		if m.IsFrame() {
			frames++
		}
	}
	assert.Equal(t, 3, frames)

	// The skipped frame still counts as a reading.
	assert.Equal(t, uint64(4), s.Info().Frames)
	levels, _ := h.gateway.snapshot()
	assert.Len(t, levels, 4)
}

func TestCancelledBeforeConfigWritesNoStatus(t *testing.T) {
	h := newHarness(sampleCamera())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason := run(t, ctx, h.session())

	assert.Equal(t, ReasonCancelled, reason)
	assert.Equal(t, protocol.NewError("Server shutting down"), h.transport.last())
	_, statuses := h.gateway.snapshot()
	assert.Empty(t, statuses)
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.openCount())
}
