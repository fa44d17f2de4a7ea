package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/protocol"
	"github.com/teslashibe/go-waterwatch/pkg/session"
	"github.com/teslashibe/go-waterwatch/pkg/store"
	"github.com/teslashibe/go-waterwatch/pkg/waterlevel"
	"gocv.io/x/gocv"
)

// brightDevice yields frames whose lower half is white.
type brightDevice struct{}

func (brightDevice) Read(dst *gocv.Mat) bool {
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 481, 640, gocv.MatTypeCV8UC3)
	defer src.Close()
	bottom := src.Region(image.Rect(0, 240, 640, 481))
	bottom.SetTo(gocv.NewScalar(255, 255, 255, 0))
	bottom.Close()
	src.CopyTo(dst)
	return true
}

func (brightDevice) Close() error { return nil }

type testEnv struct {
	srv   *Server
	store *store.SQLiteStore
	addr  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "waterwatch.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acq := camera.NewAcquirer(camera.AcquirerConfig{Candidates: []camera.Candidate{"0"}},
		func(ctx context.Context, c camera.Candidate) (camera.Device, error) {
			return brightDevice{}, nil
		})

	opts := session.DefaultOptions()
	opts.Pacing = 10 * time.Millisecond

	srv := New(Config{Version: "test", Session: opts}, Deps{
		Store:    st,
		Acquirer: acq,
		Registry: session.NewRegistry(),
	})
	return &testEnv{srv: srv, store: st}
}

// listen serves the app on a random local port.
func (e *testEnv) listen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e.addr = ln.Addr().String()

	go func() { _ = e.srv.App().Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.srv.Shutdown(ctx)
	})
}

func (e *testEnv) createCamera(t *testing.T) *store.Camera {
	t.Helper()
	cam, err := e.store.Create(context.Background(), store.NewCamera{
		Name:      "weir",
		ROI:       waterlevel.RegionSpec{X1: 0, Y1: 0, X2: 100, Y2: 100},
		MinValue:  0,
		MaxValue:  1000,
		Threshold: 900,
	})
	require.NoError(t, err)
	return cam
}

func (e *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+e.addr+"/api/ws/water-level/"+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return *msg
}

func sendAction(t *testing.T, ws *websocket.Conn, action protocol.Action) {
	t.Helper()
	data, err := json.Marshal(protocol.Control{Action: action})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &out)
	return resp.StatusCode, out
}

func TestCameraAPI(t *testing.T) {
	env := newTestEnv(t)
	app := env.srv.App()

	code, created := doJSON(t, app, "POST", "/api/cameras", map[string]interface{}{
		"name":       "river",
		"roi_coords": map[string]float64{"x1": 10, "y1": 10, "x2": 60, "y2": 90},
		"min_value":  0,
		"max_value":  500,
		"threshold":  400,
	})
	require.Equal(t, http.StatusCreated, code)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "inactive", created["status"])

	code, list := doJSON(t, app, "GET", "/api/cameras", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, list["count"])

	code, got := doJSON(t, app, "GET", "/api/cameras/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "river", got["name"])

	code, _ = doJSON(t, app, "GET", "/api/cameras/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, bad := doJSON(t, app, "POST", "/api/cameras", map[string]interface{}{"name": "", "min_value": 5, "max_value": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, bad["error"], "invalid camera")

	code, _ = doJSON(t, app, "DELETE", "/api/cameras/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, app, "DELETE", "/api/cameras/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCaptureAPI(t *testing.T) {
	env := newTestEnv(t)
	app := env.srv.App()

	code, body := doJSON(t, app, "PUT", "/api/capture", map[string]interface{}{"preset": "vga", "quality": 60})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 640, body["width"])
	assert.EqualValues(t, 60, body["quality"])

	code, _ = doJSON(t, app, "PUT", "/api/capture", map[string]interface{}{"preset": "8k"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = doJSON(t, app, "GET", "/api/capture/presets", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["names"], "720p")

	code, body = doJSON(t, app, "GET", "/api/capture", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "capabilities")
	assert.EqualValues(t, 1, body["revision"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CaptureRevision))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	app := env.srv.App()

	code, health := doJSON(t, app, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["sessions"])

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "waterwatch_active_sessions")

	code, banner := doJSON(t, app, "GET", "/", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waterwatch", banner["name"])
}

func TestStreamRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.srv.App().Test(httptest.NewRequest("GET", "/api/ws/water-level/abc", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	cam := env.createCamera(t)

	ws := env.dial(t, cam.ID)
	sendAction(t, ws, protocol.ActionStart)

	connected := readMessage(t, ws)
	assert.Equal(t, protocol.TypeStatus, connected.Type)
	assert.Equal(t, protocol.StatusConnected, connected.Status)
	assert.Equal(t, "Connected to camera 0", connected.Message)

	frame := readMessage(t, ws)
	require.True(t, frame.IsFrame())
	require.NotNil(t, frame.WaterLevel)
	assert.Greater(t, *frame.WaterLevel, 500.0)

	require.Eventually(t, func() bool { return env.srv.Registry().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	sendAction(t, ws, protocol.ActionStop)
	for {
		msg := readMessage(t, ws)
		if msg.IsFrame() {
			continue
		}
		assert.Equal(t, protocol.NewStatus(protocol.StatusInactive, "Camera stopped"), msg)
		break
	}

	require.Eventually(t, func() bool { return env.srv.Registry().Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	stored, err := env.store.FetchConfig(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, stored.Status)
	require.NotNil(t, stored.CurrentLevel)
	assert.Greater(t, *stored.CurrentLevel, 500.0)
}

func TestStreamUnknownCamera(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)

	ws := env.dial(t, "does-not-exist")
	msg := readMessage(t, ws)
	assert.Equal(t, protocol.NewError("Camera configuration not found"), msg)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
}

func TestSecondObserverRejected(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	cam := env.createCamera(t)

	env.dial(t, cam.ID)
	require.Eventually(t, func() bool { return env.srv.Registry().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	second := env.dial(t, cam.ID)
	msg := readMessage(t, second)
	assert.Equal(t, protocol.NewError("Camera is already streaming to another client"), msg)

	infos := env.srv.Registry().List()
	require.Len(t, infos, 1)
	assert.Equal(t, session.StateAwaitingStart, infos[0].State)
}

func TestAdminStopSession(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	cam := env.createCamera(t)

	ws := env.dial(t, cam.ID)
	require.Eventually(t, func() bool { return env.srv.Registry().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	code, body := doJSON(t, env.srv.App(), "GET", "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, _ = doJSON(t, env.srv.App(), "DELETE", "/api/sessions/"+cam.ID, nil)
	assert.Equal(t, http.StatusAccepted, code)

	msg := readMessage(t, ws)
	assert.Equal(t, protocol.NewError("Session stopped by operator"), msg)

	code, _ = doJSON(t, env.srv.App(), "DELETE", "/api/sessions/"+cam.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestShutdownNotifiesObservers(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)
	cam := env.createCamera(t)

	ws := env.dial(t, cam.ID)
	require.Eventually(t, func() bool { return env.srv.Registry().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.srv.Shutdown(ctx) }()

	msg := readMessage(t, ws)
	assert.Equal(t, protocol.NewError("Server shutting down"), msg)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Zero(t, env.srv.Registry().Len())
}

func TestShutdownRefusesLateObservers(t *testing.T) {
	env := newTestEnv(t)
	env.listen(t)

	var wg sync.WaitGroup
	var entered atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.srv.enter() {
				entered.Add(1)
				time.Sleep(time.Millisecond)
				env.srv.handlers.Done()
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))
	admitted := entered.Load()
	wg.Wait()

	// Everything admitted finished before Shutdown returned; nothing after.
	assert.Equal(t, admitted, entered.Load())
	assert.False(t, env.srv.enter())
}
