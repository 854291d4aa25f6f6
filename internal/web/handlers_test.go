package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/hw/backend/virtual"
	"github.com/cjeanneret/camkit/internal/logic/engine"
	"github.com/cjeanneret/camkit/internal/preview"
)

// ---------- Handler helpers ----------

func newTestHandlers(t *testing.T, vopts virtual.Options) (*Handlers, *engine.Engine) {
	t.Helper()
	outDir := t.TempDir()
	eng := engine.New(virtual.New(vopts), engine.Options{BindTimeout: time.Second, OpTimeout: 2 * time.Second})
	t.Cleanup(func() {
		eng.Release()
		<-eng.Done()
	})
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	h := NewHandlers(
		NewStatusBroadcaster(),
		eng,
		FormConfig{Facing: "back", Quality: 80, VideoFPS: 20},
		outDir,
		staticFS,
	)
	h.TaskTimeout = 5 * time.Second
	eng.AddListener(h.Broadcaster.Listener())
	return h, eng
}

// previewing opens the back camera on a ready window.
func previewing(t *testing.T, eng *engine.Engine) {
	t.Helper()
	w := preview.NewWindow()
	w.Create(camera.Size{Width: 640, Height: 480})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Open(camera.FacingBack).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := eng.Bind(w).Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func call(h http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var raw struct {
		State  string `json:"state"`
		Facing string `json:"facing"`
	}
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp := statusResponse{}
	for _, s := range []camera.State{camera.StateOff, camera.StateEngine, camera.StateBind, camera.StatePreview} {
		if s.String() == raw.State {
			resp.State = s
		}
	}
	if raw.Facing != "" {
		f, _ := camera.ParseFacing(raw.Facing)
		resp.Facing = &f
	}
	return resp
}

// waitEvent reads the status stream until an event of kind arrives.
func waitEvent(t *testing.T, ch <-chan string, kind string) StatusEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-ch:
			var evt StatusEvent
			if err := json.Unmarshal([]byte(msg), &evt); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %q event", kind)
		}
	}
}

// ---------- HandleOpen / HandleClose ----------

func TestHandleOpen_AndClose(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})

	w := call(h.HandleOpen, http.MethodPost, "/open", `{"facing":"front"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open: status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body)
	}
	resp := decodeStatus(t, w)
	if resp.State != camera.StateEngine || resp.Facing == nil || *resp.Facing != camera.FacingFront {
		t.Errorf("open response = %+v, want ENGINE/front", resp)
	}

	w = call(h.HandleClose, http.MethodPost, "/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("close: status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp := decodeStatus(t, w); resp.State != camera.StateOff || resp.Facing != nil {
		t.Errorf("close response = %+v, want OFF", resp)
	}
}

func TestHandleOpen_DefaultFacing(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	w := call(h.HandleOpen, http.MethodPost, "/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if caps := eng.Capabilities(); caps == nil || caps.Facing != camera.FacingBack {
		t.Errorf("capabilities = %+v, want back", caps)
	}
}

func TestHandleOpen_BadRequests(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})
	cases := []struct {
		name string
		body string
	}{
		{"unknown_facing", `{"facing":"side"}`},
		{"invalid_json", "not json"},
		{"oversized", `{"facing":"` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(h.HandleOpen, http.MethodPost, "/open", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleOpen_NoDevice(t *testing.T) {
	hub := virtual.NewHub(virtual.Device{Facing: camera.FacingBack, SensorOffset: 90, Sensor: camera.Size{Width: 640, Height: 480}})
	h, _ := newTestHandlers(t, virtual.Options{Hub: hub})
	w := call(h.HandleOpen, http.MethodPost, "/open", `{"facing":"front"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandlers_NilCamera(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, FormConfig{}, t.TempDir(), fstest.MapFS{})
	for name, fn := range map[string]http.HandlerFunc{
		"open":    h.HandleOpen,
		"picture": h.HandlePicture,
		"control": h.HandleControl,
		"status":  h.HandleStatus,
	} {
		if w := call(fn, http.MethodPost, "/"+name, "{}"); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", name, w.Code, http.StatusServiceUnavailable)
		}
	}
}

// ---------- HandlePicture ----------

func TestHandlePicture_SavesFile(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := call(h.HandlePicture, http.MethodPost, "/picture", `{"quality":75}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" || !strings.HasSuffix(resp["path"], ".jpg") {
		t.Errorf("response = %v", resp)
	}

	evt := waitEvent(t, ch, "picture")
	if evt.Level != "info" || !strings.Contains(evt.Msg, "rotation=90") {
		t.Errorf("picture event = %+v", evt)
	}
	data, err := os.ReadFile(resp["path"])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.Errorf("saved file is not a JPEG: %v", err)
	}
}

func TestHandlePicture_Conflict(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	// Open without a surface: the first picture waits for PREVIEW.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Open(camera.FacingBack).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if w := call(h.HandlePicture, http.MethodPost, "/picture", ""); w.Code != http.StatusAccepted {
		t.Fatalf("first picture: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if w := call(h.HandlePicture, http.MethodPost, "/picture", ""); w.Code != http.StatusConflict {
		t.Errorf("second picture: status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandlePicture_InvalidQuality(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})
	for _, q := range []int{-1, 101} {
		w := call(h.HandlePicture, http.MethodPost, "/picture", fmt.Sprintf(`{"quality":%d}`, q))
		if w.Code != http.StatusBadRequest {
			t.Errorf("quality %d: status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandlePicture_SnapshotFailureReported(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// A plain window cannot be read back.
	if w := call(h.HandlePicture, http.MethodPost, "/picture", `{"snapshot":true}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if evt := waitEvent(t, ch, "picture"); evt.Level != "error" {
		t.Errorf("event = %+v, want an error", evt)
	}
}

// ---------- HandleVideo ----------

func TestHandleVideo_StartStop(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := call(h.HandleVideoStart, http.MethodPost, "/video/start", `{"max_duration_ms":0}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)

	waitEvent(t, ch, "video_start")
	if w := call(h.HandleVideoStart, http.MethodPost, "/video/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start: status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := call(h.HandleVideoStop, http.MethodPost, "/video/stop", ""); w.Code != http.StatusAccepted {
		t.Errorf("stop: status = %d, want %d", w.Code, http.StatusAccepted)
	}

	evt := waitEvent(t, ch, "video")
	if evt.Level != "info" || !strings.Contains(evt.Msg, "(user)") {
		t.Errorf("video event = %+v", evt)
	}
	if info, err := os.Stat(resp["path"]); err != nil || info.Size() == 0 {
		t.Errorf("recording not written: %v", err)
	}
}

func TestHandleVideo_NegativeDuration(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})
	w := call(h.HandleVideoStart, http.MethodPost, "/video/start", `{"max_duration_ms":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ---------- HandleControl ----------

func TestHandleControl(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"zoom", `{"kind":"zoom","value":0.5}`, http.StatusOK},
		{"white_balance", `{"kind":"white_balance","value":"daylight"}`, http.StatusOK},
		{"exposure", `{"kind":"exposure","value":-1}`, http.StatusOK},
		{"zoom_out_of_range", `{"kind":"zoom","value":2}`, http.StatusUnprocessableEntity},
		{"flash_without_lamp", `{"kind":"flash","value":"on"}`, http.StatusUnprocessableEntity},
		{"unknown_kind", `{"kind":"iso","value":100}`, http.StatusBadRequest},
		{"missing_value", `{"kind":"zoom"}`, http.StatusBadRequest},
		{"string_for_number", `{"kind":"zoom","value":"wide"}`, http.StatusBadRequest},
		{"number_for_name", `{"kind":"flash","value":1}`, http.StatusBadRequest},
		{"unknown_name", `{"kind":"white_balance","value":"shade"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := call(h.HandleControl, http.MethodPost, "/control", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, strings.TrimSpace(w.Body.String()))
			}
		})
	}
}

func TestHandleControl_FacingSwitch(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)

	w := call(h.HandleControl, http.MethodPost, "/control", `{"kind":"facing","value":"front"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body)
	}
	resp := decodeStatus(t, w)
	if resp.State != camera.StatePreview || resp.Facing == nil || *resp.Facing != camera.FacingFront {
		t.Errorf("response = %+v, want PREVIEW/front", resp)
	}
}

// ---------- HandleCapabilities / HandleStatus ----------

func TestHandleCapabilities(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})

	if w := call(h.HandleCapabilities, http.MethodGet, "/capabilities", ""); w.Code != http.StatusConflict {
		t.Errorf("closed: status = %d, want %d", w.Code, http.StatusConflict)
	}

	previewing(t, eng)
	w := call(h.HandleCapabilities, http.MethodGet, "/capabilities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, want := range []string{`"facing":"back"`, `"sensor_offset":90`, `"zoom_supported":true`} {
		if !strings.Contains(body, want) {
			t.Errorf("capabilities %s missing %s", body, want)
		}
	}
}

func TestHandleStatus(t *testing.T) {
	h, eng := newTestHandlers(t, virtual.Options{})
	previewing(t, eng)
	w := call(h.HandleStatus, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp := decodeStatus(t, w); resp.State != camera.StatePreview {
		t.Errorf("state = %s, want PREVIEW", resp.State)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})
	w := call(h.HandleConfig, http.MethodGet, "/config", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Facing != "back" {
		t.Errorf("Facing = %q, want back", fc.Facing)
	}
	if fc.Quality != 80 {
		t.Errorf("Quality = %d, want 80", fc.Quality)
	}
	if fc.VideoFPS != 20 {
		t.Errorf("VideoFPS = %d, want 20", fc.VideoFPS)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h, _ := newTestHandlers(t, virtual.Options{})
	w := call(h.ServeIndex, http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Error mapping ----------

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("picture: %w", camera.ErrCaptureInProgress), http.StatusConflict},
		{camera.ErrDeviceBusy, http.StatusConflict},
		{camera.ErrBindTimeout, http.StatusConflict},
		{fmt.Errorf("zoom: %w", camera.ErrUnsupportedControl), http.StatusUnprocessableEntity},
		{camera.ErrNoDevice, http.StatusNotFound},
		{camera.ErrReleased, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: isp", camera.ErrEngineFailure), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// ---------- Server ----------

func TestServer_RoutesAndPreviewSocket(t *testing.T) {
	dir := t.TempDir()
	eng := engine.New(virtual.New(virtual.Options{}), engine.Options{})
	t.Cleanup(func() {
		eng.Release()
		<-eng.Done()
	})
	srv := NewServer(":0", NewStatusBroadcaster(), eng, FormConfig{Facing: "back"}, dir)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Post(ts.URL+"/open", "application/json", strings.NewReader(`{"facing":"back"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /open = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	win := preview.NewWindow()
	win.Create(camera.Size{Width: 640, Height: 480})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Bind(win).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/preview/ws", nil)
	if err != nil {
		t.Fatalf("dial preview: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read preview frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", kind)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("preview frame is not a JPEG: %v", err)
	}
	// The back sensor is mounted at 90, so the landscape stream is turned
	// upright for the view.
	if cfg.Width >= cfg.Height {
		t.Errorf("preview frame %dx%d, want portrait", cfg.Width, cfg.Height)
	}
}
