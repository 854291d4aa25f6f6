package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/logic/engine"
)

// maxBodyBytes bounds request bodies; every request here is a small JSON object.
const maxBodyBytes = 1 << 20

// Camera is the engine surface driven over HTTP.
type Camera interface {
	FrameSource
	Open(facing camera.Facing) *engine.Task
	Close() *engine.Task
	TakePicture(opts camera.PictureOptions, done func(*camera.PictureResult, error)) error
	TakeVideo(dest string, maxDuration time.Duration, opts camera.VideoOptions, done func(*camera.VideoResult, error)) error
	StopVideo()
	ApplyControl(ctl camera.Control) (*engine.Task, error)
	Capabilities() *camera.Capabilities
	State() camera.State
}

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	Facing        string `json:"facing"`
	Snapshot      bool   `json:"snapshot"`
	Overlay       bool   `json:"overlay"`
	Quality       int    `json:"quality"`
	VideoSnapshot bool   `json:"video_snapshot"`
	VideoFPS      int    `json:"video_frame_rate"`
	MaxDurationMs int    `json:"max_duration_ms"`
	MaxSizeBytes  int64  `json:"max_size_bytes"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Camera       Camera
	FormDefaults FormConfig
	OutputDir    string
	// TaskTimeout bounds how long a request waits for an engine intent.
	TaskTimeout time.Duration
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If cam is nil, the camera endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, cam Camera, formDefaults FormConfig, outputDir string, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Camera:       cam,
		FormDefaults: formDefaults,
		OutputDir:    outputDir,
		TaskTimeout:  10 * time.Second,
		staticFS:     staticFS,
	}
}

type openRequest struct {
	Facing string `json:"facing"`
}

type pictureRequest struct {
	Snapshot *bool `json:"snapshot"`
	Overlay  *bool `json:"overlay"`
	Quality  int   `json:"quality"`
}

type videoRequest struct {
	MaxDurationMs *int  `json:"max_duration_ms"`
	Snapshot      *bool `json:"snapshot"`
	Overlay       *bool `json:"overlay"`
}

type controlRequest struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// statusResponse is returned by lifecycle and control endpoints.
type statusResponse struct {
	State  camera.State   `json:"state"`
	Facing *camera.Facing `json:"facing,omitempty"`
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus returns the engine state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandleOpen handles POST /open. The facing defaults to the configured one.
func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	req := openRequest{Facing: h.FormDefaults.Facing}
	if !decodeJSON(w, r, &req) {
		return
	}
	facing, err := camera.ParseFacing(req.Facing)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.await(w, r, h.Camera.Open(facing))
}

// HandleClose handles POST /close.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.await(w, r, h.Camera.Close())
}

// HandlePicture handles POST /picture. The picture is written to the output
// directory once it completes; progress goes to the status stream.
func (h *Handlers) HandlePicture(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req pictureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts := camera.PictureOptions{
		Snapshot: h.FormDefaults.Snapshot,
		Overlay:  h.FormDefaults.Overlay,
		Quality:  h.FormDefaults.Quality,
	}
	if req.Snapshot != nil {
		opts.Snapshot = *req.Snapshot
	}
	if req.Overlay != nil {
		opts.Overlay = *req.Overlay
	}
	if req.Quality != 0 {
		if req.Quality < 1 || req.Quality > 100 {
			http.Error(w, "quality must be between 1 and 100", http.StatusBadRequest)
			return
		}
		opts.Quality = req.Quality
	}

	path := h.outputPath("IMG", ".jpg")
	err := h.Camera.TakePicture(opts, func(res *camera.PictureResult, err error) {
		h.savePicture(path, res, err)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "path": path})
}

func (h *Handlers) savePicture(path string, res *camera.PictureResult, err error) {
	if err != nil {
		h.Broadcaster.send(StatusEvent{Level: "error", Kind: "picture", Msg: "Picture failed: " + err.Error()})
		return
	}
	if err := writeFile(path, res.Data); err != nil {
		debug.Error(err)
		h.Broadcaster.send(StatusEvent{Level: "error", Kind: "picture", Msg: "Picture not saved: " + err.Error()})
		return
	}
	msg := fmt.Sprintf("%s %s rotation=%d facing=%s latency=%s",
		path, res.Size, res.Rotation, res.Facing, res.Latency.Round(time.Millisecond))
	debug.Info("Picture saved: %s", msg)
	h.Broadcaster.send(StatusEvent{Level: "info", Kind: "picture", Msg: msg})
}

// HandleVideoStart handles POST /video/start.
func (h *Handlers) HandleVideoStart(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req videoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts := camera.VideoOptions{
		Snapshot:     h.FormDefaults.VideoSnapshot,
		FrameRate:    h.FormDefaults.VideoFPS,
		MaxSizeBytes: h.FormDefaults.MaxSizeBytes,
		Overlay:      h.FormDefaults.Overlay,
	}
	if req.Snapshot != nil {
		opts.Snapshot = *req.Snapshot
	}
	if req.Overlay != nil {
		opts.Overlay = *req.Overlay
	}
	maxMs := h.FormDefaults.MaxDurationMs
	if req.MaxDurationMs != nil {
		if *req.MaxDurationMs < 0 {
			http.Error(w, "max_duration_ms must not be negative", http.StatusBadRequest)
			return
		}
		maxMs = *req.MaxDurationMs
	}

	path := h.outputPath("VID", ".avi")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err := h.Camera.TakeVideo(path, time.Duration(maxMs)*time.Millisecond, opts, h.videoDone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "path": path})
}

func (h *Handlers) videoDone(res *camera.VideoResult, err error) {
	switch {
	case err != nil && res != nil:
		h.Broadcaster.send(StatusEvent{Level: "error", Kind: "video",
			Msg: fmt.Sprintf("Recording failed, %d frames kept in %s: %v", res.Frames, res.Path, err)})
	case err != nil:
		h.Broadcaster.send(StatusEvent{Level: "error", Kind: "video", Msg: "Recording failed: " + err.Error()})
	default:
		msg := fmt.Sprintf("%s %s %d frames %s (%s)", res.Path, res.Size, res.Frames,
			res.Duration.Round(time.Millisecond), res.EndReason)
		debug.Info("Video saved: %s", msg)
		h.Broadcaster.send(StatusEvent{Level: "info", Kind: "video", Msg: msg})
	}
}

// HandleVideoStop handles POST /video/stop.
func (h *Handlers) HandleVideoStop(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.Camera.StopVideo()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleControl handles POST /control {"kind":"zoom","value":0.5}. Facing,
// flash and white balance take their names as string values.
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req controlRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctl, err := parseControl(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task, err := h.Camera.ApplyControl(ctl)
	if err != nil {
		writeError(w, err)
		return
	}
	h.await(w, r, task)
}

// HandleCapabilities returns the descriptor of the open device.
func (h *Handlers) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	caps := h.Camera.Capabilities()
	if caps == nil {
		http.Error(w, "camera closed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ---------- Helpers ----------

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *Handlers) status() statusResponse {
	resp := statusResponse{State: h.Camera.State()}
	if caps := h.Camera.Capabilities(); caps != nil {
		f := caps.Facing
		resp.Facing = &f
	}
	return resp
}

// await blocks until task resolves, the client leaves or TaskTimeout passes.
func (h *Handlers) await(w http.ResponseWriter, r *http.Request, task *engine.Task) {
	ctx, cancel := context.WithTimeout(r.Context(), h.TaskTimeout)
	defer cancel()
	if err := task.Wait(ctx); err != nil {
		writeError(w, fmt.Errorf("%s: %w", task.Name(), err))
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handlers) outputPath(prefix, ext string) string {
	ts := strings.Replace(time.Now().Format("20060102_150405.000"), ".", "_", 1)
	return filepath.Join(h.OutputDir, prefix+"_"+ts+ext)
}

func parseControl(req controlRequest) (camera.Control, error) {
	kind, err := camera.ParseControlKind(req.Kind)
	if err != nil {
		return camera.Control{}, err
	}
	if len(req.Value) == 0 {
		return camera.Control{}, fmt.Errorf("control %s needs a value", kind)
	}
	switch kind {
	case camera.ControlFacing, camera.ControlFlash, camera.ControlWhiteBalance:
		var name string
		if err := json.Unmarshal(req.Value, &name); err != nil {
			return camera.Control{}, fmt.Errorf("control %s: value must be a string", kind)
		}
		switch kind {
		case camera.ControlFacing:
			f, err := camera.ParseFacing(name)
			return camera.FacingControl(f), err
		case camera.ControlFlash:
			f, err := camera.ParseFlash(name)
			return camera.FlashControl(f), err
		default:
			wb, err := camera.ParseWhiteBalance(name)
			return camera.WhiteBalanceControl(wb), err
		}
	}
	var v float64
	if err := json.Unmarshal(req.Value, &v); err != nil {
		return camera.Control{}, fmt.Errorf("control %s: value must be a number", kind)
	}
	return camera.Control{Kind: kind, Value: v}, nil
}

// decodeJSON reads an optional JSON body into v. It writes the error
// response and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrCaptureInProgress),
		errors.Is(err, camera.ErrDeviceBusy),
		errors.Is(err, camera.ErrCanceled),
		errors.Is(err, camera.ErrInvalidSurface),
		errors.Is(err, camera.ErrBindTimeout):
		return http.StatusConflict
	case errors.Is(err, camera.ErrUnsupportedControl):
		return http.StatusUnprocessableEntity
	case errors.Is(err, camera.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrReleased):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
