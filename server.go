package main

import (
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
	"github.com/Tutortoise/catscan/scan"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxUploadBytes = 20 << 20
	pingInterval   = 30 * time.Second
	writeTimeout   = 5 * time.Second
)

// ModelStats is the part of a loaded model the monitoring routes need.
type ModelStats interface {
	Name() string
	Metrics() inference.MetricsSnapshot
}

type AppState struct {
	Scanner      *scan.Orchestrator
	Models       []ModelStats
	MaxPhotoSide int
	Log          *logrus.Entry
	upgrader     websocket.Upgrader
}

type StartResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status   string          `json:"status"`
	Models   []string        `json:"models"`
	Go       string          `json:"go"`
	Arch     string          `json:"arch"`
	CPUs     int             `json:"cpus"`
	Features map[string]bool `json:"cpu_features"`
}

func NewAppState(scanner *scan.Orchestrator, stats []ModelStats, maxSide int, log *logrus.Entry) *AppState {
	return &AppState{
		Scanner:      scanner,
		Models:       stats,
		MaxPhotoSide: maxSide,
		Log:          log.WithField("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     loopbackOrigin,
		},
	}
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/scans", s.handleStartScan).Methods("POST")
	r.HandleFunc("/scans/current", s.handleCancelScan).Methods("DELETE")
	r.HandleFunc("/scans/current", s.handleScanStatus).Methods("GET")
	r.HandleFunc("/scans/current/crop", s.handleCrop).Methods("GET")
	r.HandleFunc("/scans/events", s.handleEvents).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) handleStartScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	contentType := r.Header.Get("Content-Type")

	var imgBytes []byte
	var err error

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		imgBytes, err = handleJSONRequest(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		imgBytes, err = handleMultipartRequest(r)
	default:
		imgBytes, err = handleRawRequest(r)
	}
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	var photo *models.EncodedPhoto
	if len(imgBytes) > 0 {
		photo, err = preprocess.Normalize(&models.EncodedPhoto{Data: imgBytes}, s.MaxPhotoSide)
		if err != nil {
			s.Log.WithError(err).Warn("photo rejected")
			sendErrorResponse(w, "invalid_image", MsgUnreadablePic, http.StatusBadRequest)
			return
		}
	}

	id, err := s.Scanner.Start(photo)
	if errors.Is(err, scan.ErrBusy) {
		sendErrorResponse(w, "scan_in_progress", MsgScanBusy, http.StatusConflict)
		return
	}
	if err != nil {
		sendErrorResponse(w, "scan_error", err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{SessionID: id, Message: MsgScanStarted})
}

func (s *AppState) handleCancelScan(w http.ResponseWriter, _ *http.Request) {
	if !s.Scanner.Cancel() {
		sendErrorResponse(w, "no_active_scan", MsgNoActiveScan, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AppState) handleScanStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Scanner.Status())
}

func (s *AppState) handleCrop(w http.ResponseWriter, _ *http.Request) {
	outcome, ok := s.Scanner.LastOutcome()
	if !ok {
		sendErrorResponse(w, "no_result", MsgNoResult, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(outcome.Crop.Photo.Data)
}

// handleEvents streams orchestrator events over a websocket until the
// client goes away.
func (s *AppState) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, stop := s.Scanner.Subscribe()
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	if err := s.writeEvent(conn, s.statusEvent()); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				s.Log.WithError(err).Debug("event stream closed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *AppState) statusEvent() scan.Event {
	st := s.Scanner.Status()
	return scan.Event{
		SessionID:  st.SessionID,
		Stage:      st.Stage,
		Label:      st.Label,
		StatusText: st.StatusText,
		Message:    st.Message,
		Box:        st.Box,
		At:         time.Now(),
	}
}

func (s *AppState) writeEvent(conn *websocket.Conn, ev scan.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := make(map[string]inference.MetricsSnapshot, len(s.Models))
	for _, m := range s.Models {
		response[m.Name()] = m.Metrics()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.Models))
	for _, m := range s.Models {
		names = append(names, m.Name())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Models:   names,
		Go:       runtime.Version(),
		Arch:     runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
		Features: cpuFeatures(),
	})
}

func cpuFeatures() map[string]bool {
	return map[string]bool{
		"avx2":    cpu.X86.HasAVX2,
		"avx512f": cpu.X86.HasAVX512F,
		"fma":     cpu.X86.HasFMA,
		"asimd":   cpu.ARM64.HasASIMD,
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if i := strings.Index(req.Image, ","); i >= 0 && strings.HasPrefix(req.Image, "data:") {
		req.Image = req.Image[i+1:]
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

// loopbackOrigin accepts websocket clients served from this machine only.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
