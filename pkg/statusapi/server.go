// Package statusapi exposes an Engine's room/push/telemetry state over
// HTTP, and lets a host join/leave a room or toggle push without linking
// against pkg/engine directly. A plain http.ServeMux with a
// withCORS/withLogging middleware chain and a responseWriter status-code
// wrapper fronts the handlers below.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/rtplive-engine/pkg/engine"
	"github.com/ethan/rtplive-engine/pkg/logger"
)

// Server is the control/status HTTP surface for one Engine.
type Server struct {
	engine     *engine.Engine
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer creates a Server fronting eng.
func NewServer(eng *engine.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{engine: eng, log: log.With("category", "statusapi")}
}

// Start launches the HTTP server in the background and returns once it
// is listening or has failed immediately.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/room/join", s.handleRoomJoin)
	mux.HandleFunc("/room/leave", s.handleRoomLeave)
	mux.HandleFunc("/push", s.handlePush)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting status API", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status API server error", "err", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping status API")
	return s.httpServer.Shutdown(ctx)
}

type peerStatusResponse struct {
	Name          string `json:"name"`
	VideoSSRC     uint32 `json:"videoSsrc"`
	AudioSSRC     uint32 `json:"audioSsrc"`
	VideoHardware bool   `json:"videoHardware"`
	AudioHardware bool   `json:"audioHardware"`
}

type statusResponse struct {
	LocalName      string `json:"localName"`
	Room           string `json:"room"`
	Pushing        bool   `json:"pushing"`
	LocalSSRCVideo uint32 `json:"localSsrcVideo"`
	LocalSSRCAudio uint32 `json:"localSsrcAudio"`

	UploadSpeedVideo   uint64 `json:"uploadSpeedVideo"`
	UploadTotalVideo   uint64 `json:"uploadTotalVideo"`
	UploadSpeedAudio   uint64 `json:"uploadSpeedAudio"`
	UploadTotalAudio   uint64 `json:"uploadTotalAudio"`
	DownloadSpeedVideo uint64 `json:"downloadSpeedVideo"`
	DownloadTotalVideo uint64 `json:"downloadTotalVideo"`
	DownloadSpeedAudio uint64 `json:"downloadSpeedAudio"`
	DownloadTotalAudio uint64 `json:"downloadTotalAudio"`

	Jitter       float64 `json:"jitter"`
	FractionLost float64 `json:"fractionLost"`
	RTT          float64 `json:"rtt"`

	Peers []peerStatusResponse `json:"peers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.engine.Status()
	resp := statusResponse{
		LocalName:          st.LocalName,
		Room:               st.Room,
		Pushing:            st.Pushing,
		LocalSSRCVideo:     st.LocalSSRCVideo,
		LocalSSRCAudio:     st.LocalSSRCAudio,
		UploadSpeedVideo:   st.UploadSpeedVideo,
		UploadTotalVideo:   st.UploadTotalVideo,
		UploadSpeedAudio:   st.UploadSpeedAudio,
		UploadTotalAudio:   st.UploadTotalAudio,
		DownloadSpeedVideo: st.DownloadSpeedVideo,
		DownloadTotalVideo: st.DownloadTotalVideo,
		DownloadSpeedAudio: st.DownloadSpeedAudio,
		DownloadTotalAudio: st.DownloadTotalAudio,
		Jitter:             st.Jitter,
		FractionLost:       st.FractionLost,
		RTT:                st.RTT,
		Peers:              make([]peerStatusResponse, 0, len(st.Peers)),
	}
	for _, p := range st.Peers {
		resp.Peers = append(resp.Peers, peerStatusResponse{
			Name:          p.Name,
			VideoSSRC:     p.VideoSSRC,
			AudioSSRC:     p.AudioSSRC,
			VideoHardware: p.VideoHardware,
			AudioHardware: p.AudioHardware,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to encode status response", "err", err)
	}
}

type roomJoinRequest struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req roomJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		if err := s.engine.SetLocalName(req.Name); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.engine.JoinRoom(req.Room); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoomLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.LeaveRoom(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.engine.EnablePush(req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging assigns each request a correlation id so a multi-line
// handler (e.g. room join, which touches two RTP sessions and the user
// manager) can be traced as one unit across the log.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info("HTTP request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
