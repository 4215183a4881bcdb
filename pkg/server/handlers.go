package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ken/pokescan/pkg/capture"
	"github.com/ken/pokescan/pkg/classify"
	"github.com/ken/pokescan/pkg/embedding"
	"github.com/ken/pokescan/pkg/session"
)

// ScanResponse is the body of a successful scan. Location is set only for
// a confident decision and names the page of the detected label; an
// ambiguous one lists the page of every candidate instead.
type ScanResponse struct {
	Decision   classify.Decision `json:"decision"`
	Location   string            `json:"location,omitempty"`
	Candidates []CandidateLink   `json:"candidates,omitempty"`
}

// CandidateLink is a shortlisted label and its page
type CandidateLink struct {
	classify.Candidate
	Location string `json:"location"`
}

// NewScanResponse links a decision to the pages it points at
func NewScanResponse(decision classify.Decision) ScanResponse {
	resp := ScanResponse{Decision: decision}
	switch decision.Kind {
	case classify.Confident:
		resp.Location = LabelLocation(decision.Label)
	case classify.Ambiguous:
		for _, c := range decision.Candidates {
			resp.Candidates = append(resp.Candidates, CandidateLink{Candidate: c, Location: LabelLocation(c.Label)})
		}
	}
	return resp
}

// SelectRequest picks one candidate of the last ambiguous scan
type SelectRequest struct {
	Label string `json:"label"`
}

// SelectResponse carries the page of the selected label
type SelectResponse struct {
	Label    string `json:"label"`
	Location string `json:"location"`
}

// SettingsRequest updates scan tuning; absent fields are left alone
type SettingsRequest struct {
	K         *int     `json:"k"`
	Threshold *float64 `json:"threshold"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

// LabelLocation is where the navigation collaborator shows a label
func LabelLocation(label string) string {
	return "/pokemon/" + label
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

// StatusStreamHandler streams every snapshot as a server-sent "status" event
func (s *Server) StatusStreamHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := s.scanner.State().Watch(16)
	defer cancel()

	clientGone := r.Context().Done()
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("failed to marshal status", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()

		case <-clientGone:
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) BuildHandler(w http.ResponseWriter, r *http.Request) {
	resume, _ := strconv.ParseBool(r.URL.Query().Get("resume"))

	done, err := s.scanner.StartBuild(s.ctx, resume)
	if err != nil {
		s.writeError(w, err)
		return
	}
	go func() {
		if res := <-done; res.Err != nil {
			s.logger.Warn("background build ended", "error", res.Err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, s.scanner.Snapshot())
}

func (s *Server) CancelBuildHandler(w http.ResponseWriter, r *http.Request) {
	s.scanner.CancelBuild()
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.Clear(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) StartCameraHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.StartCamera(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) StopCameraHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.StopCamera(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

// ImportHandler accepts a multipart form with the file in the "image" field
func (s *Server) ImportHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "File too large or malformed form"})
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing image field"})
		return
	}
	defer file.Close()

	if err := s.scanner.Import(r.Context(), file); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) ClearImportHandler(w http.ResponseWriter, r *http.Request) {
	s.scanner.ClearImport()
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	contentType, err := s.scanner.Preview(&buf)
	if err != nil {
		if errors.Is(err, capture.ErrNoSource) {
			http.Error(w, "No imported image", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	buf.WriteTo(w)
}

// ScanHandler classifies the current source. Every decision kind is a
// valid result; a confident one also carries a Location header.
func (s *Server) ScanHandler(w http.ResponseWriter, r *http.Request) {
	decision, err := s.scanner.Scan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := NewScanResponse(decision)
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// SelectHandler resolves a candidate of the last ambiguous scan to its page
func (s *Server) SelectHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Label == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Body must name a label"})
		return
	}
	if err := s.scanner.Select(req.Label); err != nil {
		s.writeError(w, err)
		return
	}

	location := LabelLocation(req.Label)
	w.Header().Set("Location", location)
	s.writeJSON(w, http.StatusOK, SelectResponse{Label: req.Label, Location: location})
}

func (s *Server) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})
		return
	}

	if req.K != nil {
		if err := s.scanner.SetK(*req.K); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Threshold != nil {
		if err := s.scanner.SetThreshold(*req.Threshold); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.Retry(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, classify.ErrIndexEmpty):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotReady), errors.Is(err, embedding.ErrInitialization),
		errors.Is(err, capture.ErrCameraUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidSetting), errors.Is(err, capture.ErrNoSource),
		errors.Is(err, session.ErrNotCandidate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
