package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tannatlabs/lens/pkg/api/metrics"
	"github.com/tannatlabs/lens/pkg/pipeline"
)

// AskRequest is the incoming question with optional prior turns.
type AskRequest struct {
	Question string          `json:"question"`
	History  []pipeline.Turn `json:"history,omitempty"`
}

// ArtifactResponse is one rendered output unit in wire form.
type ArtifactResponse struct {
	Kind  string              `json:"kind"`
	Text  string              `json:"text,omitempty"`
	Table *TableResponse      `json:"table,omitempty"`
	Chart *pipeline.ChartSpec `json:"chart,omitempty"`
}

type TableResponse struct {
	Columns  []string   `json:"columns"`
	Rows     [][]string `json:"rows"`
	Rendered string     `json:"rendered,omitempty"`
}

// AskResponse is the terminal answer returned to the caller. Suggested
// names visual kinds the caller may ask to render; nothing is pre-rendered
// for them.
type AskResponse struct {
	Answer    string             `json:"answer"`
	Artifacts []ArtifactResponse `json:"artifacts,omitempty"`
	Suggested []string           `json:"suggested,omitempty"`
	FollowUps []string           `json:"followUps,omitempty"`
	RequestID string             `json:"requestId"`
	ElapsedMs int64              `json:"elapsedMs"`
	Degraded  bool               `json:"degraded"`
	Error     string             `json:"error,omitempty"`
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAskRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	final, err := s.cfg.Orchestrator.Ask(r.Context(), req.Question, req.History, nil)
	metrics.AskDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AsksTotal.WithLabelValues("error").Inc()
		s.log.Error("api: ask failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, AskResponse{Error: "failed to answer question"})
		return
	}

	metrics.AsksTotal.WithLabelValues(outcomeOf(final)).Inc()
	writeJSON(w, http.StatusOK, toAskResponse(final))
}

// askStreamHandler answers over SSE: one "progress" event per pipeline
// stage transition, then a single "result" event carrying the full answer.
func (s *Server) askStreamHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAskRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Progress events arrive from worker goroutines; serialize the writes.
	events := make(chan pipeline.ProgressEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			writeSSE(w, flusher, "progress", ev)
		}
	}()

	start := time.Now()
	final, err := s.cfg.Orchestrator.Ask(r.Context(), req.Question, req.History,
		func(ev pipeline.ProgressEvent) { events <- ev })
	close(events)
	<-done
	metrics.AskDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.AsksTotal.WithLabelValues("error").Inc()
		s.log.Error("api: streamed ask failed", "error", err)
		writeSSE(w, flusher, "result", AskResponse{Error: "failed to answer question"})
		return
	}
	metrics.AsksTotal.WithLabelValues(outcomeOf(final)).Inc()
	writeSSE(w, flusher, "result", toAskResponse(final))
}

func decodeAskRequest(w http.ResponseWriter, r *http.Request) (AskRequest, bool) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func toAskResponse(final *pipeline.FinalResponse) AskResponse {
	resp := AskResponse{
		Answer:    final.Text,
		FollowUps: final.FollowUps,
		RequestID: final.Metadata.RequestID,
		ElapsedMs: final.Metadata.Elapsed.Milliseconds(),
		Degraded:  final.Metadata.Degraded,
	}
	for _, kind := range final.Suggested {
		resp.Suggested = append(resp.Suggested, string(kind))
	}
	for _, a := range final.Artifacts {
		ar := ArtifactResponse{Kind: string(a.Kind), Text: a.Text, Chart: a.Chart}
		if a.Table != nil {
			ar.Table = &TableResponse{
				Columns:  a.Table.Columns,
				Rows:     a.Table.Rows,
				Rendered: a.Table.Rendered,
			}
		}
		resp.Artifacts = append(resp.Artifacts, ar)
	}
	return resp
}

func outcomeOf(final *pipeline.FinalResponse) string {
	if final.Metadata.Degraded {
		return "degraded"
	}
	return "ok"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
