// Package server exposes the aligner as an asynchronous HTTP job service.
//
//	POST   /transcriptions                 upload audio and transcript, start a job
//	GET    /transcriptions                 list jobs, newest first
//	GET    /transcriptions/{id}            job status
//	DELETE /transcriptions/{id}            remove a finished job
//	GET    /transcriptions/{id}/align.json alignment result as JSON
//	GET    /transcriptions/{id}/align.csv  alignment result as CSV
//	GET    /transcriptions/{id}/events     websocket stream of progress events
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/forcealign/internal/aligner"
	"github.com/MrWong99/forcealign/internal/jobstore"
	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/pkg/align"
	"github.com/MrWong99/forcealign/pkg/audio"
)

const (
	defaultMaxUpload  = 512 << 20
	defaultSampleRate = 8000
)

// Aligner runs one alignment. [*aligner.Aligner] is the production
// implementation.
type Aligner interface {
	Align(ctx context.Context, audio io.ReadSeeker, text string, progress func(aligner.Progress)) (*align.Transcription, error)
}

// Compile-time interface check.
var _ Aligner = (*aligner.Aligner)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithMaxJobs limits how many jobs align at once. Further jobs wait in the
// QUEUED state. Default: 1.
func WithMaxJobs(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// WithMaxUploadBytes limits the size of an upload request.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// WithSampleRate sets the rate uploads are converted to before alignment.
func WithSampleRate(rate int) Option {
	return func(s *Server) { s.sampleRate = rate }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts alignment jobs over HTTP and runs them in the background.
type Server struct {
	aligner    Aligner
	store      jobstore.Store
	metrics    *observe.Metrics
	maxUpload  int64
	sampleRate int

	slots  chan struct{}
	events *hub

	// ctx is the parent of every job; cancel aborts jobs still running at
	// the end of Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server that aligns with al and persists jobs in store.
func New(al Aligner, store jobstore.Store, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		aligner:    al,
		store:      store,
		maxUpload:  defaultMaxUpload,
		sampleRate: defaultSampleRate,
		slots:      make(chan struct{}, 1),
		events:     newHub(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the job routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transcriptions", s.handleCreate)
	mux.HandleFunc("GET /transcriptions", s.handleList)
	mux.HandleFunc("GET /transcriptions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /transcriptions/{id}", s.handleDelete)
	mux.HandleFunc("GET /transcriptions/{id}/align.json", s.handleJSON)
	mux.HandleFunc("GET /transcriptions/{id}/align.csv", s.handleCSV)
	mux.HandleFunc("GET /transcriptions/{id}/events", s.handleEvents)
}

// Handler returns an http.Handler serving only the job routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Recover marks jobs left unfinished by a previous process as failed. Call it
// once before serving.
func (s *Server) Recover(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("server: recover: %w", err)
	}
	for _, job := range jobs {
		if job.Status.Done() {
			continue
		}
		job.Status = jobstore.StatusError
		job.Error = "interrupted by restart"
		if err := s.store.Update(ctx, &job); err != nil {
			return fmt.Errorf("server: recover %q: %w", job.ID, err)
		}
		slog.Warn("server: marked interrupted job as failed", "job", job.ID)
	}
	return nil
}

// Shutdown waits for running and queued jobs until ctx ends, then cancels
// the rest and waits for them to record their failure.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
}

// jobView is the JSON representation of a job.
type jobView struct {
	ID        string          `json:"id"`
	Status    jobstore.Status `json:"status"`
	Message   string          `json:"message,omitempty"`
	Percent   float64         `json:"percent"`
	Error     string          `json:"error,omitempty"`
	Stats     *align.Stats    `json:"stats,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func viewOf(job *jobstore.Job) jobView {
	v := jobView{
		ID:        job.ID,
		Status:    job.Status,
		Message:   job.Message,
		Percent:   job.Percent,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Result != nil {
		st := job.Result.Stats()
		v.Stats = &st
	}
	return v
}

// handleCreate handles POST /transcriptions. The multipart form carries the
// WAVE file as "audio" and the transcript as a "transcript" field or file.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, _, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "audio file is required", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		http.Error(w, "failed to read audio: "+err.Error(), http.StatusBadRequest)
		return
	}
	pcm, err := audio.Decode(bytes.NewReader(data), s.sampleRate)
	if err != nil {
		http.Error(w, "invalid audio: "+err.Error(), http.StatusBadRequest)
		return
	}

	text, err := formText(r, "transcript")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := &jobstore.Job{
		ID:         uuid.NewString(),
		Status:     jobstore.StatusQueued,
		Transcript: text,
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		http.Error(w, "failed to create job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	observe.Logger(r.Context()).Info("server: job queued",
		"job", job.ID, "audio_seconds", pcm.Duration(), "source_format", pcm.Source.String())

	view := viewOf(job)
	s.wg.Add(1)
	go s.run(job, pcm)

	w.Header().Set("Location", "/transcriptions/"+job.ID)
	writeJSON(w, http.StatusAccepted, view)
}

// formText returns the named form value, or the contents of the file
// uploaded under that name.
func formText(r *http.Request, name string) (string, error) {
	if v := r.FormValue(name); v != "" {
		return v, nil
	}
	f, _, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("invalid %s: %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %v", name, err)
	}
	return string(data), nil
}

// handleList handles GET /transcriptions.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]jobView, len(jobs))
	for i := range jobs {
		views[i] = viewOf(&jobs[i])
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGet handles GET /transcriptions/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// handleDelete handles DELETE /transcriptions/{id}. Running jobs cannot be
// deleted.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !job.Status.Done() {
		http.Error(w, "job is still running", http.StatusConflict)
		return
	}
	if err := s.store.Delete(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJSON handles GET /transcriptions/{id}/align.json.
func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.result(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// handleCSV handles GET /transcriptions/{id}/align.csv.
func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.result(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := tr.WriteCSV(w); err != nil {
		observe.Logger(r.Context()).Warn("server: write csv", "err", err)
	}
}

// lookup fetches the job named by the {id} path value, writing the error
// response itself when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*jobstore.Job, bool) {
	job, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "failed to load job: "+err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

// result returns the finished alignment of the requested job.
func (s *Server) result(w http.ResponseWriter, r *http.Request) (*align.Transcription, bool) {
	job, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	if job.Status != jobstore.StatusOK || job.Result == nil {
		http.Error(w, fmt.Sprintf("job is %s", job.Status), http.StatusConflict)
		return nil, false
	}
	return job.Result, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
