package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/forcealign/internal/aligner"
	"github.com/MrWong99/forcealign/internal/jobstore"
	"github.com/MrWong99/forcealign/internal/observe"
	"github.com/MrWong99/forcealign/pkg/align"
)

// storeTimeout bounds job store writes made outside a request.
const storeTimeout = 10 * time.Second

// run waits for a free slot, aligns the job and records the outcome.
func (s *Server) run(job *jobstore.Job, pcm io.ReadSeeker) {
	defer s.wg.Done()
	ctx, span := observe.StartSpan(observe.WithJob(s.ctx, job.ID), "server.job")
	defer span.End()
	log := observe.Logger(ctx)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.finish(job, nil, ctx.Err())
		return
	}
	defer func() { <-s.slots }()

	s.metrics.ActiveJobs.Add(ctx, 1)
	defer s.metrics.ActiveJobs.Add(context.WithoutCancel(ctx), -1)

	log.Info("server: job started")
	tr, err := s.aligner.Align(ctx, pcm, job.Transcript, func(p aligner.Progress) {
		if p.Status == aligner.StatusOK || p.Status == aligner.StatusError {
			return
		}
		job.Status = jobstore.Status(p.Status)
		job.Message = p.Message
		job.Percent = p.Percent
		s.save(ctx, job)
	})
	s.finish(job, tr, err)
	if err != nil {
		log.Warn("server: job failed", "err", err)
		return
	}
	log.Info("server: job done", "words", len(tr.Words))
}

// finish stores the terminal state of job and closes its event streams.
func (s *Server) finish(job *jobstore.Job, tr *align.Transcription, err error) {
	job.Message = ""
	if err != nil {
		job.Status = jobstore.StatusError
		job.Error = err.Error()
	} else {
		job.Status = jobstore.StatusOK
		job.Percent = 1
		job.Result = tr
	}
	s.save(context.WithoutCancel(s.ctx), job)
	s.events.close(job.ID)
}

// save writes job to the store and publishes it to event subscribers.
func (s *Server) save(ctx context.Context, job *jobstore.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.store.Update(ctx, job); err != nil {
		observe.Logger(observe.WithJob(ctx, job.ID)).Warn("server: update job", "err", err)
	}
	s.events.publish(job.ID, eventOf(job))
}

// event is one websocket progress message.
type event struct {
	ID      string          `json:"id"`
	Status  jobstore.Status `json:"status"`
	Message string          `json:"message,omitempty"`
	Percent float64         `json:"percent"`
	Error   string          `json:"error,omitempty"`
}

func eventOf(job *jobstore.Job) event {
	return event{ID: job.ID, Status: job.Status, Message: job.Message, Percent: job.Percent, Error: job.Error}
}

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 32

// hub fans job events out to subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan event]struct{})}
}

// subscribe registers for events of job id. The channel is closed when the
// job finishes or cancel is called.
func (h *hub) subscribe(id string) (<-chan event, func()) {
	ch := make(chan event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan event]struct{})
	}
	h.subs[id][ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id][ch]; ok {
			delete(h.subs[id], ch)
			close(ch)
		}
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
	}
}

// publish delivers e without blocking; full subscribers miss it.
func (h *hub) publish(id string, e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[id] {
		select {
		case ch <- e:
		default:
		}
	}
}

// close ends every subscription to job id.
func (h *hub) close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[id] {
		close(ch)
	}
	delete(h.subs, id)
}
