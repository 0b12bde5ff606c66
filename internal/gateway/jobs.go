package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const chatTimeout = 120 * time.Second

// --- jobs ---

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue")
	queues := queue.Names
	if name != "" {
		queues = []string{name}
	}
	out := make(map[string][]*queue.Job, len(queues))
	for _, q := range queues {
		jobs, err := s.deps.Fabric.ListJobs(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[q] = jobs
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Fabric.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Fabric.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Fabric.RetryJob(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = readJSON(r, &req)
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}
	if err := s.deps.Fabric.FailJob(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	_ = readJSON(r, &req)
	if err := s.deps.Fabric.CompleteJob(r.Context(), r.PathValue("id"), req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Fabric.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- scheduler ---

func (s *Server) handleSchedulerList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Scheduler.List(r.Context(), r.URL.Query().Get("channelId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleSchedulerCreate(task, recurrent bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChannelID  string `json:"channelId"`
			Text       string `json:"text"`
			DelayMs    int64  `json:"delayMs"`
			Cron       string `json:"cron"`
			IntervalMs int64  `json:"intervalMs"`
			Timezone   string `json:"timezone"`
		}
		if err := readJSON(r, &req); err != nil || req.ChannelID == "" || req.Text == "" {
			writeError(w, http.StatusBadRequest, "channelId and text are required")
			return
		}
		var (
			job *models.ScheduledJob
			err error
		)
		switch {
		case recurrent && task:
			job, err = s.deps.Scheduler.CreateRecurrentTask(r.Context(), req.ChannelID, req.Text, scheduler.RepeatOptions{
				CronPattern: req.Cron, Interval: time.Duration(req.IntervalMs) * time.Millisecond, Timezone: req.Timezone,
			})
		case recurrent:
			job, err = s.deps.Scheduler.CreateRecurrentReminder(r.Context(), req.ChannelID, req.Text, scheduler.RepeatOptions{
				CronPattern: req.Cron, Interval: time.Duration(req.IntervalMs) * time.Millisecond, Timezone: req.Timezone,
			})
		case task:
			job, err = s.deps.Scheduler.CreateTask(r.Context(), req.ChannelID, req.Text, time.Duration(req.DelayMs)*time.Millisecond)
		default:
			job, err = s.deps.Scheduler.CreateReminder(r.Context(), req.ChannelID, req.Text, time.Duration(req.DelayMs)*time.Millisecond)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func (s *Server) handleSchedulerCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.CancelAdmin(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSchedulerComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.CompleteAdmin(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleSchedulerPurge(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// --- chat ---

// Enqueuer abstracts the node dispatcher for the chat endpoint.
type Enqueuer interface {
	EnqueueText(ctx context.Context, jobID, channelID, text string) error
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channelId"`
		Text      string `json:"text"`
	}
	if err := readJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = "api"
	}
	if s.deps.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "message processing is not running")
		return
	}

	jobID := uuid.NewString()
	waiter := s.hub.register(jobID)
	defer s.hub.unregister(jobID)

	if err := s.deps.Enqueuer.EnqueueText(r.Context(), jobID, req.ChannelID, req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), chatTimeout)
	defer cancel()
	select {
	case ev := <-waiter:
		if ev.Type == models.ProgressError {
			writeError(w, http.StatusBadGateway, ev.Error)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"response": ev.Result, "jobId": jobID})
	case <-ctx.Done():
		// The response key outlives us; check it once before timing out.
		if ev, err := s.deps.Progress.Response(context.Background(), jobID); err == nil && ev != nil {
			writeJSON(w, http.StatusOK, map[string]string{"response": ev.Result, "jobId": jobID})
			return
		}
		writeError(w, http.StatusGatewayTimeout, "processing did not finish in time")
	}
}

func (s *Server) handleMessagesGet(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channelId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	var (
		msgs []*models.Message
		err  error
	)
	if channelID == "" {
		msgs, err = s.deps.Storage.GetAllRecentMessages(r.Context(), limit)
	} else {
		msgs, err = s.deps.Storage.GetChannelMessages(r.Context(), channelID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMessagesClear(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	n, err := s.deps.Storage.ClearMessages(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleBufferedResponses(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	key := kv.PrefixProgBuf + channelID
	raw, err := s.deps.KV.LRange(r.Context(), key, 0, -1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.KV.Del(r.Context(), key); err != nil {
		s.log.Warn(r.Context(), "buffer clear failed", "channel", channelID, "error", err)
	}
	events := make([]*models.ProgressEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.ProgressEvent
		if json.Unmarshal([]byte(item), &ev) == nil {
			events = append(events, &ev)
		}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- skill invoke + eligible tools ---

func (s *Server) handleSkillInvoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Skills.Get(id); !ok {
		writeError(w, http.StatusNotFound, "skill not installed")
		return
	}
	body, err := readBody(r, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := json.RawMessage(body)
	if len(strings.TrimSpace(string(body))) == 0 {
		params = json.RawMessage(`{}`)
	}
	payload, _ := json.Marshal(map[string]any{"skillId": id, "params": params})
	exec := tools.ExecPayload{
		Kind:      tools.ExecKind,
		Tool:      "execute_skill",
		Payload:   payload,
		ChannelID: "api",
	}
	jobID, err := s.deps.Fabric.Enqueue(r.Context(), queue.Tools, exec, queue.Options{ChannelID: "api"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := s.deps.Fabric.WaitUntilFinished(r.Context(), jobID, chatTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	if res.Status != queue.StateCompleted {
		writeError(w, http.StatusBadGateway, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": res.Value, "jobId": jobID})
}

func (s *Server) eligibleTools() []string {
	if s.deps.Tools == nil {
		return nil
	}
	return s.deps.Tools.Names()
}

// --- chat hub ---

// chatHub is the shared progress subscriber behind POST /api/chat: one
// pattern subscription feeding per-job waiter channels.
type chatHub struct {
	store kv.Store
	log   *observability.Logger

	mu      sync.Mutex
	waiters map[string]chan *models.ProgressEvent
}

func newChatHub(store kv.Store, log *observability.Logger) *chatHub {
	return &chatHub{
		store:   store,
		log:     log.With("component", "chat-hub"),
		waiters: make(map[string]chan *models.ProgressEvent),
	}
}

func (h *chatHub) register(jobID string) <-chan *models.ProgressEvent {
	ch := make(chan *models.ProgressEvent, 1)
	h.mu.Lock()
	h.waiters[jobID] = ch
	h.mu.Unlock()
	return ch
}

func (h *chatHub) unregister(jobID string) {
	h.mu.Lock()
	delete(h.waiters, jobID)
	h.mu.Unlock()
}

func (h *chatHub) run(ctx context.Context) {
	sub, err := h.store.PSubscribe(ctx, kv.PatternProgress)
	if err != nil {
		h.log.Error(ctx, "progress subscribe failed", "error", err)
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.Type == models.ProgressUpdate {
				continue
			}
			h.mu.Lock()
			waiter, ok := h.waiters[ev.JobID]
			h.mu.Unlock()
			if ok {
				select {
				case waiter <- &ev:
				default:
				}
			}
		}
	}
}
