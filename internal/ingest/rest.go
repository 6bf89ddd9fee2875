package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"blockremote/internal/model"
	"blockremote/internal/storage"
	"blockremote/internal/worker"
)

const (
	maxSignalBody    = 2 << 20
	defaultQueueWait = 2 * time.Second
)

// SignalHandler serves POST /api/v1/signals: it persists each signal and
// dispatches an analyze_signal task for it. The body is one signal object or
// an array of them. A signal whose task cannot be queued within queueWait
// answers 503 so the device sends it again.
type SignalHandler struct {
	store      storage.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	queueWait  time.Duration
	now        func() time.Time
}

func NewSignalHandler(store storage.Store, dispatcher Dispatcher, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		queueWait:  defaultQueueWait,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type signalResult struct {
	SignalID int64  `json:"signal_id"`
	Queued   bool   `json:"queued"`
	Error    string `json:"error,omitempty"`
}

func (s *SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignalBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "unreadable body"})
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "empty body"})
		return
	}

	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid json"})
			return
		}
		results := make([]signalResult, 0, len(list))
		accepted, unqueued := 0, 0
		for _, obj := range list {
			res := s.accept(r.Context(), obj)
			switch {
			case res.Error == "":
				accepted++
			case res.SignalID != 0:
				unqueued++
			}
			results = append(results, res)
		}
		status := http.StatusAccepted
		if unqueued > 0 {
			w.Header().Set("Retry-After", "1")
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"accepted": accepted,
			"failed":   len(list) - accepted,
			"signals":  results,
		})
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid json"})
		return
	}
	res := s.accept(r.Context(), obj)
	switch {
	case res.Error != "" && res.SignalID == 0:
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": res.Error})
	case !res.Queued:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

// accept persists the signal, then dispatches, waiting up to queueWait for
// room in a full queue. A stored signal whose task could not be queued is
// reported with queued=false.
func (s *SignalHandler) accept(ctx context.Context, obj map[string]any) signalResult {
	sig, err := ParseSignalMap(obj)
	if err != nil {
		return signalResult{Error: err.Error()}
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = s.now()
	}
	id, err := s.store.SaveSignal(ctx, sig)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("save signal failed", "device_id", sig.DeviceID, "err", err)
		}
		return signalResult{Error: "signal not stored"}
	}
	sig.ID = id
	task := TaskFor(sig)
	qctx, cancel := context.WithTimeout(ctx, s.queueWait)
	defer cancel()
	if err := DispatchWithBackoff(qctx, s.dispatcher, task, 50*time.Millisecond, s.logger); err != nil {
		if s.logger != nil {
			s.logger.Warn("dispatch failed", "signal_id", id, "device_id", sig.DeviceID, "err", err)
		}
		return signalResult{SignalID: id, Queued: false, Error: err.Error()}
	}
	return signalResult{SignalID: id, Queued: true}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TaskFor builds the analyze_signal task for sig. Unstored signals get no
// signal id; the executor assigns them a task id instead.
func TaskFor(sig model.Signal) worker.Task {
	t := worker.Task{DeviceID: sig.DeviceID, Payload: sig.Payload}
	if sig.ID != 0 {
		id := sig.ID
		t.SignalID = &id
	}
	return t
}
