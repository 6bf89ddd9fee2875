package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"blockremote/internal/config"
	"blockremote/internal/storage"
	"blockremote/internal/worker"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
	// busy rejects that many dispatches with ErrQueueFull first
	busy int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task worker.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.busy > 0 {
		d.busy--
		return worker.ErrQueueFull
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

func TestParseSignalAliases(t *testing.T) {
	sig, err := ParseSignalBytes([]byte(`{"deviceId":"device-42","data":{"overlay_active":true},"timestamp":"2025-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sig.DeviceID != "device-42" || sig.Payload["overlay_active"] != true {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if !sig.ReceivedAt.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("timestamp %v", sig.ReceivedAt)
	}

	flat, err := ParseSignalBytes([]byte(`{"device":"d1","accel_variance":0.001}`))
	if err != nil {
		t.Fatalf("parse flat: %v", err)
	}
	if _, ok := flat.Payload["accel_variance"]; !ok || len(flat.Payload) != 1 {
		t.Fatalf("flat body should become the payload, got %v", flat.Payload)
	}

	if _, err := ParseSignalBytes([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMissingDevice) {
		t.Fatalf("expected ErrMissingDevice, got %v", err)
	}
	if _, err := ParseSignalBytes([]byte(`{"device_id":"x","payload":"nope"}`)); err == nil {
		t.Fatalf("non-object payload must be rejected")
	}
}

func TestSignalHandlerStoresAndDispatches(t *testing.T) {
	store := storage.NewMemory(0)
	d := &recordingDispatcher{}
	h := NewSignalHandler(store, d, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(`{"device_id":"device-42","payload":{"overlay_active":true}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var res signalResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.SignalID == 0 || !res.Queued {
		t.Fatalf("unexpected response %+v", res)
	}
	if len(d.tasks) != 1 || d.tasks[0].SignalID == nil || *d.tasks[0].SignalID != res.SignalID {
		t.Fatalf("task should carry the stored signal id, got %+v", d.tasks)
	}
	if worker.DedupeKey(d.tasks[0]) != "signal:1" {
		t.Fatalf("unexpected dedupe key %q", worker.DedupeKey(d.tasks[0]))
	}
}

func TestSignalHandlerBatchAndErrors(t *testing.T) {
	store := storage.NewMemory(0)
	d := &recordingDispatcher{}
	h := NewSignalHandler(store, d, nil)

	body := `[{"device_id":"a","payload":{}},{"payload":{}},{"device":"b"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	var batch struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &batch)
	if batch.Accepted != 2 || batch.Failed != 1 {
		t.Fatalf("unexpected batch result %+v", batch)
	}

	for _, bad := range []string{"", "{", `{"payload":{}}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(bad)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", bad, rec.Code)
		}
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSignalHandlerRejectsUnqueued(t *testing.T) {
	d := &recordingDispatcher{err: worker.ErrQueueFull}
	h := NewSignalHandler(storage.NewMemory(0), d, nil)
	h.queueWait = 20 * time.Millisecond
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(`{"device_id":"x"}`)))
	var res signalResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusServiceUnavailable || res.Queued || res.SignalID == 0 {
		t.Fatalf("unqueued signal must answer 503, got %d %+v", rec.Code, res)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(`[{"device_id":"x"},{"device_id":"y"}]`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("batch with unqueued signals must answer 503, got %d", rec.Code)
	}
}

func TestSignalHandlerWaitsForQueueRoom(t *testing.T) {
	d := &recordingDispatcher{busy: 2}
	h := NewSignalHandler(storage.NewMemory(0), d, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(`{"device_id":"x"}`)))
	var res signalResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusAccepted || !res.Queued || len(d.tasks) != 1 {
		t.Fatalf("expected queued after backoff, got %d %+v", rec.Code, res)
	}
}

func TestIdentifyTaskUsesMessageCoordinates(t *testing.T) {
	m := kafka.Message{Topic: "analyze-signal", Partition: 2, Offset: 41}
	a := identifyTask(worker.Task{DeviceID: "d"}, m)
	if a.TaskID != "kafka:analyze-signal:2:41" {
		t.Fatalf("task id %q", a.TaskID)
	}
	if again := identifyTask(worker.Task{DeviceID: "d"}, m); worker.DedupeKey(again) != worker.DedupeKey(a) {
		t.Fatalf("redelivered message must keep its key")
	}
	m.Offset = 42
	if b := identifyTask(worker.Task{DeviceID: "d"}, m); worker.DedupeKey(b) == worker.DedupeKey(a) {
		t.Fatalf("separate messages must not share a key")
	}
	id := int64(3)
	if c := identifyTask(worker.Task{SignalID: &id, DeviceID: "d"}, m); c.TaskID != "" {
		t.Fatalf("stored signal keeps its signal id")
	}
	if p := identifyTask(worker.Task{TaskID: "prod-1", DeviceID: "d"}, m); p.TaskID != "prod-1" {
		t.Fatalf("producer task id replaced")
	}
}

func TestDispatchWithBackoffWaitsForRoom(t *testing.T) {
	release := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(2)
	pool := worker.NewPool(worker.HandlerFunc(func(context.Context, worker.Task) error {
		<-release
		ran.Done()
		return nil
	}), config.WorkerConfig{Concurrency: 1, QueueSize: 1, MaxAttempts: 1}, nil, nil)
	d := NewPoolDispatcher(pool)
	if err := d.Dispatch(context.Background(), worker.Task{DeviceID: "a"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- DispatchWithBackoff(context.Background(), d, worker.Task{DeviceID: "b"}, 5*time.Millisecond, nil)
	}()
	pool.Start(context.Background())
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("dispatch with backoff: %v", err)
	}
	ran.Wait()
	pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	full := &recordingDispatcher{err: worker.ErrQueueFull}
	if err := DispatchWithBackoff(ctx, full, worker.Task{DeviceID: "c"}, time.Millisecond, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
