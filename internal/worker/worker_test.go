package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"testing"

	"waschedule/internal/gateway"
	"waschedule/internal/model"
	"waschedule/internal/mstore"

	"github.com/stretchr/testify/assert"
	"github.com/useinsider/go-pkg/inslogger"
)

// memStore is an in-memory ScheduleStore with the same claim semantics as
// the Postgres implementation.
type memStore struct {
	mu           sync.Mutex
	items        map[string]*model.Schedule
	claimErr     error
	failUpdateID string
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*model.Schedule)}
}

func (m *memStore) put(s model.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.items[s.ID] = &cp
}

func (m *memStore) get(id string) model.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) countByStatus(status model.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.items {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (m *memStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var due []*model.Schedule
	for _, s := range m.items {
		if s.Status == model.StatusScheduled && !s.SendAt.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SendAt.Before(due[j].SendAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]model.Schedule, 0, len(due))
	for _, s := range due {
		s.Status = model.StatusSending
		s.UpdatedAt = now
		claimed = append(claimed, *s)
	}
	return claimed, nil
}

func (m *memStore) UpdateFields(ctx context.Context, id string, fields mstore.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdateID != "" && id == m.failUpdateID {
		return errors.New("write failed")
	}
	s, ok := m.items[id]
	if !ok {
		return mstore.ErrNotFound
	}
	for col, v := range fields {
		switch col {
		case "status":
			s.Status = v.(model.Status)
		case "sent_at":
			t := v.(time.Time)
			s.SentAt = &t
		case "send_at":
			s.SendAt = v.(time.Time)
		case "gateway_response":
			s.GatewayResponse = v.(json.RawMessage)
		}
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) Insert(ctx context.Context, s *model.Schedule) error { m.put(*s); return nil }
func (m *memStore) InsertMany(ctx context.Context, ss []model.Schedule) error {
	for _, s := range ss {
		m.put(s)
	}
	return nil
}
func (m *memStore) Delete(ctx context.Context, id string) (bool, error) { return false, nil }
func (m *memStore) FindByID(ctx context.Context, id string) (*model.Schedule, error) {
	s := m.get(id)
	return &s, nil
}
func (m *memStore) List(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error) {
	return nil, nil
}
func (m *memStore) History(ctx context.Context, status model.Status, limit int) ([]model.Schedule, error) {
	return nil, nil
}

// fakeSender records calls and returns canned results.
type fakeSender struct {
	mu         sync.Mutex
	textCalls  []string
	imageCalls []string
	result     gateway.Result
	delay      time.Duration
}

func (f *fakeSender) SendText(ctx context.Context, phone, message string) gateway.Result {
	f.mu.Lock()
	f.textCalls = append(f.textCalls, phone)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

func (f *fakeSender) SendImage(ctx context.Context, phone, imagePath, caption string) gateway.Result {
	f.mu.Lock()
	f.imageCalls = append(f.imageCalls, imagePath)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

func (f *fakeSender) texts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.textCalls)
}

func (f *fakeSender) images() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imageCalls)
}

func testLogger() inslogger.Interface {
	return inslogger.NewLogger(inslogger.Debug)
}

func dueSchedule(id string, offset time.Duration) model.Schedule {
	now := time.Now().UTC()
	return model.Schedule{
		ID:        id,
		Phone:     "123",
		MessageMD: "hello",
		SendAt:    now.Add(offset),
		Status:    model.StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunCycle_SendsDueTextMessage(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("a", -time.Minute))

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS", Message: "sent"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()

	got := store.get("a")
	assert.Equal(t, model.StatusSent, got.Status)
	assert.NotNil(t, got.SentAt)
	assert.Contains(t, string(got.GatewayResponse), "SUCCESS")
	assert.Equal(t, 1, sender.texts())
	assert.Equal(t, 0, store.countByStatus(model.StatusSending), "no record may stay in sending")
}

func TestRunCycle_FutureRecordsNotSelected(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("future", time.Hour))

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()

	assert.Equal(t, model.StatusScheduled, store.get("future").Status)
	assert.Equal(t, 0, sender.texts())
}

func TestRunCycle_ZeroDueIsNoOp(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	assert.NotPanics(t, func() { w.runCycle() })
	assert.Equal(t, 0, sender.texts())
}

func TestRunCycle_GatewayErrorMarksFailed(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("a", -time.Minute))

	sender := &fakeSender{result: gateway.Result{Code: "ERROR", Message: "connection refused"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()

	got := store.get("a")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Nil(t, got.SentAt, "sent_at must stay unset on failure")
	assert.Contains(t, string(got.GatewayResponse), "connection refused")
}

func TestRunCycle_ImageRecordUsesSendImage(t *testing.T) {
	store := newMemStore()
	s := dueSchedule("img", -time.Minute)
	imagePath := "/uploads/pic.jpg"
	s.ImagePath = &imagePath
	store.put(s)

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()

	assert.Equal(t, 1, sender.images())
	assert.Equal(t, 0, sender.texts())
	assert.Equal(t, model.StatusSent, store.get("img").Status)
}

func TestRunCycle_OneFailureDoesNotAbortBatch(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("a", -3*time.Minute))
	store.put(dueSchedule("b", -2*time.Minute))
	store.put(dueSchedule("c", -time.Minute))

	// Persisting "b" fails mid-batch; "a" and "c" must still complete.
	store.failUpdateID = "b"

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()

	assert.Equal(t, 3, sender.texts())
	assert.Equal(t, model.StatusSent, store.get("a").Status)
	assert.Equal(t, model.StatusSent, store.get("c").Status)
}

func TestRunCycle_StoreErrorDoesNotStopFutureCycles(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("a", -time.Minute))
	store.claimErr = errors.New("connection reset")

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	assert.NotPanics(t, func() { w.runCycle() })
	assert.Equal(t, 0, sender.texts())

	// Store recovers; the next cycle proceeds normally.
	store.mu.Lock()
	store.claimErr = nil
	store.mu.Unlock()

	w.runCycle()
	assert.Equal(t, model.StatusSent, store.get("a").Status)
}

func TestRunCycle_BatchCap(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 150; i++ {
		store.put(dueSchedule(fmt.Sprintf("m%03d", i), -time.Duration(i+1)*time.Second))
	}

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	w.runCycle()
	assert.Equal(t, 100, store.countByStatus(model.StatusSent))
	assert.Equal(t, 50, store.countByStatus(model.StatusScheduled))

	w.runCycle()
	assert.Equal(t, 150, store.countByStatus(model.StatusSent))
	assert.Equal(t, 0, store.countByStatus(model.StatusSending))
}

func TestRunCycle_RetriedRecordIsReattemptedOnce(t *testing.T) {
	store := newMemStore()
	s := dueSchedule("a", -time.Minute)
	s.Status = model.StatusFailed
	store.put(s)

	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), time.Minute, 100)

	// Terminal records are never picked up on their own.
	w.runCycle()
	assert.Equal(t, 0, sender.texts())

	// Manual retry resets to scheduled with send_at = now.
	err := store.UpdateFields(context.Background(), "a", mstore.Fields{
		"status":  model.StatusScheduled,
		"send_at": time.Now().UTC(),
	})
	assert.NoError(t, err)

	w.runCycle()
	assert.Equal(t, 1, sender.texts())
	assert.Equal(t, model.StatusSent, store.get("a").Status)
}

func TestStartStop_Idempotence(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), 10*time.Millisecond, 100)

	assert.False(t, w.IsRunning())
	assert.True(t, w.Start())
	assert.False(t, w.Start(), "second Start while running must be a no-op")
	assert.True(t, w.IsRunning())

	assert.True(t, w.Stop())
	assert.False(t, w.Stop(), "second Stop while stopped must be a no-op")
	assert.False(t, w.IsRunning())

	// Stop followed by Start is a valid restart.
	assert.True(t, w.Start())
	assert.True(t, w.Stop())
}

func TestStop_DrainsInFlightCycle(t *testing.T) {
	store := newMemStore()
	store.put(dueSchedule("slow", -time.Minute))

	sender := &fakeSender{
		result: gateway.Result{Code: "SUCCESS"},
		delay:  150 * time.Millisecond,
	}
	w := New(store, sender, testLogger(), time.Hour, 100)

	assert.True(t, w.Start())

	// Give the immediate cycle time to claim the record, then stop while
	// the send is still in flight.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, w.Stop())

	got := store.get("slow")
	assert.Equal(t, model.StatusSent, got.Status, "stop must wait for the in-flight send to finish")
	assert.Equal(t, 0, store.countByStatus(model.StatusSending))
}

func TestStartedWorker_ProcessesOnTicker(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{result: gateway.Result{Code: "SUCCESS"}}
	w := New(store, sender, testLogger(), 20*time.Millisecond, 100)

	assert.True(t, w.Start())
	defer w.Stop()

	// Record becomes due after the first (immediate) cycle already ran.
	time.Sleep(10 * time.Millisecond)
	store.put(dueSchedule("late", -time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if store.get("late").Status == model.StatusSent {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("record was not delivered by the ticker cycle, status=%s", store.get("late").Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
