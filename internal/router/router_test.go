package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func frame(t *testing.T, topic string, data any) RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":      topic,
		"timestamp": "2025-06-01T12:00:00Z",
		"data":      data,
	})
	if err != nil {
		t.Fatal(err)
	}
	return RawMessage{Data: payload, ReceivedAt: time.Now()}
}

func TestDecode(t *testing.T) {
	recv := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)

	tests := []struct {
		name    string
		data    string
		wantErr bool
		topic   Topic
		sentAt  time.Time
	}{
		{
			name:   "rfc3339 timestamp",
			data:   `{"type":"PNL_UPDATE","timestamp":"2025-06-01T12:00:00Z","data":{"pnl":1}}`,
			topic:  "PNL_UPDATE",
			sentAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:   "unix millis timestamp",
			data:   `{"type":"PNL_UPDATE","timestamp":1748779200000,"data":{}}`,
			topic:  "PNL_UPDATE",
			sentAt: time.UnixMilli(1748779200000),
		},
		{
			name:  "no timestamp",
			data:  `{"type":"BALANCE_UPDATE","data":{}}`,
			topic: "BALANCE_UPDATE",
		},
		{
			name:  "unparseable timestamp keeps frame",
			data:  `{"type":"BALANCE_UPDATE","timestamp":"yesterday","data":{}}`,
			topic: "BALANCE_UPDATE",
		},
		{name: "not json", data: `not json`, wantErr: true},
		{name: "missing type", data: `{"data":{}}`, wantErr: true},
		{name: "truncated", data: `{"type":"PNL_UPDATE","data":{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(RawMessage{Data: []byte(tt.data), ReceivedAt: recv})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got event %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Topic != tt.topic {
				t.Errorf("topic = %q, want %q", ev.Topic, tt.topic)
			}
			if !ev.SentAt.Equal(tt.sentAt) {
				t.Errorf("SentAt = %v, want %v", ev.SentAt, tt.sentAt)
			}
			if !ev.ReceivedAt.Equal(recv) {
				t.Errorf("ReceivedAt = %v, want %v", ev.ReceivedAt, recv)
			}
		})
	}
}

func TestDispatcher_OrderedDelivery(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var order []string
	d.Register("POSITION_UPDATE", func(Event) { order = append(order, "first") })
	d.Register("POSITION_UPDATE", func(Event) { order = append(order, "second") })
	d.Register(AllTopics, func(Event) { order = append(order, "wildcard") })
	d.Register("PNL_UPDATE", func(Event) { order = append(order, "other-topic") })

	d.Route(frame(t, "POSITION_UPDATE", map[string]any{"positions": []any{}}))

	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var got int
	d.Register("PNL_UPDATE", func(Event) { panic("boom") })
	d.Register("PNL_UPDATE", func(Event) { got++ })

	d.Route(frame(t, "PNL_UPDATE", map[string]any{"pnl": 1}))
	d.Route(frame(t, "PNL_UPDATE", map[string]any{"pnl": 2}))

	if got != 2 {
		t.Errorf("second handler called %d times, want 2", got)
	}
	if n := d.handlerPanics.Load(); n != 2 {
		t.Errorf("handlerPanics = %d, want 2", n)
	}
}

func TestDispatcher_MalformedDropped(t *testing.T) {
	d := NewDispatcher(nil, nil)

	called := false
	d.Register(AllTopics, func(Event) { called = true })

	d.Route(RawMessage{Data: []byte(`{{{`), ReceivedAt: time.Now()})

	if called {
		t.Error("handler received malformed frame")
	}
	if n := d.parseErrors.Load(); n != 1 {
		t.Errorf("parseErrors = %d, want 1", n)
	}
}

func TestDispatcher_Remove(t *testing.T) {
	d := NewDispatcher(nil, nil)

	calls := 0
	a := d.Register("BALANCE_UPDATE", func(Event) { calls++ })
	b := d.Register("BALANCE_UPDATE", func(Event) { calls++ })

	topic, empty, ok := d.Remove(a.ID)
	if !ok || empty || topic != "BALANCE_UPDATE" {
		t.Fatalf("Remove(a) = (%q, %v, %v)", topic, empty, ok)
	}
	if _, _, ok := d.Remove(a.ID); ok {
		t.Error("second Remove of same ID should report ok=false")
	}

	d.Route(frame(t, "BALANCE_UPDATE", map[string]any{}))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	_, empty, ok = d.Remove(b.ID)
	if !ok || !empty {
		t.Errorf("Remove(b) empty=%v ok=%v, want true true", empty, ok)
	}
	if d.HasSubscribers("BALANCE_UPDATE") {
		t.Error("topic should have no subscribers")
	}

	d.Route(frame(t, "BALANCE_UPDATE", map[string]any{}))
	if n := d.unrouted.Load(); n != 1 {
		t.Errorf("unrouted = %d, want 1", n)
	}
}

func TestDispatcher_RemoveDuringDelivery(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var second *Registration
	secondCalls := 0
	d.Register("PNL_UPDATE", func(Event) {
		d.Remove(second.ID)
	})
	second = d.Register("PNL_UPDATE", func(Event) { secondCalls++ })

	d.Route(frame(t, "PNL_UPDATE", map[string]any{}))

	if secondCalls != 0 {
		t.Errorf("removed handler fired %d times", secondCalls)
	}
}

func TestDispatcher_UniqueIDs(t *testing.T) {
	d := NewDispatcher(nil, nil)
	seen := make(map[string]bool)
	for range 100 {
		reg := d.Register("PNL_UPDATE", func(Event) {})
		if seen[reg.ID.String()] {
			t.Fatalf("duplicate registration id %s", reg.ID)
		}
		seen[reg.ID.String()] = true
		d.Remove(reg.ID)
	}
}

func TestRouter_PreservesArrivalOrder(t *testing.T) {
	r := New(Config{QueueSize: 4, MaxQueueSize: 1024}, nil, nil)

	const total = 200
	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	wg.Add(total)
	r.Register("PNL_UPDATE", func(ev Event) {
		var data struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		mu.Lock()
		got = append(got, data.Seq)
		mu.Unlock()
		wg.Done()
	})

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := range total {
		if !r.Enqueue(frame(t, "PNL_UPDATE", map[string]int{"seq": i})) {
			t.Fatal("enqueue rejected")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != i {
			t.Fatalf("event %d has seq %d", i, seq)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := r.Stats()
	if stats.Received != total || stats.Routed != total {
		t.Errorf("stats = %+v", stats)
	}
	if r.Enqueue(frame(t, "PNL_UPDATE", nil)) {
		t.Error("Enqueue after Stop should be rejected")
	}
}

func TestRouter_StopDrainsQueue(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)

	var count int
	var mu sync.Mutex
	r.Register("BALANCE_UPDATE", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for range 10 {
		r.Enqueue(frame(t, "BALANCE_UPDATE", map[string]any{}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("delivered %d, want 10", count)
	}
}
