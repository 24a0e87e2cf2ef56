/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package wake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/logging"
	"github.com/loqalabs/loqa-listen/internal/metrics"
	"github.com/loqalabs/loqa-listen/internal/storage"
)

var defaultTriggers = []string{"你好小度", "小爱同学", "天猫精灵", "你好，小度。"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSink struct {
	mu         sync.Mutex
	utterances []events.Utterance
	accept     bool
	submitted  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{accept: true, submitted: make(chan struct{}, 8)}
}

func (s *fakeSink) Submit(u events.Utterance) bool {
	s.mu.Lock()
	s.utterances = append(s.utterances, u)
	s.mu.Unlock()
	s.submitted <- struct{}{}
	return s.accept
}

func (s *fakeSink) snapshot() []events.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Utterance(nil), s.utterances...)
}

type fakeAck struct {
	mu    sync.Mutex
	count int
}

func (a *fakeAck) Acknowledge(context.Context) <-chan struct{} {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (a *fakeAck) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

type fakePublisher struct {
	mu    sync.Mutex
	types []events.AssistantEventType
}

func (p *fakePublisher) Publish(_ context.Context, ev *events.AssistantEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, ev.Type)
	return nil
}

type fakeObserver struct {
	opened []string
	closed []int
}

func (o *fakeObserver) SessionOpened(id string)          { o.opened = append(o.opened, id) }
func (o *fakeObserver) SessionClosed(code int, _ string) { o.closed = append(o.closed, code) }

type harness struct {
	machine   *Machine
	clock     *fakeClock
	sink      *fakeSink
	ack       *fakeAck
	publisher *fakePublisher
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, window time.Duration) *harness {
	t.Helper()

	h := &harness{
		clock:     newFakeClock(),
		sink:      newFakeSink(),
		ack:       &fakeAck{},
		publisher: &fakePublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	h.machine = New(Options{
		Triggers:  defaultTriggers,
		Window:    window,
		Delimiter: "。",
		Sink:      h.sink,
		Ack:       h.ack,
		Publisher: h.publisher,
		Spool:     storage.NewTranscriptSpool(t.TempDir()),
		Metrics:   h.metrics,
		Now:       h.clock.Now,
	})
	return h
}

func TestMachine_NoTriggerStaysIdle(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
	}{
		{name: "empty stream", texts: nil},
		{name: "ordinary speech", texts: []string{"今天天气", "不错", "我们出去玩吧"}},
		{name: "partial phrase", texts: []string{"你好", "小度"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2*time.Second)
			for _, text := range tt.texts {
				h.machine.Handle(events.FinalText(text))
				h.clock.Advance(500 * time.Millisecond)
			}

			if got := h.machine.State(); got != StateIdle {
				t.Fatalf("State() = %s, want idle", got)
			}
			if got := h.machine.Collected(); len(got) != 0 {
				t.Fatalf("Collected() = %v, want empty", got)
			}
			if h.ack.calls() != 0 {
				t.Fatalf("acknowledged %d times, want 0", h.ack.calls())
			}
		})
	}
}

func TestMachine_WeatherScenario(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	h.machine.Handle(events.FinalText("今天天气"))
	if h.machine.State() != StateIdle {
		t.Fatal("first event must not open a window")
	}

	h.clock.Advance(100 * time.Millisecond)
	h.machine.Handle(events.FinalText("你好小度"))
	if h.machine.State() != StateRecording {
		t.Fatal("trigger should open a window")
	}

	h.clock.Advance(600 * time.Millisecond)
	h.machine.Handle(events.FinalText("帮我查询"))
	h.clock.Advance(600 * time.Millisecond)
	h.machine.Handle(events.FinalText("天气预报"))

	if h.machine.State() != StateRecording {
		t.Fatal("window should still be open before expiry")
	}

	h.clock.Advance(800 * time.Millisecond)
	h.machine.Tick()

	if h.machine.State() != StateIdle {
		t.Fatal("window should close at expiry")
	}

	got := h.sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("submitted %d utterances, want 1", len(got))
	}
	if got[0].Text != "帮我查询。天气预报。" {
		t.Fatalf("utterance = %q, want %q", got[0].Text, "帮我查询。天气预报。")
	}
	if got[0].Duration() != 2*time.Second {
		t.Fatalf("utterance duration = %v, want 2s", got[0].Duration())
	}
	if h.ack.calls() != 1 {
		t.Fatalf("acknowledged %d times, want 1", h.ack.calls())
	}
	if len(h.machine.Collected()) != 0 {
		t.Fatal("collected texts should be cleared after close")
	}
}

func TestMachine_UtterancePreservesLineBreaks(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	h.machine.Handle(events.FinalText("你好小度"))
	h.machine.Handle(events.FinalText("帮我查询\n天气"))
	h.clock.Advance(2*time.Second + time.Millisecond)
	h.machine.Handle(events.FinalText("预报\r"))

	got := h.sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("submitted %d utterances, want 1", len(got))
	}
	if want := "帮我查询\n天气。预报\r。"; got[0].Text != want {
		t.Fatalf("utterance = %q, want %q", got[0].Text, want)
	}
}

func TestMachine_RepeatedTriggerOpensOneWindow(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	h.machine.Handle(events.FinalText("你好小度"))
	h.clock.Advance(300 * time.Millisecond)
	h.machine.Handle(events.FinalText("你好小度"))
	h.clock.Advance(300 * time.Millisecond)
	h.machine.Handle(events.FinalText("讲个笑话"))

	if got := testutil.ToFloat64(h.metrics.WindowsOpened); got != 1 {
		t.Fatalf("windows opened = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.TriggersIgnored); got != 1 {
		t.Fatalf("triggers ignored = %v, want 1", got)
	}
	if h.ack.calls() != 1 {
		t.Fatalf("acknowledged %d times, want 1", h.ack.calls())
	}

	h.clock.Advance(2 * time.Second)
	h.machine.Tick()

	got := h.sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("submitted %d utterances, want 1", len(got))
	}
	if got[0].Text != "你好小度。讲个笑话。" {
		t.Fatalf("utterance = %q", got[0].Text)
	}
}

func TestMachine_WindowBoundary(t *testing.T) {
	const window = 2 * time.Second
	const epsilon = time.Millisecond

	t.Run("just before expiry stays open", func(t *testing.T) {
		h := newHarness(t, window)
		h.machine.Handle(events.FinalText("小爱同学"))
		h.clock.Advance(window - epsilon)
		h.machine.Handle(events.FinalText("开灯"))
		h.machine.Tick()

		if h.machine.State() != StateRecording {
			t.Fatal("window closed before its duration elapsed")
		}
		if len(h.sink.snapshot()) != 0 {
			t.Fatal("nothing should be submitted yet")
		}
	})

	t.Run("exactly at expiry closes", func(t *testing.T) {
		h := newHarness(t, window)
		h.machine.Handle(events.FinalText("小爱同学"))
		h.clock.Advance(window)
		h.machine.Handle(events.FinalText("开灯"))

		if h.machine.State() != StateIdle {
			t.Fatal("window should close once elapsed >= duration")
		}
		got := h.sink.snapshot()
		if len(got) != 1 || got[0].Text != "开灯。" {
			t.Fatalf("utterances = %+v, want one with %q", got, "开灯。")
		}
	})

	t.Run("tick exactly at expiry closes", func(t *testing.T) {
		h := newHarness(t, window)
		h.machine.Handle(events.FinalText("天猫精灵"))
		h.machine.Handle(events.FinalText("播放音乐"))
		h.clock.Advance(window)
		h.machine.Tick()

		if h.machine.State() != StateIdle {
			t.Fatal("tick at the deadline should close the window")
		}
	})
}

func TestMachine_NonFinalEventsDoNotChangeState(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	h.machine.Handle(events.SessionCreated("sess_1"))
	h.machine.Handle(events.SpeechStarted())
	h.machine.Handle(events.PartialText("你好小度"))
	h.machine.Handle(events.SpeechStopped())
	h.machine.Handle(events.ResponseDone(events.ResponseMetrics{ResponseID: "r1"}))

	if h.machine.State() != StateIdle {
		t.Fatal("only final text may open a window")
	}

	h.machine.Handle(events.FinalText("你好小度"))
	h.machine.Handle(events.PartialText("帮我"))
	if got := h.machine.Collected(); len(got) != 0 {
		t.Fatalf("partial text must not be collected, got %v", got)
	}
}

func TestMachine_EmptyWindowIsNotHandedOff(t *testing.T) {
	h := newHarness(t, time.Second)

	h.machine.Handle(events.FinalText("你好，小度。"))
	h.clock.Advance(time.Second)
	h.machine.Tick()

	if h.machine.State() != StateIdle {
		t.Fatal("window should close")
	}
	if len(h.sink.snapshot()) != 0 {
		t.Fatal("empty window must not be submitted")
	}
	if got := testutil.ToFloat64(h.metrics.WindowsClosed.WithLabelValues("empty")); got != 1 {
		t.Fatalf("empty closes = %v, want 1", got)
	}
}

func TestMachine_RejectedUtteranceIsCounted(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sink.accept = false

	h.machine.Handle(events.FinalText("你好小度"))
	h.machine.Handle(events.FinalText("现在几点"))
	h.clock.Advance(time.Second)
	h.machine.Tick()

	if got := testutil.ToFloat64(h.metrics.WindowsClosed.WithLabelValues("dropped")); got != 1 {
		t.Fatalf("dropped closes = %v, want 1", got)
	}
	if h.machine.State() != StateIdle {
		t.Fatal("machine should return to idle after a rejected handoff")
	}
}

type panickingSink struct{}

func (panickingSink) Submit(events.Utterance) bool { panic("sink exploded") }

func TestMachine_RecoversFromHandlerPanic(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	clock := newFakeClock()
	machine := New(Options{
		Triggers:  defaultTriggers,
		Window:    time.Second,
		Delimiter: "。",
		Sink:      panickingSink{},
		Metrics:   m,
		Now:       clock.Now,
	})

	machine.Handle(events.FinalText("你好小度"))
	clock.Advance(time.Second)
	machine.Handle(events.FinalText("关灯"))

	if got := testutil.ToFloat64(m.HandlerPanics); got != 1 {
		t.Fatalf("handler panics = %v, want 1", got)
	}
	if machine.State() != StateIdle {
		t.Fatal("machine should be idle after the failed handoff")
	}

	machine.Handle(events.FinalText("你好小度"))
	if machine.State() != StateRecording {
		t.Fatal("machine should keep processing events after a panic")
	}
}

func TestMachine_RunClosesWindowOnTimer(t *testing.T) {
	sink := newFakeSink()
	machine := New(Options{
		Triggers:  defaultTriggers,
		Window:    80 * time.Millisecond,
		Delimiter: "。",
		Sink:      sink,
		Spool:     storage.NewTranscriptSpool(t.TempDir()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan events.TranscriptEvent, 4)
	done := make(chan struct{})
	go func() {
		machine.Run(ctx, in)
		close(done)
	}()

	in <- events.FinalText("你好小度")
	in <- events.FinalText("帮我查询")
	in <- events.FinalText("天气预报")

	select {
	case <-sink.submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("window was not closed by the timer")
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0].Text != "帮我查询。天气预报。" {
		t.Fatalf("utterances = %+v", got)
	}

	close(in)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the event channel closed")
	}
}

type fakeSession struct{}

func (fakeSession) LastResponseID() string             { return "resp_attached" }
func (fakeSession) LastFirstTextDelay() time.Duration  { return 120 * time.Millisecond }
func (fakeSession) LastFirstAudioDelay() time.Duration { return 0 }

func TestMachine_SessionLifecycle(t *testing.T) {
	observer := &fakeObserver{}
	publisher := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	machine := New(Options{
		Triggers:  defaultTriggers,
		Sink:      newFakeSink(),
		Observer:  observer,
		Publisher: publisher,
		Metrics:   m,
	})
	machine.AttachSession(fakeSession{})

	machine.Handle(events.SessionCreated("sess_42"))
	machine.Handle(events.ResponseDone(events.ResponseMetrics{}))
	machine.Handle(events.Closed(1000, "bye"))

	if len(observer.opened) != 1 || observer.opened[0] != "sess_42" {
		t.Fatalf("opened = %v", observer.opened)
	}
	if len(observer.closed) != 1 || observer.closed[0] != 1000 {
		t.Fatalf("closed = %v", observer.closed)
	}
	if got := testutil.CollectAndCount(m.FirstTextDelay); got != 1 {
		t.Fatalf("first text delay samples = %d, want 1", got)
	}
	if len(publisher.types) != 1 || publisher.types[0] != events.TypeSessionClosed {
		t.Fatalf("published = %v", publisher.types)
	}
}

type failingSpool struct{}

func (failingSpool) RoundTrip([]string) ([]string, error) {
	return nil, errors.New("disk full")
}

func TestMachine_SpoolFailureFallsBackToMemory(t *testing.T) {
	sink := newFakeSink()
	clock := newFakeClock()
	machine := New(Options{
		Triggers:  defaultTriggers,
		Window:    time.Second,
		Delimiter: "。",
		Sink:      sink,
		Spool:     failingSpool{},
		Now:       clock.Now,
	})

	machine.Handle(events.FinalText("小爱同学"))
	machine.Handle(events.FinalText("定个闹钟"))
	clock.Advance(time.Second)
	machine.Tick()

	got := sink.snapshot()
	if len(got) != 1 || got[0].Text != "定个闹钟。" {
		t.Fatalf("utterances = %+v", got)
	}
}

func TestMachine_PublishesLifecycle(t *testing.T) {
	h := newHarness(t, time.Second)

	h.machine.Handle(events.FinalText("你好小度"))
	h.machine.Handle(events.FinalText("你是谁"))
	h.clock.Advance(time.Second)
	h.machine.Tick()

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	want := []events.AssistantEventType{events.TypeTriggerDetected, events.TypeUtteranceFinalized}
	if len(h.publisher.types) != len(want) {
		t.Fatalf("published = %v, want %v", h.publisher.types, want)
	}
	for i := range want {
		if h.publisher.types[i] != want[i] {
			t.Fatalf("published[%d] = %s, want %s", i, h.publisher.types[i], want[i])
		}
	}
}

func TestTriggerSet(t *testing.T) {
	set := NewTriggerSet([]string{" 你好小度 ", "", "你好小度", "天猫精灵"})

	if got := set.Phrases(); len(got) != 2 {
		t.Fatalf("Phrases() = %v, want 2 unique entries", got)
	}

	tests := []struct {
		text  string
		want  string
		match bool
	}{
		{text: "嗯你好小度在吗", want: "你好小度", match: true},
		{text: "天猫精灵", want: "天猫精灵", match: true},
		{text: "你好 小度", match: false},
		{text: "", match: false},
	}

	for _, tt := range tests {
		got, ok := set.Match(tt.text)
		if ok != tt.match || got != tt.want {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.match)
		}
	}
}

func TestState_String(t *testing.T) {
	if StateIdle.String() != "idle" || StateRecording.String() != "recording" {
		t.Fatal("unexpected state names")
	}
	if State(7).String() != "state(7)" {
		t.Fatalf("State(7).String() = %q", State(7).String())
	}
}

func TestMachine_LogsRecordingSummary(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	defer logging.Use(zap.New(core))()

	h := newHarness(t, 2*time.Second)
	h.machine.Handle(events.FinalText("你好小度"))
	for _, text := range []string{"一", "二", "三", "四", "五", "六"} {
		h.clock.Advance(100 * time.Millisecond)
		h.machine.Handle(events.FinalText(text))
	}
	h.clock.Advance(2 * time.Second)
	h.machine.Tick()

	var summary *observer.LoggedEntry
	for _, entry := range recorded.FilterMessage("Capture window").All() {
		if entry.ContextMap()["transition"] == "closed" {
			e := entry
			summary = &e
		}
	}
	if summary == nil {
		t.Fatal("no close summary was logged")
	}

	fields := summary.ContextMap()
	if fields["segments"] != int64(6) {
		t.Fatalf("segments = %v, want 6", fields["segments"])
	}
	if _, ok := fields["segment_5"]; !ok {
		t.Fatal("summary should include the fifth entry")
	}
	if _, ok := fields["segment_6"]; ok {
		t.Fatal("summary should stop after five entries")
	}
}
