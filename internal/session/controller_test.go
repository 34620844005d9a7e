package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/omochice/stomp-chat/internal/chat"
	"github.com/omochice/stomp-chat/internal/client"
	"github.com/omochice/stomp-chat/internal/kv"
	"github.com/omochice/stomp-chat/internal/moderation"
	"github.com/omochice/stomp-chat/internal/profile"
	"github.com/omochice/stomp-chat/internal/session"
	"github.com/omochice/stomp-chat/pkg/protocol"
)

type published struct {
	destination string
	body        []byte
}

type fakeSub struct {
	destination  string
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed++
	return nil
}

type fakeTransport struct {
	mu          sync.Mutex
	events      chan client.Event
	connected   bool
	activated   int
	deactivated int
	subs        []*fakeSub
	published   []published
	publishErr  error
}

var _ client.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan client.Event, 16)}
}

func (f *fakeTransport) Activate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated++
	if f.activated > 1 {
		return client.ErrAlreadyActive
	}
	return nil
}

func (f *fakeTransport) Deactivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(destination string) (client.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, client.ErrNotConnected
	}
	s := &fakeSub{destination: destination}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if !f.connected {
		return client.ErrNotConnected
	}
	f.published = append(f.published, published{destination: destination, body: body})
	return nil
}

func (f *fakeTransport) Events() <-chan client.Event {
	return f.events
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeHistory struct {
	items   []protocol.Inbound
	err     error
	started chan struct{}
	release chan struct{}
	// subsAtFetch records how many subscriptions existed when Fetch ran.
	subsAtFetch int
	transport   *fakeTransport
}

func (h *fakeHistory) Fetch(ctx context.Context, limit int) ([]protocol.Inbound, error) {
	if h.transport != nil {
		h.subsAtFetch = h.transport.subCount()
	}
	if h.started != nil {
		close(h.started)
	}
	if h.release != nil {
		<-h.release
	}
	return h.items, h.err
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("m%d", n)
	}
}

type harness struct {
	ctrl      *session.Controller
	transport *fakeTransport
	clock     *clock.Mock
	profiles  *profile.Store
}

// newHarness builds a controller for profile {abc, N} over in-memory stores.
func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	store := kv.NewMemory()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	profiles := profile.NewStore(store, profile.WithIDFunc(func() string { return "abc" }))
	profiles.Rename("N")

	ft := newFakeTransport()
	base := []session.Option{
		session.WithClock(mock),
		session.WithIDFunc(sequentialIDs()),
	}
	ctrl := session.New(ft,
		profiles,
		moderation.NewGate(store, moderation.WithClock(mock)),
		chat.NewLog(store),
		append(base, opts...)...,
	)
	t.Cleanup(func() { _ = ctrl.Unmount() })
	return &harness{ctrl: ctrl, transport: ft, clock: mock, profiles: profiles}
}

func (h *harness) mountAndConnect(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Mount(context.Background()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	h.connect()
}

func (h *harness) connect() {
	h.transport.setConnected(true)
	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventConnected})
}

func (h *harness) frame(body string) {
	h.ctrl.HandleEvent(context.Background(), client.Event{
		Type:        client.EventFrame,
		Destination: session.DefaultTopic,
		Body:        []byte(body),
	})
}

func messagesWithRole(msgs []chat.Message, role chat.Role) []chat.Message {
	var out []chat.Message
	for _, m := range msgs {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func countID(msgs []chat.Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func TestController_SendAndEcho(t *testing.T) {
	tests := []struct {
		name       string
		optimistic bool
		wantBefore int
	}{
		{name: "optimistic echo off", optimistic: false, wantBefore: 0},
		{name: "optimistic echo on", optimistic: true, wantBefore: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, session.WithSystemNotices(false), session.WithOptimisticEcho(tt.optimistic))
			h.mountAndConnect(t)

			if err := h.ctrl.Send("hello"); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			if len(h.transport.published) != 1 {
				t.Fatalf("published %d frames, want 1", len(h.transport.published))
			}
			p := h.transport.published[0]
			if p.destination != session.DefaultSendDestination {
				t.Errorf("destination = %q, want %q", p.destination, session.DefaultSendDestination)
			}
			var out protocol.Outbound
			if err := json.Unmarshal(p.body, &out); err != nil {
				t.Fatalf("published body is not JSON: %v", err)
			}
			want := protocol.Outbound{ID: "m1", Sender: "abc", Nickname: "N", Text: "hello"}
			if out != want {
				t.Errorf("published %+v, want %+v", out, want)
			}

			if got := countID(h.ctrl.Snapshot().Messages, "m1"); got != tt.wantBefore {
				t.Errorf("entries with id m1 before echo = %d, want %d", got, tt.wantBefore)
			}

			h.frame(`{"id":"m1","sender":"abc","nickname":"N","text":"hello"}`)

			msgs := h.ctrl.Snapshot().Messages
			if got := countID(msgs, "m1"); got != 1 {
				t.Fatalf("entries with id m1 after echo = %d, want 1", got)
			}
			for _, m := range msgs {
				if m.ID == "m1" && m.Role != chat.RoleUser {
					t.Errorf("m1 role = %v, want user", m.Role)
				}
			}
		})
	}
}

func TestController_Dedup(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	h.frame(`{"id":"x1","sender":"other","text":"first"}`)
	h.frame(`{"id":"x1","sender":"other","text":"second"}`)
	h.frame(`{"id":"x2","sender":"other","text":"third"}`)
	h.frame(`{"id":"x1","sender":"abc","text":"fourth"}`)

	msgs := h.ctrl.Snapshot().Messages
	if len(msgs) != 2 {
		t.Fatalf("log has %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "x1" || msgs[0].Text != "first" {
		t.Errorf("first entry = %+v, want x1 with the first text", msgs[0])
	}
}

func TestController_OwnershipTagging(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantRole     chat.Role
		wantNickname string
	}{
		{
			name:         "own sender",
			body:         `{"id":"a","sender":"abc","nickname":"Me","text":"hi"}`,
			wantRole:     chat.RoleUser,
			wantNickname: "Me",
		},
		{
			name:         "own sender without nickname",
			body:         `{"id":"b","sender":"abc","text":"hi"}`,
			wantRole:     chat.RoleUser,
			wantNickname: "N",
		},
		{
			name:         "other sender",
			body:         `{"id":"c","sender":"xyz","nickname":"Them","text":"hi"}`,
			wantRole:     chat.RoleBot,
			wantNickname: "Them",
		},
		{
			name:         "other without nickname",
			body:         `{"id":"d","sender":"xyz","text":"hi"}`,
			wantRole:     chat.RoleBot,
			wantNickname: session.AnonymousNickname,
		},
		{
			name:         "no sender",
			body:         `{"id":"e","text":"hi"}`,
			wantRole:     chat.RoleBot,
			wantNickname: session.AnonymousNickname,
		},
		{
			name:         "markup in nickname",
			body:         `{"id":"f","sender":"xyz","nickname":"<b>Bold</b>","text":"hi"}`,
			wantRole:     chat.RoleBot,
			wantNickname: "Bold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, session.WithSystemNotices(false))
			h.mountAndConnect(t)
			h.frame(tt.body)

			msgs := h.ctrl.Snapshot().Messages
			if len(msgs) != 1 {
				t.Fatalf("log has %d messages, want 1", len(msgs))
			}
			if msgs[0].Role != tt.wantRole {
				t.Errorf("Role = %v, want %v", msgs[0].Role, tt.wantRole)
			}
			if msgs[0].Nickname != tt.wantNickname {
				t.Errorf("Nickname = %q, want %q", msgs[0].Nickname, tt.wantNickname)
			}
		})
	}
}

func TestController_InboundTimestampAndMask(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	h.frame(`{"id":"a","sender":"x","text":"oh shit","createdAt":1700000000000}`)
	h.frame(`{"id":"b","sender":"x","text":"fine","createDate":"2025-01-01 09:00:00"}`)
	h.frame(`{"id":"c","sender":"x","text":"later"}`)

	msgs := h.ctrl.Snapshot().Messages
	if len(msgs) != 3 {
		t.Fatalf("log has %d messages, want 3", len(msgs))
	}
	if msgs[0].Text != "oh ••••" {
		t.Errorf("masked text = %q", msgs[0].Text)
	}
	if !msgs[0].CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("createdAt = %v", msgs[0].CreatedAt)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !msgs[1].CreatedAt.Equal(want) {
		t.Errorf("createDate = %v, want %v", msgs[1].CreatedAt, want)
	}
	if !msgs[2].CreatedAt.Equal(h.clock.Now()) {
		t.Errorf("receipt time = %v, want %v", msgs[2].CreatedAt, h.clock.Now())
	}
}

func TestController_NumericIDFrame(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	h.frame(`{"id":3,"sender":"x","text":"hello"}`)
	h.frame(`{"id":"3","sender":"x","text":"again"}`)

	msgs := h.ctrl.Snapshot().Messages
	if len(msgs) != 1 {
		t.Fatalf("log has %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "3" || msgs[0].Role != chat.RoleBot || msgs[0].Text != "hello" {
		t.Errorf("entry = %+v, want id 3 from another participant", msgs[0])
	}
}

func TestController_FrameWithoutIDGetsOne(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	h.frame(`{"sender":"x","text":"one"}`)
	h.frame(`{"sender":"x","text":"one"}`)

	msgs := h.ctrl.Snapshot().Messages
	if len(msgs) != 2 {
		t.Fatalf("log has %d messages, want 2", len(msgs))
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Errorf("synthesized ids = %q, %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestController_ParseErrors(t *testing.T) {
	for _, body := range []string{`not json`, `{"id":"x"}`, `[]`, ``} {
		t.Run(body, func(t *testing.T) {
			h := newHarness(t, session.WithSystemNotices(false))
			h.mountAndConnect(t)

			h.frame(body)

			msgs := h.ctrl.Snapshot().Messages
			if len(msgs) != 1 || msgs[0].Role != chat.RoleSystem {
				t.Fatalf("log = %+v, want a single system notice", msgs)
			}
			if !h.ctrl.Snapshot().Connected {
				t.Error("parse error changed connection state")
			}
		})
	}
}

func TestController_HistoryOrdering(t *testing.T) {
	hist := &fakeHistory{
		items: []protocol.Inbound{
			{ID: "3", Sender: "x", Text: "three", CreateDate: "t3"},
			{ID: "2", Sender: "x", Text: "two", CreateDate: "t2"},
			{ID: "1", Sender: "x", Text: "one", CreateDate: "t1"},
		},
	}
	h := newHarness(t, session.WithSystemNotices(false), session.WithHistory(hist, 50))
	hist.transport = h.transport
	h.mountAndConnect(t)

	msgs := h.ctrl.Snapshot().Messages
	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.ID
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Errorf("restored order = %v, want [1 2 3]", got)
	}
	if hist.subsAtFetch != 0 {
		t.Errorf("subscribed before history was restored (%d subscriptions)", hist.subsAtFetch)
	}
	if h.transport.subCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", h.transport.subCount())
	}
}

func TestController_HistoryFailureStillSubscribes(t *testing.T) {
	hist := &fakeHistory{err: errors.New("unavailable")}
	h := newHarness(t, session.WithHistory(hist, 50))
	h.mountAndConnect(t)

	snap := h.ctrl.Snapshot()
	if !snap.Connected || snap.State != session.StateConnected {
		t.Errorf("state = %v connected = %v after failed history", snap.State, snap.Connected)
	}
	if h.transport.subCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", h.transport.subCount())
	}
}

func TestController_ReconnectResubscribes(t *testing.T) {
	h := newHarness(t)
	h.mountAndConnect(t)

	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventStompError, Err: errors.New("boom")})
	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventSocketClosed})
	h.transport.setConnected(false)

	snap := h.ctrl.Snapshot()
	if snap.Connected || snap.State != session.StateDisconnected {
		t.Fatalf("state = %v connected = %v, want disconnected", snap.State, snap.Connected)
	}

	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventConnecting})
	if got := h.ctrl.Snapshot().State; got != session.StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}

	h.connect()

	if n := h.transport.subCount(); n != 2 {
		t.Fatalf("subscriptions = %d, want 2", n)
	}
	if u := h.transport.subs[0].unsubscribed; u != 1 {
		t.Errorf("stale subscription unsubscribed %d times, want 1", u)
	}

	var notices []string
	for _, m := range messagesWithRole(h.ctrl.Snapshot().Messages, chat.RoleSystem) {
		notices = append(notices, m.Text)
	}
	want := "connected,broker error,connected"
	if strings.Join(notices, ",") != want {
		t.Errorf("notices = %v, want %s", notices, want)
	}
}

func TestController_SystemNoticesDisabled(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)
	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventSocketClosed})

	if msgs := h.ctrl.Snapshot().Messages; len(msgs) != 0 {
		t.Errorf("log = %+v, want no connection notices", msgs)
	}
}

func TestController_SendPreconditions(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		h := newHarness(t)
		h.mountAndConnect(t)
		before := len(h.ctrl.Snapshot().Messages)

		if err := h.ctrl.Send("   "); !errors.Is(err, session.ErrEmptyMessage) {
			t.Errorf("Send() error = %v, want ErrEmptyMessage", err)
		}
		if len(h.transport.published) != 0 {
			t.Error("empty message was published")
		}
		if len(h.ctrl.Snapshot().Messages) != before {
			t.Error("empty message left a notice")
		}
	})

	t.Run("not connected", func(t *testing.T) {
		h := newHarness(t)
		if err := h.ctrl.Mount(context.Background()); err != nil {
			t.Fatalf("Mount() error = %v", err)
		}

		if err := h.ctrl.Send("hello"); !errors.Is(err, session.ErrNotConnected) {
			t.Errorf("Send() error = %v, want ErrNotConnected", err)
		}
		if len(messagesWithRole(h.ctrl.Snapshot().Messages, chat.RoleSystem)) != 1 {
			t.Error("missing waiting notice")
		}
	})

	t.Run("no profile", func(t *testing.T) {
		ft := newFakeTransport()
		store := kv.NewMemory()
		ctrl := session.New(ft, profile.NewStore(store), moderation.NewGate(store), chat.NewLog(store))
		defer ctrl.Unmount()

		ft.setConnected(true)
		ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventConnected})

		if err := ctrl.Send("hello"); !errors.Is(err, session.ErrNoProfile) {
			t.Errorf("Send() error = %v, want ErrNoProfile", err)
		}
	})

	t.Run("publish failure", func(t *testing.T) {
		h := newHarness(t)
		h.mountAndConnect(t)
		h.transport.publishErr = errors.New("broken pipe")

		if err := h.ctrl.Send("hello"); err == nil {
			t.Error("Send() error = nil with failing publish")
		}
	})
}

func TestController_RateLimit(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	for i := range moderation.DefaultLimit {
		if err := h.ctrl.Send(fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
		h.clock.Add(time.Second)
	}

	err := h.ctrl.Send("one too many")
	if !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("Send() error = %v, want ErrRateLimited", err)
	}
	if len(h.transport.published) != moderation.DefaultLimit {
		t.Errorf("published %d frames, want %d", len(h.transport.published), moderation.DefaultLimit)
	}
	notices := messagesWithRole(h.ctrl.Snapshot().Messages, chat.RoleSystem)
	if len(notices) != 1 || !strings.Contains(notices[0].Text, "try again in 5s") {
		t.Errorf("notices = %+v, want a retry hint of 5s", notices)
	}

	h.clock.Add(5 * time.Second)
	if err := h.ctrl.Send("after the window"); err != nil {
		t.Errorf("Send() after window error = %v", err)
	}
}

func TestController_MasksBeforeSend(t *testing.T) {
	h := newHarness(t)
	h.mountAndConnect(t)

	if err := h.ctrl.Send("  what the FUCK  "); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	var out protocol.Outbound
	if err := json.Unmarshal(h.transport.published[0].body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "what the ••••" {
		t.Errorf("published text = %q", out.Text)
	}
}

func TestController_MountTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if err := h.ctrl.Mount(ctx); err != nil {
		t.Fatalf("second Mount() error = %v", err)
	}
	if h.transport.activated != 1 {
		t.Errorf("Activate called %d times, want 1", h.transport.activated)
	}
	if got := h.ctrl.Snapshot().State; got != session.StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}
}

func TestController_MountConcurrent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.Mount(context.Background())
		}()
	}
	wg.Wait()

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if h.transport.activated != 1 {
		t.Errorf("Activate called %d times, want 1", h.transport.activated)
	}
}

func TestController_UnmountNeverConnected(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Unmount(); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if err := h.ctrl.Unmount(); err != nil {
		t.Fatalf("second Unmount() error = %v", err)
	}
	if h.transport.deactivated != 1 {
		t.Errorf("Deactivate called %d times, want 1", h.transport.deactivated)
	}
	if got := h.ctrl.Snapshot().State; got != session.StateTornDown {
		t.Errorf("state = %v, want torn_down", got)
	}
	if err := h.ctrl.Send("hello"); !errors.Is(err, session.ErrTornDown) {
		t.Errorf("Send() error = %v, want ErrTornDown", err)
	}
	if err := h.ctrl.Mount(context.Background()); !errors.Is(err, session.ErrTornDown) {
		t.Errorf("Mount() after Unmount error = %v, want ErrTornDown", err)
	}
}

func TestController_UnmountUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.mountAndConnect(t)

	if err := h.ctrl.Unmount(); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if u := h.transport.subs[0].unsubscribed; u != 1 {
		t.Errorf("Unsubscribe called %d times, want 1", u)
	}
	if h.ctrl.Snapshot().Connected {
		t.Error("Connected = true after Unmount")
	}

	before := len(h.ctrl.Snapshot().Messages)
	h.frame(`{"id":"late","sender":"x","text":"after teardown"}`)
	h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventConnected})
	if len(h.ctrl.Snapshot().Messages) != before {
		t.Error("events after Unmount changed the log")
	}
}

func TestController_StaleHistoryAfterUnmount(t *testing.T) {
	hist := &fakeHistory{
		items:   []protocol.Inbound{{ID: "h1", Text: "old"}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, session.WithHistory(hist, 50))
	if err := h.ctrl.Mount(context.Background()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	h.transport.setConnected(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventConnected})
	}()

	<-hist.started
	if err := h.ctrl.Unmount(); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	close(hist.release)
	<-done

	if n := h.transport.subCount(); n != 0 {
		t.Errorf("subscriptions after stale connect = %d, want 0", n)
	}
	if countID(h.ctrl.Snapshot().Messages, "h1") != 0 {
		t.Error("stale history was restored")
	}
}

func TestController_RunLoopHandlesTransportEvents(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	if err := h.ctrl.Mount(context.Background()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	updates := make(chan session.Snapshot, 16)
	cancel := h.ctrl.OnChange(func(s session.Snapshot) { updates <- s })
	defer cancel()

	h.transport.setConnected(true)
	h.transport.events <- client.Event{Type: client.EventConnected}
	h.transport.events <- client.Event{Type: client.EventFrame, Body: []byte(`{"id":"r1","sender":"x","text":"hi"}`)}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.Connected && countID(s.Messages, "r1") == 1 {
				return
			}
		case <-timeout:
			t.Fatal("run loop never applied the events")
		}
	}
}

func TestController_OnChange(t *testing.T) {
	h := newHarness(t, session.WithSystemNotices(false))
	h.mountAndConnect(t)

	var mu sync.Mutex
	var calls int
	var last session.Snapshot
	cancel := h.ctrl.OnChange(func(s session.Snapshot) {
		mu.Lock()
		calls++
		last = s
		mu.Unlock()
	})

	h.frame(`{"id":"a","sender":"x","text":"hi"}`)
	h.ctrl.Rename("Bob")
	h.ctrl.Clear()

	mu.Lock()
	if calls != 3 {
		t.Errorf("observer called %d times, want 3", calls)
	}
	if last.Profile.Nickname != "Bob" || len(last.Messages) != 0 {
		t.Errorf("last snapshot = %+v", last)
	}
	mu.Unlock()

	cancel()
	h.frame(`{"id":"b","sender":"x","text":"hi"}`)

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("observer called after cancel (%d calls)", calls)
	}
}

func TestController_OnChangeEndsOnLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.mountAndConnect(t)

	var mu sync.Mutex
	var last session.Snapshot
	cancel := h.ctrl.OnChange(func(s session.Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = h.ctrl.Send(fmt.Sprintf("msg %d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h.transport.setConnected(false)
			h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventSocketClosed})
			h.connect()
		}
		h.transport.setConnected(false)
		h.ctrl.HandleEvent(context.Background(), client.Event{Type: client.EventSocketClosed})
	}()
	wg.Wait()

	want := h.ctrl.Snapshot()
	mu.Lock()
	defer mu.Unlock()
	if last.Connected != want.Connected || last.State != want.State {
		t.Errorf("last observed connected=%v state=%v, want connected=%v state=%v",
			last.Connected, last.State, want.Connected, want.State)
	}
	if len(last.Messages) != len(want.Messages) {
		t.Errorf("last observed %d messages, want %d", len(last.Messages), len(want.Messages))
	}
}

func TestController_Rename(t *testing.T) {
	h := newHarness(t)
	h.mountAndConnect(t)

	if p := h.ctrl.Rename("  "); p.Nickname != "N" {
		t.Errorf("Rename(blank) nickname = %q, want N", p.Nickname)
	}
	if p := h.ctrl.Rename("  Bob "); p.Nickname != "Bob" {
		t.Errorf("Rename() nickname = %q, want Bob", p.Nickname)
	}
	if p, _ := h.profiles.Current(); p.SenderID != "abc" {
		t.Errorf("SenderID changed to %q", p.SenderID)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state session.State
		want  string
	}{
		{session.StateIdle, "idle"},
		{session.StateConnecting, "connecting"},
		{session.StateConnected, "connected"},
		{session.StateDisconnected, "disconnected"},
		{session.StateTornDown, "torn_down"},
		{session.State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
