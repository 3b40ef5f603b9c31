package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denvoros/aurabot/internal/errmon"
	"github.com/denvoros/aurabot/internal/imagegen"
	"github.com/denvoros/aurabot/internal/llm"
	"github.com/denvoros/aurabot/internal/persona"
	"github.com/denvoros/aurabot/internal/quota"
	"github.com/denvoros/aurabot/internal/store"
)

type fakeLLM struct {
	reply string
	err   error
	delay time.Duration
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.Message, model string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeGenerator struct {
	image []byte
	err   error

	mu     sync.Mutex
	prompt string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	f.prompt = prompt
	f.mu.Unlock()
	return f.image, f.err
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

type sentText struct {
	userID   int64
	text     string
	keyboard []string
}

type sentPhoto struct {
	userID  int64
	caption string
}

type fakeSender struct {
	mu      sync.Mutex
	texts   []sentText
	photos  []sentPhoto
	sendErr error
}

func (f *fakeSender) SendText(userID int64, text string, keyboard []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, sentText{userID, text, keyboard})
	return nil
}

func (f *fakeSender) SendPhoto(userID int64, image []byte, caption string, keyboard []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.photos = append(f.photos, sentPhoto{userID, caption})
	return nil
}

func (f *fakeSender) Typing(userID int64) error { return nil }

func (f *fakeSender) lastText() (sentText, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return sentText{}, false
	}
	return f.texts[len(f.texts)-1], true
}

type testRig struct {
	store  *store.Store
	sender *fakeSender
	pipe   *Pipeline
}

func newTestRig(t *testing.T, client llm.Client, gen *fakeGenerator, dailyLimit int) *testRig {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pipe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sender := &fakeSender{}
	gate := quota.New(s, dailyLimit, 150)
	monitor := errmon.New(nil, time.Minute)

	var images imagegen.Generator
	if gen != nil {
		images = gen
	}
	limits := Limits{ContextEntries: 30, MaxMessageChars: 4000, MaxPromptChars: 2000}
	p := New(s, gate, client, images, monitor, sender, "test-model", limits, time.Second, time.Second)
	return &testRig{store: s, sender: sender, pipe: p}
}

func (r *testRig) run(t *testing.T, userID int64, text string) {
	t.Helper()
	r.pipe.Enqueue(context.Background(), userID, "u", "User", text)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.pipe.Wait(ctx); err != nil {
		t.Fatalf("pipeline drain: %v", err)
	}
}

func TestHappyPathReply(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "Hello! Nice to meet you."}, nil, 20)
	rig.run(t, 1, "hi")

	msg, ok := rig.sender.lastText()
	if !ok {
		t.Fatal("no reply sent")
	}
	if msg.text != "Hello! Nice to meet you." {
		t.Errorf("reply = %q", msg.text)
	}

	u, err := rig.store.GetUser(context.Background(), 1)
	if err != nil || u == nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if len(u.Context) != 2 {
		t.Fatalf("context length = %d, want user+assistant", len(u.Context))
	}
	if u.Context[0].Role != store.RoleUser || u.Context[1].Role != store.RoleAssistant {
		t.Errorf("context roles = %s, %s", u.Context[0].Role, u.Context[1].Role)
	}

	count, _ := rig.store.DailyMessageCount(context.Background(), 1, store.DayKey(time.Now()))
	if count != 1 {
		t.Errorf("daily count = %d, want 1", count)
	}
}

func TestActionsBecomeKeyboard(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "Pick!\n[actions: Option A, Option B]"}, nil, 20)
	rig.run(t, 1, "hi")

	msg, ok := rig.sender.lastText()
	if !ok {
		t.Fatal("no reply sent")
	}
	if msg.text != "Pick!" {
		t.Errorf("markup leaked into text: %q", msg.text)
	}
	want := []string{"Option A", "Option B", persona.ClearChatLabel, persona.SwitchPersonaLabel}
	if len(msg.keyboard) != len(want) {
		t.Fatalf("keyboard = %v, want %v", msg.keyboard, want)
	}
	for i := range want {
		if msg.keyboard[i] != want[i] {
			t.Errorf("keyboard[%d] = %q, want %q", i, msg.keyboard[i], want[i])
		}
	}
}

func TestLastActionsTrackLatestReply(t *testing.T) {
	fake := &fakeLLM{reply: "Pick!\n[actions: Option A, Option B]"}
	rig := newTestRig(t, fake, nil, 20)

	rig.run(t, 1, "hi")
	if got := rig.pipe.LastActions(1); len(got) != 2 {
		t.Fatalf("last actions = %v", got)
	}

	// A reply without actions overwrites the previous set.
	fake.reply = "Just chatting."
	rig.run(t, 1, "ok")
	if got := rig.pipe.LastActions(1); got != nil {
		t.Errorf("stale actions survived: %v", got)
	}
	if got := rig.pipe.LastActions(99); got != nil {
		t.Errorf("unknown user has actions: %v", got)
	}
}

func TestDailyQuotaRejection(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "ok"}, nil, 1)

	rig.run(t, 1, "first")
	rig.run(t, 1, "second")

	msg, _ := rig.sender.lastText()
	if !strings.Contains(msg.text, "free messages") {
		t.Errorf("expected quota message, got %q", msg.text)
	}

	count, _ := rig.store.DailyMessageCount(context.Background(), 1, store.DayKey(time.Now()))
	if count != 1 {
		t.Errorf("rejected message should not count, got %d", count)
	}
}

func TestLLMTimeoutKeepsUserTurn(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "late", delay: 5 * time.Second}, nil, 20)
	rig.run(t, 1, "hello?")

	msg, ok := rig.sender.lastText()
	if !ok {
		t.Fatal("no apology sent")
	}
	if !strings.Contains(msg.text, "train of thought") {
		t.Errorf("expected apology, got %q", msg.text)
	}

	// The user's turn survives the failure for the next attempt.
	u, _ := rig.store.GetUser(context.Background(), 1)
	if u == nil || len(u.Context) != 1 || u.Context[0].Role != store.RoleUser {
		t.Fatalf("user turn not retained: %+v", u)
	}
}

func TestOverlongMessageRejected(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "ok"}, nil, 20)
	rig.run(t, 1, strings.Repeat("a", 4001))

	msg, _ := rig.sender.lastText()
	if !strings.Contains(msg.text, "4000 characters") {
		t.Errorf("expected length rejection, got %q", msg.text)
	}
	count, _ := rig.store.DailyMessageCount(context.Background(), 1, store.DayKey(time.Now()))
	if count != 0 {
		t.Errorf("rejected message should not count, got %d", count)
	}
}

func TestMessageUnderLimitAccepted(t *testing.T) {
	// Messages between the prompt cap and the message cap are valid chat.
	rig := newTestRig(t, &fakeLLM{reply: "long one noted"}, nil, 20)
	rig.run(t, 1, strings.Repeat("a", 3000))

	msg, ok := rig.sender.lastText()
	if !ok {
		t.Fatal("no reply sent")
	}
	if msg.text != "long one noted" {
		t.Errorf("expected generated reply, got %q", msg.text)
	}
	count, _ := rig.store.DailyMessageCount(context.Background(), 1, store.DayKey(time.Now()))
	if count != 1 {
		t.Errorf("daily count = %d, want 1", count)
	}
}

func TestImagePromptTrimmedToLimit(t *testing.T) {
	gen := &fakeGenerator{image: []byte{1}}
	longPrompt := strings.Repeat("p", 3000)
	rig := newTestRig(t, &fakeLLM{reply: "Here!\n[image: " + longPrompt + "]"}, gen, 20)

	if _, err := rig.store.ExtendSubscription(context.Background(), 1, 30*24*time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	rig.run(t, 1, "paint something")

	got := gen.lastPrompt()
	if got == "" {
		t.Fatal("generator never called")
	}
	if n := len([]rune(got)); n != 2000 {
		t.Errorf("prompt length = %d, want trimmed to 2000", n)
	}
}

func TestLongReplyTruncated(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: strings.Repeat("x", 5000)}, nil, 20)
	rig.run(t, 1, "hi")

	msg, _ := rig.sender.lastText()
	if got := len([]rune(msg.text)); got > 4000 {
		t.Errorf("reply length = %d runes, want <= 4000", got)
	}
	if !strings.HasSuffix(msg.text, "…") {
		t.Error("truncated reply should end with ellipsis")
	}
}

func TestImageDirectiveForSubscriber(t *testing.T) {
	gen := &fakeGenerator{image: []byte{0x89, 0x50}}
	rig := newTestRig(t, &fakeLLM{reply: "Here!\n[image: a sunset]"}, gen, 20)

	if _, err := rig.store.ExtendSubscription(context.Background(), 1, 30*24*time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	rig.run(t, 1, "show me a sunset")

	rig.sender.mu.Lock()
	photos := len(rig.sender.photos)
	rig.sender.mu.Unlock()
	if photos != 1 {
		t.Fatalf("photos sent = %d, want 1", photos)
	}

	count, _ := rig.store.MonthlyImageCount(context.Background(), 1, store.MonthKey(time.Now()))
	if count != 1 {
		t.Errorf("monthly image count = %d, want 1", count)
	}
}

func TestImageDirectiveWithoutSubscription(t *testing.T) {
	gen := &fakeGenerator{image: []byte{1}}
	rig := newTestRig(t, &fakeLLM{reply: "Here!\n[image: a sunset]"}, gen, 20)
	rig.run(t, 1, "show me")

	rig.sender.mu.Lock()
	photos := len(rig.sender.photos)
	rig.sender.mu.Unlock()
	if photos != 0 {
		t.Errorf("free user received %d photos", photos)
	}
	count, _ := rig.store.MonthlyImageCount(context.Background(), 1, store.MonthKey(time.Now()))
	if count != 0 {
		t.Errorf("image counter bumped without generation: %d", count)
	}
}

func TestImageFailureDoesNotFailMessage(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("render exploded")}
	rig := newTestRig(t, &fakeLLM{reply: "Here!\n[image: a sunset]"}, gen, 20)

	if _, err := rig.store.ExtendSubscription(context.Background(), 1, 30*24*time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	rig.run(t, 1, "show me")

	rig.sender.mu.Lock()
	texts := len(rig.sender.texts)
	rig.sender.mu.Unlock()
	// The text reply plus the image apology.
	if texts != 2 {
		t.Errorf("texts sent = %d, want 2", texts)
	}
	count, _ := rig.store.MonthlyImageCount(context.Background(), 1, store.MonthKey(time.Now()))
	if count != 0 {
		t.Errorf("failed render must not consume quota: %d", count)
	}
}

func TestInboundMessageUnblocksUser(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "welcome back"}, nil, 20)
	ctx := context.Background()

	u := store.NewUserRecord(1, "u", "User", "", persona.Default)
	u.Blocked = true
	if err := rig.store.SaveUser(ctx, u); err != nil {
		t.Fatalf("save: %v", err)
	}

	rig.run(t, 1, "I'm back")

	got, _ := rig.store.GetUser(ctx, 1)
	if got.Blocked {
		t.Error("inbound message should clear the blocked flag")
	}
}

func TestContextCapEnforced(t *testing.T) {
	rig := newTestRig(t, &fakeLLM{reply: "ok"}, nil, 100)
	for i := 0; i < 25; i++ {
		rig.run(t, 1, "msg")
	}

	u, _ := rig.store.GetUser(context.Background(), 1)
	if u == nil {
		t.Fatal("user missing")
	}
	if len(u.Context) > 30 {
		t.Errorf("context length = %d, want <= 30", len(u.Context))
	}
}
