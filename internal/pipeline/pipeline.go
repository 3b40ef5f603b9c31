// Package pipeline runs each inbound user message through the processing
// stages: validation, quota gating, text generation, directive extraction,
// optional image rendering and dispatch. Messages from the same user are
// processed strictly in arrival order; different users proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denvoros/aurabot/internal/directive"
	"github.com/denvoros/aurabot/internal/errmon"
	"github.com/denvoros/aurabot/internal/imagegen"
	"github.com/denvoros/aurabot/internal/llm"
	. "github.com/denvoros/aurabot/internal/logging"
	"github.com/denvoros/aurabot/internal/persona"
	"github.com/denvoros/aurabot/internal/quota"
	"github.com/denvoros/aurabot/internal/store"
)

// Sender is the outbound transport. The session layer implements it over the
// live bot connection so pipeline work survives stream restarts.
type Sender interface {
	SendText(userID int64, text string, keyboard []string) error
	SendPhoto(userID int64, image []byte, caption string, keyboard []string) error
	Typing(userID int64) error
}

// Failure classes reported to the error monitor.
var (
	ErrRemoteCallTimeout = errors.New("remote call timed out")
	ErrRemoteCallFailure = errors.New("remote call failed")
)

// Limits are the per-message bounds enforced during validation.
type Limits struct {
	ContextEntries  int
	MaxMessageChars int
	MaxPromptChars  int
}

// Pipeline processes user messages end to end.
type Pipeline struct {
	store   *store.Store
	gate    *quota.Gate
	llm     llm.Client
	images  imagegen.Generator
	monitor *errmon.Monitor
	sender  Sender
	model   string
	limits  Limits
	llmTO   time.Duration
	imageTO time.Duration
	lanes   *laneSet

	// Suggested actions from each user's latest reply. Not persisted; the
	// next reply rebuilds them.
	lastActions sync.Map // int64 -> []string
}

// New wires the pipeline. images may be nil when no image endpoint is
// configured; image directives are then dropped silently.
func New(s *store.Store, gate *quota.Gate, client llm.Client, images imagegen.Generator,
	monitor *errmon.Monitor, sender Sender, model string, limits Limits,
	llmTimeout, imageTimeout time.Duration) *Pipeline {
	if limits.ContextEntries == 0 {
		limits.ContextEntries = 30
	}
	if llmTimeout == 0 {
		llmTimeout = 30 * time.Second
	}
	if imageTimeout == 0 {
		imageTimeout = 30 * time.Second
	}
	return &Pipeline{
		store:   s,
		gate:    gate,
		llm:     client,
		images:  images,
		monitor: monitor,
		sender:  sender,
		model:   model,
		limits:  limits,
		llmTO:   llmTimeout,
		imageTO: imageTimeout,
		lanes:   newLaneSet(),
	}
}

// Enqueue schedules one inbound message. Returns immediately; the message is
// processed on the user's lane in arrival order.
func (p *Pipeline) Enqueue(ctx context.Context, userID int64, username, name, text string) {
	// Correlation id ties together all log lines for one message.
	msgID := uuid.NewString()[:8]
	p.lanes.submit(userID, func() {
		start := time.Now()
		if err := p.process(ctx, userID, username, name, text); err != nil {
			L_error("pipeline: message failed", "msg", msgID, "user", userID, "error", err)
			return
		}
		L_debug("pipeline: message done", "msg", msgID, "user", userID, "elapsed", time.Since(start))
	})
}

// Pending reports how many messages are queued or in flight for the user.
func (p *Pipeline) Pending(userID int64) int {
	return p.lanes.depth(userID)
}

// LastActions returns the suggested actions extracted from the user's most
// recent reply, or nil if none. Callers get a copy they may extend.
func (p *Pipeline) LastActions(userID int64) []string {
	v, ok := p.lastActions.Load(userID)
	if !ok {
		return nil
	}
	actions, _ := v.([]string)
	if len(actions) == 0 {
		return nil
	}
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// ForgetActions drops the remembered suggestions. Conversation resets call
// this so stale quick replies don't resurface on the next keyboard.
func (p *Pipeline) ForgetActions(userID int64) {
	p.lastActions.Delete(userID)
}

// Wait blocks until every lane has drained or ctx expires. Used on shutdown.
func (p *Pipeline) Wait(ctx context.Context) error {
	return p.lanes.wait(ctx)
}

func (p *Pipeline) process(ctx context.Context, userID int64, username, name, text string) error {
	u, err := p.loadOrCreate(ctx, userID, username, name)
	if err != nil {
		return err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) > p.limits.MaxMessageChars {
		u.Touch()
		if err := p.store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return p.sender.SendText(userID,
			fmt.Sprintf("✂️ That message is a bit long for me - could you keep it under %d characters?", p.limits.MaxMessageChars),
			persona.Get(u.Persona).Keyboard())
	}

	ok, err := p.gate.CanSendMessage(ctx, userID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		L_debug("pipeline: daily quota exhausted", "user", userID)
		u.Touch()
		if err := p.store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		return p.sender.SendText(userID,
			fmt.Sprintf("🌙 You've used all %d free messages for today. They refresh at midnight - or /buy unlocks unlimited chat.", p.gate.DailyLimit()),
			persona.Get(u.Persona).Keyboard())
	}

	_ = p.sender.Typing(userID)

	// Optimistic append: the user turn enters the context before generation
	// so a retry after a transient failure still sees it.
	u.AppendContext(store.RoleUser, text, p.limits.ContextEntries)
	u.Touch()

	if _, err := p.gate.RecordMessageSent(ctx, userID); err != nil {
		L_warn("pipeline: counter bump failed", "user", userID, "error", err)
	}
	if err := p.store.AppendMessage(ctx, userID, u.Persona, store.RoleUser, text); err != nil {
		L_warn("pipeline: message log append failed", "user", userID, "error", err)
	}
	if u.Source != "" {
		_ = p.store.RecordSourceRequest(ctx, u.Source)
	}

	reply, err := p.generate(ctx, u)
	if err != nil {
		// The failed turn stays in context; save so quota and activity stick.
		if saveErr := p.store.SaveUser(ctx, u); saveErr != nil {
			L_error("pipeline: save after failure", "user", userID, "error", saveErr)
		}
		p.reportGenerationFailure(userID, err)
		_ = p.sender.SendText(userID,
			"😵 I lost my train of thought for a second. Say that again?",
			persona.Get(u.Persona).Keyboard())
		return err
	}

	return p.dispatch(ctx, u, reply)
}

func (p *Pipeline) loadOrCreate(ctx context.Context, userID int64, username, name string) (*store.UserRecord, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = store.NewUserRecord(userID, username, name, "", persona.Default)
		L_info("pipeline: new user", "user", userID, "username", username)
	}
	// A message from a blocked user means they're reachable again.
	if u.Blocked {
		u.Blocked = false
		L_info("pipeline: user unblocked", "user", userID)
	}
	return u, nil
}

func (p *Pipeline) generate(ctx context.Context, u *store.UserRecord) (directive.Reply, error) {
	pers := persona.Get(u.Persona)

	messages := make([]llm.Message, 0, len(u.Context)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: pers.RenderPrompt(u.Name)})
	for _, e := range u.Context {
		messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
	}

	genCtx, cancel := context.WithTimeout(ctx, p.llmTO)
	defer cancel()

	raw, err := p.llm.Complete(genCtx, messages, p.model)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return directive.Reply{}, fmt.Errorf("%w: %v", ErrRemoteCallTimeout, err)
		}
		return directive.Reply{}, fmt.Errorf("%w: %v", ErrRemoteCallFailure, err)
	}

	reply := directive.Parse(raw)
	if reply.Ambiguous {
		L_debug("pipeline: actions matched via fallback pattern", "user", u.ID)
	}
	if reply.Text == "" && reply.ImagePrompt == "" {
		return directive.Reply{}, fmt.Errorf("%w: empty reply after markup removal", ErrRemoteCallFailure)
	}
	return reply, nil
}

// dispatch delivers the reply, updates context and persists the user record
// exactly once per terminal path.
func (p *Pipeline) dispatch(ctx context.Context, u *store.UserRecord, reply directive.Reply) error {
	pers := persona.Get(u.Persona)

	p.lastActions.Store(u.ID, reply.Actions)

	keyboard := pers.Keyboard()
	if len(reply.Actions) > 0 {
		kb := make([]string, 0, len(reply.Actions)+2)
		kb = append(kb, reply.Actions...)
		kb = append(kb, persona.ClearChatLabel, persona.SwitchPersonaLabel)
		keyboard = kb
	}

	text := reply.Text
	if len([]rune(text)) > p.limits.MaxMessageChars {
		text = string([]rune(text)[:p.limits.MaxMessageChars-1]) + "…"
	}

	if text != "" {
		if err := p.sender.SendText(u.ID, text, keyboard); err != nil {
			p.monitor.Report("dispatch_failure", err.Error(), u.ID)
			if saveErr := p.store.SaveUser(ctx, u); saveErr != nil {
				L_error("pipeline: save after dispatch failure", "user", u.ID, "error", saveErr)
			}
			return fmt.Errorf("send reply: %w", err)
		}
		u.AppendContext(store.RoleAssistant, reply.Text, p.limits.ContextEntries)
		if err := p.store.AppendMessage(ctx, u.ID, u.Persona, store.RoleAssistant, reply.Text); err != nil {
			L_warn("pipeline: message log append failed", "user", u.ID, "error", err)
		}
	}

	if reply.ImagePrompt != "" {
		p.renderImage(ctx, u, pers, reply, keyboard)
	}

	if err := p.store.SaveUser(ctx, u); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// renderImage handles the image directive: re-checks the monthly quota,
// renders under its own timeout and sends the photo. Image failures never
// fail the surrounding message; the text reply already went out.
func (p *Pipeline) renderImage(ctx context.Context, u *store.UserRecord, pers persona.Persona, reply directive.Reply, keyboard []string) {
	if p.images == nil {
		L_debug("pipeline: image directive with no generator configured", "user", u.ID)
		return
	}

	ok, err := p.gate.CanGenerateImage(ctx, u.ID)
	if err != nil {
		p.monitor.Report("quota_check_failure", err.Error(), u.ID)
		return
	}
	if !ok {
		L_debug("pipeline: image quota denied", "user", u.ID)
		_ = p.sender.SendText(u.ID,
			fmt.Sprintf("🖼️ I can't send pictures right now - they're a subscriber treat, up to %d a month. /buy opens them up.", p.gate.MonthlyLimit()),
			keyboard)
		return
	}

	// The endpoint caps prompt length; an overlong model-written prompt is
	// trimmed rather than dropped.
	prompt := reply.ImagePrompt
	if len([]rune(prompt)) > p.limits.MaxPromptChars {
		L_debug("pipeline: image prompt trimmed", "user", u.ID, "chars", len([]rune(prompt)))
		prompt = string([]rune(prompt)[:p.limits.MaxPromptChars])
	}

	imgCtx, cancel := context.WithTimeout(ctx, p.imageTO)
	defer cancel()

	img, err := p.images.Generate(imgCtx, prompt)
	if err != nil {
		kind := "image_failure"
		if errors.Is(imgCtx.Err(), context.DeadlineExceeded) {
			kind = "image_timeout"
		}
		p.monitor.Report(kind, err.Error(), u.ID)
		_ = p.sender.SendText(u.ID, "🎨 The picture didn't come out this time - let's try again later.", keyboard)
		return
	}

	caption := reply.ImageCaption
	if caption == "" {
		caption = pers.ImageCaption
	}
	if err := p.sender.SendPhoto(u.ID, img, caption, keyboard); err != nil {
		p.monitor.Report("dispatch_failure", err.Error(), u.ID)
		return
	}

	if _, err := p.gate.RecordImageGenerated(ctx, u.ID); err != nil {
		L_warn("pipeline: image counter bump failed", "user", u.ID, "error", err)
	}
	L_info("pipeline: image delivered", "user", u.ID)
}

func (p *Pipeline) reportGenerationFailure(userID int64, err error) {
	switch {
	case errors.Is(err, ErrRemoteCallTimeout):
		p.monitor.Report("llm_timeout", err.Error(), userID)
	default:
		p.monitor.Report("llm_failure", err.Error(), userID)
	}
}
