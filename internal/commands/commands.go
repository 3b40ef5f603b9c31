// Package commands routes inbound text to command handlers. Recognized slash
// commands and keyboard button labels are handled directly; everything else
// goes to the message pipeline.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	. "github.com/denvoros/aurabot/internal/logging"
	"github.com/denvoros/aurabot/internal/persona"
	"github.com/denvoros/aurabot/internal/pipeline"
	"github.com/denvoros/aurabot/internal/quota"
	"github.com/denvoros/aurabot/internal/store"
)

// Inbound is one received message after transport decoding.
type Inbound struct {
	UserID   int64
	Username string
	Name     string
	Text     string
	Payload  string // deep-link payload, set on /start only
}

// Router dispatches inbound messages.
type Router struct {
	store *store.Store
	gate  *quota.Gate
	pipe  *pipeline.Pipeline
	send  pipeline.Sender
}

// NewRouter wires the dispatch table.
func NewRouter(s *store.Store, gate *quota.Gate, pipe *pipeline.Pipeline, send pipeline.Sender) *Router {
	return &Router{store: s, gate: gate, pipe: pipe, send: send}
}

// Handle routes one message. Command handlers run inline; chat messages are
// enqueued on the user's pipeline lane.
func (r *Router) Handle(ctx context.Context, in Inbound) error {
	text := strings.TrimSpace(in.Text)

	// Mention-style commands (/help@AuraBot) are treated as bare commands.
	if strings.HasPrefix(text, "/") {
		cmd, rest, _ := strings.Cut(text, " ")
		if at := strings.Index(cmd, "@"); at > 0 {
			text = strings.TrimSpace(cmd[:at] + " " + rest)
		}
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		return r.handleStart(ctx, in)
	case text == "/help":
		return r.handleHelp(ctx, in)
	case text == "/clear", text == persona.ClearChatLabel:
		return r.handleClear(ctx, in)
	case text == "/persona", text == persona.SwitchPersonaLabel:
		return r.handlePersonaMenu(ctx, in)
	case text == "/buy":
		return r.handleBuy(ctx, in)
	case text == "/status":
		return r.handleStatus(ctx, in)
	case text == "/checkins":
		return r.handleCheckinsToggle(ctx, in)
	}

	if p, ok := personaByTitle(text); ok {
		return r.handlePersonaSwitch(ctx, in, p)
	}

	r.pipe.Enqueue(ctx, in.UserID, in.Username, in.Name, text)
	return nil
}

func (r *Router) handleStart(ctx context.Context, in Inbound) error {
	u, err := r.store.GetUser(ctx, in.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		u = store.NewUserRecord(in.UserID, in.Username, in.Name, in.Payload, persona.Default)
		if in.Payload != "" {
			_ = r.store.RecordSourceUser(ctx, in.Payload)
		}
		L_info("commands: new user via /start", "user", in.UserID, "source", in.Payload)
	}
	u.Touch()
	if err := r.store.SaveUser(ctx, u); err != nil {
		return err
	}

	p := persona.Get(u.Persona)
	return r.send.SendText(in.UserID, p.Greeting, p.Keyboard())
}

func (r *Router) handleHelp(ctx context.Context, in Inbound) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}
	help := "💬 Just write to me like you would to a friend.\n\n" +
		"/persona - switch who you're talking to\n" +
		"/clear - start the conversation over\n" +
		"/status - see your usage for today\n" +
		"/checkins - toggle my check-ins when you've been away\n" +
		"/buy - unlock unlimited chat and pictures\n" +
		fmt.Sprintf("\nFree plan: %d messages a day. Subscribers chat without limits and get up to %d pictures a month.",
			r.gate.DailyLimit(), r.gate.MonthlyLimit())
	return r.send.SendText(in.UserID, help, r.keyboard(u))
}

func (r *Router) handleClear(ctx context.Context, in Inbound) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}
	u.ClearContext()
	u.Touch()
	if err := r.store.SaveUser(ctx, u); err != nil {
		return err
	}
	r.pipe.ForgetActions(in.UserID)
	return r.send.SendText(in.UserID, "🧹 All clear! Fresh start - what's on your mind?",
		persona.Get(u.Persona).Keyboard())
}

func (r *Router) handlePersonaMenu(ctx context.Context, in Inbound) error {
	if _, err := r.requireUser(ctx, in); err != nil {
		return err
	}
	titles := make([]string, 0, len(persona.All()))
	for _, p := range persona.All() {
		titles = append(titles, p.Title)
	}
	return r.send.SendText(in.UserID, "🎭 Who would you like to talk to? 👑 marks premium personas.", titles)
}

func (r *Router) handlePersonaSwitch(ctx context.Context, in Inbound, p persona.Persona) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}

	if p.Premium {
		active, err := r.store.HasActiveSubscription(ctx, in.UserID)
		if err != nil {
			return err
		}
		if !active {
			return r.send.SendText(in.UserID,
				"👑 That persona is for subscribers. /buy opens it up, along with unlimited chat.",
				persona.Get(u.Persona).Keyboard())
		}
	}

	// Switching personas resets the conversation; contexts don't carry over.
	u.Persona = p.Name
	u.ClearContext()
	u.Touch()
	if err := r.store.SaveUser(ctx, u); err != nil {
		return err
	}
	r.pipe.ForgetActions(in.UserID)
	L_info("commands: persona switched", "user", in.UserID, "persona", p.Name)
	return r.send.SendText(in.UserID, p.Greeting, p.Keyboard())
}

func (r *Router) handleCheckinsToggle(ctx context.Context, in Inbound) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}
	u.AutoEngage = !u.AutoEngage
	u.Touch()
	if err := r.store.SaveUser(ctx, u); err != nil {
		return err
	}
	msg := "🔕 Got it, I won't check in on my own anymore. /checkins turns it back on."
	if u.AutoEngage {
		msg = "🔔 I'll check in now and then when you've been quiet for a while."
	}
	return r.send.SendText(in.UserID, msg, r.keyboard(u))
}

func (r *Router) handleBuy(ctx context.Context, in Inbound) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}
	return r.send.SendText(in.UserID,
		"💳 Subscriptions are coming soon. For now, write to the operator to get access.",
		r.keyboard(u))
}

func (r *Router) handleStatus(ctx context.Context, in Inbound) error {
	u, err := r.requireUser(ctx, in)
	if err != nil {
		return err
	}

	daily, err := r.gate.DailyUsage(ctx, in.UserID)
	if err != nil {
		return err
	}
	expiresAt, err := r.store.GetSubscription(ctx, in.UserID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎭 Persona: %s\n", persona.Get(u.Persona).Title)
	if expiresAt.After(time.Now()) {
		monthly, err := r.gate.MonthlyUsage(ctx, in.UserID)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "👑 Subscription active until %s\n", expiresAt.Format("2 Jan 2006"))
		fmt.Fprintf(&b, "🖼️ Pictures this month: %d of %d", monthly, r.gate.MonthlyLimit())
	} else {
		fmt.Fprintf(&b, "💬 Messages today: %d of %d\n", daily, r.gate.DailyLimit())
		b.WriteString("👑 No active subscription - /buy to go unlimited")
	}
	if pending := r.pipe.Pending(in.UserID); pending > 0 {
		fmt.Fprintf(&b, "\n⌛ Still working on %d of your messages", pending)
	}
	return r.send.SendText(in.UserID, b.String(), r.keyboard(u))
}

// keyboard rebuilds the quick replies the user last saw: the suggestions from
// the latest generated reply plus the system buttons, or the persona defaults
// when no suggestions are remembered.
func (r *Router) keyboard(u *store.UserRecord) []string {
	if actions := r.pipe.LastActions(u.ID); len(actions) > 0 {
		return append(actions, persona.ClearChatLabel, persona.SwitchPersonaLabel)
	}
	return persona.Get(u.Persona).Keyboard()
}

// requireUser loads the record, creating one for users who skipped /start.
func (r *Router) requireUser(ctx context.Context, in Inbound) (*store.UserRecord, error) {
	u, err := r.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = store.NewUserRecord(in.UserID, in.Username, in.Name, "", persona.Default)
		if err := r.store.SaveUser(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func personaByTitle(text string) (persona.Persona, bool) {
	for _, p := range persona.All() {
		if p.Title == text {
			return p, true
		}
	}
	return persona.Persona{}, false
}
