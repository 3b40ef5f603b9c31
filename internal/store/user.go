package store

import "time"

// Context entry roles. Mirror the generator's wire roles so entries feed the
// completion request unmapped.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextEntry is one turn of a user's bounded conversation context.
type ContextEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserRecord is the durable per-user state. One row per platform user id,
// created on first contact and never deleted (soft-disabled via Blocked).
type UserRecord struct {
	ID         int64
	Username   string
	Name       string
	JoinDate   time.Time
	LastActive time.Time
	Persona    string
	Context    []ContextEntry
	Source     string
	AutoEngage bool
	Blocked    bool
}

// NewUserRecord builds a fresh record for a first-contact user.
func NewUserRecord(id int64, username, name, source, persona string) *UserRecord {
	now := time.Now()
	if name == "" {
		name = "friend"
	}
	return &UserRecord{
		ID:         id,
		Username:   username,
		Name:       name,
		JoinDate:   now,
		LastActive: now,
		Persona:    persona,
		Source:     source,
		AutoEngage: true,
	}
}

// AppendContext appends a turn and evicts oldest entries past the cap.
func (u *UserRecord) AppendContext(role, content string, cap int) {
	u.Context = append(u.Context, ContextEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if cap > 0 && len(u.Context) > cap {
		u.Context = u.Context[len(u.Context)-cap:]
	}
}

// ClearContext forgets the conversation history.
func (u *UserRecord) ClearContext() {
	u.Context = nil
}

// Touch updates the activity timestamp.
func (u *UserRecord) Touch() {
	u.LastActive = time.Now()
}
