// Package notification stores in-app notifications for clinicians and
// patients, renders them from templates and exposes them over HTTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification types.
const (
	TypeScale   = "scale"
	TypeSession = "session"
	TypeSystem  = "system"
)

// RecentLimit bounds unpaginated listings.
const RecentLimit = 20

var ErrNotFound = errors.New("notification not found")

// Notification maps to the notifications table.
type Notification struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	RecipientID uuid.UUID  `db:"recipient_id" json:"recipient_id"`
	Type        string     `db:"type" json:"type"`
	Title       string     `db:"title" json:"title"`
	Message     string     `db:"message" json:"message"`
	ReferenceID *uuid.UUID `db:"reference_id" json:"reference_id,omitempty"`
	Read        bool       `db:"read" json:"read"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Store persists notifications.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	// ListByRecipient returns one page of notifications, newest first, and
	// the recipient's total count.
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, int, error)
	// MarkRead marks one notification read. A non-nil recipientID limits the
	// update to that recipient's notifications; a miss is ErrNotFound.
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) error
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Built-in template ids.
const (
	TemplateScaleAssigned  = "scale-assigned"
	TemplateScaleCompleted = "scale-completed"
	TemplateScalesExpired  = "scales-expired"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateScaleAssigned,
			Type:    TypeScale,
			Title:   "Scale assigned",
			Message: "The scale {{scale_name}} was assigned and is due on {{due_date}}.",
		},
		{
			ID:      TemplateScaleCompleted,
			Type:    TypeScale,
			Title:   "Scale completed",
			Message: "The scale {{scale_name}} was completed with score {{score}} ({{interpretation}}).",
		},
		{
			ID:      TemplateScalesExpired,
			Type:    TypeSystem,
			Title:   "Scales expired",
			Message: "{{count}} pending scale applications passed their due date.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// provided data map. Unknown placeholders are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (*Template, error) {
	e.mu.RLock()
	tpl, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}

	out := *tpl
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		out.Title = strings.ReplaceAll(out.Title, placeholder, v)
		out.Message = strings.ReplaceAll(out.Message, placeholder, v)
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier writes notifications to the store and serves them back to their
// recipients.
type Notifier struct {
	store     Store
	templates *TemplateEngine
	logger    zerolog.Logger
}

// NewNotifier creates a Notifier. A nil template engine uses the built-ins.
func NewNotifier(store Store, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Notifier{
		store:     store,
		templates: tpl,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Send validates and stores n.
func (m *Notifier) Send(ctx context.Context, n *Notification) error {
	if n.RecipientID == uuid.Nil {
		return fmt.Errorf("recipient_id is required")
	}
	if n.Type == "" {
		return fmt.Errorf("type is required")
	}
	if n.Title == "" {
		return fmt.Errorf("title is required")
	}
	if err := m.store.Insert(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	m.logger.Debug().
		Str("notification_id", n.ID.String()).
		Str("recipient_id", n.RecipientID.String()).
		Str("type", n.Type).
		Msg("notification stored")
	return nil
}

// SendFromTemplate renders templateID with data and sends the result to
// recipient.
func (m *Notifier) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient uuid.UUID, reference *uuid.UUID) (*Notification, error) {
	tpl, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		RecipientID: recipient,
		Type:        tpl.Type,
		Title:       tpl.Title,
		Message:     tpl.Message,
		ReferenceID: reference,
	}
	if err := m.Send(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ListByRecipient returns one page of recipient's notifications.
func (m *Notifier) ListByRecipient(ctx context.Context, recipient uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	if limit <= 0 {
		limit = RecentLimit
	}
	return m.store.ListByRecipient(ctx, recipient, limit, offset)
}

func (m *Notifier) MarkRead(ctx context.Context, id, recipientID uuid.UUID) error {
	return m.store.MarkRead(ctx, id, recipientID)
}

func (m *Notifier) MarkAllRead(ctx context.Context, recipient uuid.UUID) (int64, error) {
	return m.store.MarkAllRead(ctx, recipient)
}
