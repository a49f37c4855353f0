package application

import (
	"time"

	"github.com/google/uuid"

	"github.com/psiclinic/api/internal/domain/scale"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

// PatientNotFound is shown in place of a patient missing from users.
const PatientNotFound = "patient not found"

// Application maps to the scale_applications table. Responses, Score and
// CompletedAt are set together, once, when the application is completed.
type Application struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	PsychologistID uuid.UUID       `db:"psychologist_id" json:"psychologist_id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	ScaleID        uuid.UUID       `db:"scale_id" json:"scale_id"`
	DueDate        time.Time       `db:"due_date" json:"due_date"`
	Status         string          `db:"status" json:"status"`
	Responses      scale.Responses `db:"responses" json:"responses,omitempty"`
	Score          *int            `db:"score" json:"score,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the application can no longer change state.
func (a *Application) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusExpired
}

type Patient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Detail is an application joined with its scale and, for psychologist
// views, the patient it was assigned to.
type Detail struct {
	*Application
	Scale          *scale.Scale `json:"scale"`
	Patient        *Patient     `json:"patient,omitempty"`
	Interpretation string       `json:"interpretation,omitempty"`
}

func newDetail(a *Application, def *scale.Scale) *Detail {
	d := &Detail{Application: a, Scale: def}
	if a.Status == StatusCompleted && a.Score != nil && def != nil {
		d.Interpretation = scale.InterpretScore(def, *a.Score)
	}
	return d
}
