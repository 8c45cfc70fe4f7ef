package store

import (
	"encoding/json"
	"time"

	"qcat/internal/workflow"
)

type User struct {
	ID          int64
	RemoteID    int64
	Email       string
	DisplayName string
	IsSuperuser bool
	// Roles are the global functional roles (reviewer, publisher,
	// secretariat, ...) granted independently of any questionnaire.
	Roles     []workflow.Role
	LastLogin time.Time
	CreatedAt time.Time
}

type Questionnaire struct {
	ID         int64
	UUID       string
	Code       string
	Version    int
	Status     workflow.Status
	ConfigCode string
	Edition    string
	Data       json.RawMessage
	// Name holds the language-keyed canonical name, denormalized from
	// Data on every write so the list fallback can search it.
	Name map[string]string
	// Configurations is the set of configuration codes the questionnaire
	// participates in: ConfigCode plus any derived memberships.
	Configurations []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Member struct {
	UserID      int64
	DisplayName string
	Email       string
	Role        workflow.Role
}

// Held describes an active edit lock on a questionnaire code.
type Held struct {
	By    int64
	Until time.Time
}

type Link struct {
	QuestionnaireID int64
	Code            string
	ConfigCode      string
	Status          workflow.Status
	Name            map[string]string
}

type ConfigurationEdition struct {
	Code      string
	Edition   string
	Active    bool
	CreatedAt time.Time
}

type NotificationLog struct {
	ID              int64
	Action          string
	SenderID        int64
	SenderName      string
	QuestionnaireID int64
	Code            string
	Message         string
	WasProcessed    bool
	CreatedAt       time.Time
	// IsRead is filled per reader when listing.
	IsRead bool
}

type MailPreferences struct {
	ID           string
	UserID       int64
	Subscription string
	// WantedActions is a comma separated allow-list of actions, empty
	// meaning all.
	WantedActions string
	Language      string
}

type File struct {
	ID           int64
	UUID         string
	ContentType  string
	Size         int64
	Path         string
	ThumbnailFor string
	Variant      string
	CreatedAt    time.Time
}
