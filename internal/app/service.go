package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"qcat/internal/accounts"
	"qcat/internal/configuration"
	"qcat/internal/draft"
	"qcat/internal/qdata"
	"qcat/internal/search"
	"qcat/internal/store"
	"qcat/internal/summary"
	"qcat/internal/workflow"
)

// Session is the authenticated caller of a request.
type Session struct {
	UserID      int64
	DisplayName string
}

// dataStore is the slice of the Postgres store the application layer uses.
type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	MemberRoles(ctx context.Context, questionnaireID, userID int64) ([]workflow.Role, error)
	Members(ctx context.Context, questionnaireID int64) ([]store.Member, error)
	AddMember(ctx context.Context, questionnaireID, userID int64, role workflow.Role) error
	RemoveMember(ctx context.Context, questionnaireID, userID int64, role workflow.Role) (bool, error)

	GetByID(ctx context.Context, id int64) (store.Questionnaire, error)
	GetByIdentifier(ctx context.Context, identifier string) (store.Questionnaire, error)
	GetCurrent(ctx context.Context, code string) (store.Questionnaire, error)
	GetLatest(ctx context.Context, code string) (store.Questionnaire, error)
	Create(ctx context.Context, configCode, edition string, data json.RawMessage, name map[string]string, userID int64) (store.Questionnaire, error)
	CreateNew(ctx context.Context, code string, data json.RawMessage, name map[string]string) (store.Questionnaire, error)
	UpdateStatus(ctx context.Context, id int64, status workflow.Status) error
	Publish(ctx context.Context, id int64) error

	TryLock(ctx context.Context, code string, userID int64, ttl time.Duration) (store.Held, error)
	Unlock(ctx context.Context, code string, userID int64) error
	LockStatus(ctx context.Context, code string) (*store.Held, error)

	Links(ctx context.Context, questionnaireID int64, includeAll bool) ([]store.Link, error)
	ReplaceLinks(ctx context.Context, questionnaireID int64, targetIDs []int64) error
	CarryOverLinks(ctx context.Context, fromVersionID, toVersionID int64) error
	SearchForLink(ctx context.Context, configCode, term string, limit int) ([]store.Link, error)

	GetMailPreferences(ctx context.Context, userID int64) (store.MailPreferences, error)
	UpdateMailPreferences(ctx context.Context, prefs store.MailPreferences) error
	GetMailPreferencesByID(ctx context.Context, id string) (store.MailPreferences, error)

	GetSetting(ctx context.Context, key string) (string, error)
}

type draftStore interface {
	Get(ctx context.Context, userID int64, configCode, code string) (draft.Draft, error)
	Put(ctx context.Context, userID int64, configCode, code string, data qdata.Data) (draft.Draft, error)
	Clear(ctx context.Context, userID int64, configCode, code string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	Index(record search.Record)
	Delete(uuid string)
}

type notifier interface {
	Record(ctx context.Context, action string, q store.Questionnaire, senderID int64, message string) error
	List(ctx context.Context, query store.LogQuery) ([]store.NotificationLog, int, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, logID, userID int64) error
	MarkUnread(ctx context.Context, logID, userID int64) error
}

type authenticator interface {
	Login(ctx context.Context, email, password string) (store.User, string, error)
	Verify(ctx context.Context, token string) (store.User, error)
	SearchUsers(ctx context.Context, term string) ([]accounts.RemoteUser, error)
}

type uploader interface {
	Save(ctx context.Context, data []byte) (store.File, error)
	Open(ctx context.Context, uuid, variant string) (store.File, io.ReadCloser, error)
}

type summarizer interface {
	Render(ctx context.Context, identifier, summaryType, lang string) (*summary.Result, error)
}

// Deps bundles the backing services of the application layer.
type Deps struct {
	Store     dataStore
	Registry  *configuration.Registry
	Drafts    draftStore
	Search    searchIndex
	Uploads   uploader
	Notify    notifier
	Accounts  authenticator
	Summaries summarizer
}

type Service struct {
	store     dataStore
	registry  *configuration.Registry
	drafts    draftStore
	search    searchIndex
	uploads   uploader
	notify    notifier
	accounts  authenticator
	summaries summarizer
	serverKey []byte
	lockTTL   time.Duration
}

const defaultLockTTL = 300 * time.Second

func NewService(deps Deps, serverKey []byte, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		store:     deps.Store,
		registry:  deps.Registry,
		drafts:    deps.Drafts,
		search:    deps.Search,
		uploads:   deps.Uploads,
		notify:    deps.Notify,
		accounts:  deps.Accounts,
		summaries: deps.Summaries,
		serverKey: serverKey,
		lockTTL:   lockTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// NextMaintenance returns the announced maintenance window, or "" when
// none is scheduled.
func (s *Service) NextMaintenance(ctx context.Context) string {
	value, err := s.store.GetSetting(ctx, store.SettingNextMaintenance)
	if err != nil {
		log.Printf("app: read maintenance setting: %v", err)
		return ""
	}
	return value
}

// PingDrafts checks the draft store connection for readiness probes.
func (s *Service) PingDrafts(ctx context.Context) error {
	if s.drafts == nil {
		return fmt.Errorf("draft store not configured")
	}
	return s.drafts.Ping(ctx)
}

// Login authenticates against the accounts service and returns the user
// together with a session token.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, string, error) {
	return s.accounts.Login(ctx, email, password)
}

// SessionFromToken resolves a bearer token into a session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	user, err := s.accounts.Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: user.ID, DisplayName: user.DisplayName}, nil
}

// actorFor combines a user's membership roles on one questionnaire with its
// global moderation grants.
func (s *Service) actorFor(ctx context.Context, userID, questionnaireID int64) (workflow.Actor, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return workflow.Actor{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	actor := workflow.Actor{IsSuper: user.IsSuperuser}
	for _, role := range user.Roles {
		switch role {
		case workflow.RoleReviewer:
			actor.CanReview = true
		case workflow.RolePublisher:
			actor.CanPublish = true
		case workflow.RoleSecretariat:
			actor.CanReview = true
			actor.CanPublish = true
		}
	}
	if questionnaireID != 0 {
		roles, err := s.store.MemberRoles(ctx, questionnaireID, userID)
		if err != nil {
			return workflow.Actor{}, fmt.Errorf("load membership: %w", err)
		}
		actor.Roles = roles
	}
	return actor, nil
}

// reindex refreshes the search record of the currently visible version of a
// code, or removes it when no version remains listable.
func (s *Service) reindex(ctx context.Context, code string) {
	q, err := s.store.GetCurrent(ctx, code)
	if err != nil {
		log.Printf("app: reindex %s: %v", code, err)
		return
	}
	if q.Status == workflow.StatusInactive {
		s.search.Delete(q.UUID)
		return
	}
	record, err := s.searchRecord(ctx, q)
	if err != nil {
		log.Printf("app: reindex %s: %v", code, err)
		return
	}
	s.search.Index(record)
}

func (s *Service) searchRecord(ctx context.Context, q store.Questionnaire) (search.Record, error) {
	cfg, err := s.registry.GetEdition(ctx, q.ConfigCode, q.Edition)
	if err != nil {
		return search.Record{}, err
	}
	data, err := qdata.ParseRaw(q.Data)
	if err != nil {
		return search.Record{}, err
	}
	var filterable []store.KeyFilter
	for _, f := range cfg.FilterConfiguration() {
		filterable = append(filterable, store.KeyFilter{Questiongroup: f.Questiongroup, Key: f.Key})
	}
	return search.RecordFromQuestionnaire(q, filterable, data), nil
}

// SearchRecord exposes record building for full reindex runs.
func (s *Service) SearchRecord(ctx context.Context, q store.Questionnaire) (search.Record, error) {
	return s.searchRecord(ctx, q)
}

// UnsubscribeKey returns the HMAC key for mail preference tokens.
func (s *Service) UnsubscribeKey() []byte {
	return s.serverKey
}
