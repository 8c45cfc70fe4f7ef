package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
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

const testConfigJSON = `{
	"code": "approaches",
	"edition": "2018",
	"sections": [{
		"keyword": "section_general",
		"categories": [{
			"keyword": "cat_1",
			"subcategories": [{
				"keyword": "subcat_1",
				"questiongroups": [
					{
						"keyword": "qg_name",
						"questions": [{"keyword": "name", "type": "char", "is_name": true, "label": {"en": "Name"}}]
					},
					{
						"keyword": "qg_editors",
						"max_num": 5,
						"questions": [{"keyword": "editor", "type": "user_id", "user_role": "editor"}]
					},
					{
						"keyword": "qg_country",
						"questions": [{
							"keyword": "country", "type": "select", "filterable": true,
							"label": {"en": "Country"},
							"choices": [
								{"code": "CHE", "label": {"en": "Switzerland"}},
								{"code": "BOL", "label": {"en": "Bolivia"}}
							]
						}]
					}
				]
			}]
		}]
	}],
	"link_targets": ["technologies"]
}`

type fakeSource struct {
	editions map[string]map[string][]byte
	active   map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		editions: map[string]map[string][]byte{
			"approaches": {"2018": []byte(testConfigJSON)},
		},
		active: map[string]string{"approaches": "2018"},
	}
}

func (f *fakeSource) ActiveEdition(_ context.Context, code string) (string, []byte, error) {
	edition, ok := f.active[code]
	if !ok {
		return "", nil, configuration.ErrConfigNotFound
	}
	return edition, f.editions[code][edition], nil
}

func (f *fakeSource) Edition(_ context.Context, code, edition string) ([]byte, error) {
	data, ok := f.editions[code][edition]
	if !ok {
		return nil, configuration.ErrConfigNotFound
	}
	return data, nil
}

func (f *fakeSource) Editions(_ context.Context, code string) ([]string, error) {
	var editions []string
	for e := range f.editions[code] {
		editions = append(editions, e)
	}
	sort.Strings(editions)
	return editions, nil
}

type notifyCall struct {
	Action   string
	Code     string
	SenderID int64
	Message  string
}

type fakeStore struct {
	users          map[int64]store.User
	questionnaires map[int64]store.Questionnaire
	members        map[int64][]store.Member
	locks          map[string]store.Held
	links          map[int64]map[int64]bool
	prefs          map[int64]store.MailPreferences
	settings       map[string]string
	nextID         int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:          map[int64]store.User{},
		questionnaires: map[int64]store.Questionnaire{},
		members:        map[int64][]store.Member{},
		locks:          map[string]store.Held{},
		links:          map[int64]map[int64]bool{},
		prefs:          map[int64]store.MailPreferences{},
		settings:       map[string]string{},
	}
}

func (f *fakeStore) addUser(id int64, roles ...workflow.Role) store.User {
	u := store.User{ID: id, Email: fmt.Sprintf("user%d@example.org", id), DisplayName: fmt.Sprintf("User %d", id), Roles: roles}
	f.users[id] = u
	return u
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetSetting(_ context.Context, key string) (string, error) {
	return f.settings[key], nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id int64) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeStore) MemberRoles(_ context.Context, qid, uid int64) ([]workflow.Role, error) {
	var roles []workflow.Role
	for _, m := range f.members[qid] {
		if m.UserID == uid {
			roles = append(roles, m.Role)
		}
	}
	return roles, nil
}

func (f *fakeStore) Members(_ context.Context, qid int64) ([]store.Member, error) {
	return f.members[qid], nil
}

func (f *fakeStore) AddMember(_ context.Context, qid, uid int64, role workflow.Role) error {
	f.members[qid] = append(f.members[qid], store.Member{UserID: uid, Role: role})
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, qid, uid int64, role workflow.Role) (bool, error) {
	for i, m := range f.members[qid] {
		if m.UserID == uid && m.Role == role {
			f.members[qid] = append(f.members[qid][:i], f.members[qid][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (store.Questionnaire, error) {
	q, ok := f.questionnaires[id]
	if !ok {
		return store.Questionnaire{}, store.ErrNotFound
	}
	return q, nil
}

func (f *fakeStore) GetByIdentifier(ctx context.Context, identifier string) (store.Questionnaire, error) {
	for _, q := range f.questionnaires {
		if q.UUID == identifier {
			return q, nil
		}
	}
	return f.GetLatest(ctx, identifier)
}

func (f *fakeStore) GetCurrent(_ context.Context, code string) (store.Questionnaire, error) {
	var (
		best  store.Questionnaire
		found bool
	)
	for _, q := range f.questionnaires {
		if q.Code != code {
			continue
		}
		if !found ||
			(q.Status == workflow.StatusPublished && best.Status != workflow.StatusPublished) ||
			(q.Status == best.Status && q.Version > best.Version) {
			best, found = q, true
		}
	}
	if !found {
		return store.Questionnaire{}, store.ErrNotFound
	}
	return best, nil
}

func (f *fakeStore) GetLatest(_ context.Context, code string) (store.Questionnaire, error) {
	var (
		best  store.Questionnaire
		found bool
	)
	for _, q := range f.questionnaires {
		if q.Code == code && (!found || q.Version > best.Version) {
			best, found = q, true
		}
	}
	if !found {
		return store.Questionnaire{}, store.ErrNotFound
	}
	return best, nil
}

func (f *fakeStore) Create(_ context.Context, configCode, edition string, data json.RawMessage, name map[string]string, userID int64) (store.Questionnaire, error) {
	f.nextID++
	q := store.Questionnaire{
		ID:             f.nextID,
		UUID:           fmt.Sprintf("00000000-0000-0000-0000-%012d", f.nextID),
		Code:           fmt.Sprintf("%s_%d", configCode, f.nextID),
		Version:        1,
		Status:         workflow.StatusDraft,
		ConfigCode:     configCode,
		Edition:        edition,
		Data:           data,
		Name:           name,
		Configurations: []string{configCode},
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.questionnaires[q.ID] = q
	f.members[q.ID] = []store.Member{{UserID: userID, Role: workflow.RoleCompiler}}
	return q, nil
}

func (f *fakeStore) CreateNew(ctx context.Context, code string, data json.RawMessage, name map[string]string) (store.Questionnaire, error) {
	latest, err := f.GetLatest(ctx, code)
	if err != nil {
		return store.Questionnaire{}, err
	}
	if latest.Status != workflow.StatusPublished {
		latest.Data = data
		latest.Name = name
		latest.UpdatedAt = time.Now()
		f.questionnaires[latest.ID] = latest
		return latest, nil
	}
	f.nextID++
	next := latest
	next.ID = f.nextID
	next.UUID = fmt.Sprintf("00000000-0000-0000-0000-%012d", f.nextID)
	next.Version = latest.Version + 1
	next.Status = workflow.StatusDraft
	next.Data = data
	next.Name = name
	next.UpdatedAt = time.Now()
	f.questionnaires[next.ID] = next
	for _, m := range f.members[latest.ID] {
		if workflow.IsFunctional(m.Role) {
			f.members[next.ID] = append(f.members[next.ID], m)
		}
	}
	return next, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id int64, status workflow.Status) error {
	q, ok := f.questionnaires[id]
	if !ok {
		return store.ErrNotFound
	}
	q.Status = status
	q.UpdatedAt = time.Now()
	f.questionnaires[id] = q
	return nil
}

func (f *fakeStore) Publish(ctx context.Context, id int64) error {
	q, ok := f.questionnaires[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range f.questionnaires {
		if other.Code == q.Code && other.ID != id && other.Status == workflow.StatusPublished {
			other.Status = workflow.StatusInactive
			f.questionnaires[other.ID] = other
		}
	}
	return f.UpdateStatus(ctx, id, workflow.StatusPublished)
}

func (f *fakeStore) TryLock(_ context.Context, code string, userID int64, ttl time.Duration) (store.Held, error) {
	held, ok := f.locks[code]
	if ok && held.By != userID && held.Until.After(time.Now()) {
		return held, store.ErrLocked
	}
	held = store.Held{By: userID, Until: time.Now().Add(ttl)}
	f.locks[code] = held
	return held, nil
}

func (f *fakeStore) Unlock(_ context.Context, code string, userID int64) error {
	if held, ok := f.locks[code]; ok && held.By == userID {
		delete(f.locks, code)
	}
	return nil
}

func (f *fakeStore) LockStatus(_ context.Context, code string) (*store.Held, error) {
	if held, ok := f.locks[code]; ok && held.Until.After(time.Now()) {
		return &held, nil
	}
	return nil, nil
}

func (f *fakeStore) Links(_ context.Context, qid int64, includeAll bool) ([]store.Link, error) {
	var links []store.Link
	for target := range f.links[qid] {
		q, ok := f.questionnaires[target]
		if !ok {
			continue
		}
		if !includeAll && q.Status != workflow.StatusPublished {
			continue
		}
		links = append(links, store.Link{QuestionnaireID: q.ID, Code: q.Code, ConfigCode: q.ConfigCode, Status: q.Status, Name: q.Name})
	}
	return links, nil
}

func (f *fakeStore) ReplaceLinks(_ context.Context, qid int64, targets []int64) error {
	for other := range f.links[qid] {
		delete(f.links[other], qid)
	}
	f.links[qid] = map[int64]bool{}
	for _, target := range targets {
		if target == qid {
			continue
		}
		f.links[qid][target] = true
		if f.links[target] == nil {
			f.links[target] = map[int64]bool{}
		}
		f.links[target][qid] = true
	}
	return nil
}

func (f *fakeStore) CarryOverLinks(_ context.Context, from, to int64) error {
	for target := range f.links[from] {
		if f.links[to] == nil {
			f.links[to] = map[int64]bool{}
		}
		f.links[to][target] = true
		f.links[target][to] = true
	}
	return nil
}

func (f *fakeStore) SearchForLink(_ context.Context, configCode, term string, limit int) ([]store.Link, error) {
	var links []store.Link
	for _, q := range f.questionnaires {
		if q.ConfigCode != configCode || q.Status != workflow.StatusPublished {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(q.Name["en"]), strings.ToLower(term)) {
			continue
		}
		links = append(links, store.Link{QuestionnaireID: q.ID, Code: q.Code, ConfigCode: q.ConfigCode, Status: q.Status, Name: q.Name})
		if len(links) == limit {
			break
		}
	}
	return links, nil
}

func (f *fakeStore) GetMailPreferences(_ context.Context, userID int64) (store.MailPreferences, error) {
	prefs, ok := f.prefs[userID]
	if !ok {
		prefs = store.MailPreferences{ID: fmt.Sprintf("prefs-%d", userID), UserID: userID, Subscription: "todo", Language: "en"}
		f.prefs[userID] = prefs
	}
	return prefs, nil
}

func (f *fakeStore) UpdateMailPreferences(_ context.Context, prefs store.MailPreferences) error {
	f.prefs[prefs.UserID] = prefs
	return nil
}

func (f *fakeStore) GetMailPreferencesByID(_ context.Context, id string) (store.MailPreferences, error) {
	for _, prefs := range f.prefs {
		if prefs.ID == id {
			return prefs, nil
		}
	}
	return store.MailPreferences{}, store.ErrNotFound
}

type fakeDrafts struct {
	data map[string]qdata.Data
}

func newFakeDrafts() *fakeDrafts { return &fakeDrafts{data: map[string]qdata.Data{}} }

func (f *fakeDrafts) key(userID int64, configCode, code string) string {
	return fmt.Sprintf("%d:%s:%s", userID, configCode, code)
}

func (f *fakeDrafts) Get(_ context.Context, userID int64, configCode, code string) (draft.Draft, error) {
	data, ok := f.data[f.key(userID, configCode, code)]
	if !ok {
		return draft.Draft{}, draft.ErrNoDraft
	}
	return draft.Draft{UserID: userID, ConfigCode: configCode, Code: code, Data: data}, nil
}

func (f *fakeDrafts) Put(_ context.Context, userID int64, configCode, code string, data qdata.Data) (draft.Draft, error) {
	key := f.key(userID, configCode, code)
	merged, ok := f.data[key]
	if !ok {
		merged = qdata.Data{}
	}
	for qg, groups := range data {
		if len(groups) == 0 {
			delete(merged, qg)
			continue
		}
		merged[qg] = groups
	}
	f.data[key] = merged
	return draft.Draft{UserID: userID, ConfigCode: configCode, Code: code, Data: merged}, nil
}

func (f *fakeDrafts) Clear(_ context.Context, userID int64, configCode, code string) error {
	delete(f.data, f.key(userID, configCode, code))
	return nil
}

func (f *fakeDrafts) Ping(context.Context) error { return nil }

type fakeSearch struct {
	indexed   map[string]search.Record
	deleted   []string
	response  search.Response
	lastQuery search.Query
}

func newFakeSearch() *fakeSearch { return &fakeSearch{indexed: map[string]search.Record{}} }

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.lastQuery = q
	return f.response
}
func (f *fakeSearch) Index(record search.Record)                           { f.indexed[record.UUID] = record }
func (f *fakeSearch) Delete(uuid string)                                   { f.deleted = append(f.deleted, uuid) }

type fakeNotify struct {
	calls []notifyCall
	logs  []store.NotificationLog
}

func (f *fakeNotify) Record(_ context.Context, action string, q store.Questionnaire, senderID int64, message string) error {
	f.calls = append(f.calls, notifyCall{Action: action, Code: q.Code, SenderID: senderID, Message: message})
	return nil
}

func (f *fakeNotify) List(context.Context, store.LogQuery) ([]store.NotificationLog, int, error) {
	return f.logs, len(f.logs), nil
}

func (f *fakeNotify) CountUnread(context.Context, int64) (int, error) { return len(f.logs), nil }
func (f *fakeNotify) MarkRead(context.Context, int64, int64) error    { return nil }
func (f *fakeNotify) MarkUnread(context.Context, int64, int64) error  { return nil }

type fakeAccounts struct {
	store *fakeStore
}

func (f *fakeAccounts) Login(_ context.Context, email, password string) (store.User, string, error) {
	if password != "secret" {
		return store.User{}, "", accounts.ErrBadCredentials
	}
	for _, u := range f.store.users {
		if u.Email == email {
			return u, fmt.Sprintf("token-%d", u.ID), nil
		}
	}
	return store.User{}, "", accounts.ErrBadCredentials
}

func (f *fakeAccounts) Verify(_ context.Context, token string) (store.User, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "token-%d", &id); err != nil {
		return store.User{}, accounts.ErrInvalidSession
	}
	u, ok := f.store.users[id]
	if !ok {
		return store.User{}, accounts.ErrInvalidSession
	}
	return u, nil
}

func (f *fakeAccounts) SearchUsers(context.Context, string) ([]accounts.RemoteUser, error) {
	return nil, nil
}

type fakeUploads struct{}

func (fakeUploads) Save(context.Context, []byte) (store.File, error) {
	return store.File{UUID: "11111111-2222-3333-4444-555555555555", ContentType: "image/png", Size: 4}, nil
}

func (fakeUploads) Open(context.Context, string, string) (store.File, io.ReadCloser, error) {
	return store.File{UUID: "11111111-2222-3333-4444-555555555555", ContentType: "image/png", Size: 4},
		io.NopCloser(strings.NewReader("data")), nil
}

type fakeSummaries struct{}

func (fakeSummaries) Render(context.Context, string, string, string) (*summary.Result, error) {
	return &summary.Result{Data: []byte("%PDF-1.4"), Filename: "summary.pdf", MimeType: "application/pdf"}, nil
}

type fixture struct {
	store   *fakeStore
	drafts  *fakeDrafts
	search  *fakeSearch
	notify  *fakeNotify
	service *Service
}

func newFixture() *fixture {
	fs := newFakeStore()
	fd := newFakeDrafts()
	fi := newFakeSearch()
	fn := &fakeNotify{}
	svc := NewService(Deps{
		Store:     fs,
		Registry:  configuration.NewRegistry(newFakeSource()),
		Drafts:    fd,
		Search:    fi,
		Uploads:   fakeUploads{},
		Notify:    fn,
		Accounts:  &fakeAccounts{store: fs},
		Summaries: fakeSummaries{},
	}, []byte("test-key"), time.Minute)
	return &fixture{store: fs, drafts: fd, search: fi, notify: fn, service: svc}
}

func nameData(name string) qdata.Data {
	return qdata.Data{
		"qg_name": {{"name": qdata.Lang(map[string]string{"en": name})}},
	}
}
