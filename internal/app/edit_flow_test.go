package app

import (
	"context"
	"errors"
	"testing"

	"qcat/internal/draft"
	"qcat/internal/notify"
	"qcat/internal/qdata"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

func TestCommitDraftCreatesQuestionnaire(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()
	session := Session{UserID: 1}

	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, nameData("Terrace farming")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, problems, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if q.Status != workflow.StatusDraft || q.Version != 1 {
		t.Fatalf("created questionnaire = %+v", q)
	}
	if q.Name["en"] != "Terrace farming" {
		t.Fatalf("name = %v", q.Name)
	}

	roles, _ := fx.store.MemberRoles(ctx, q.ID, 1)
	if len(roles) != 1 || roles[0] != workflow.RoleCompiler {
		t.Fatalf("creator roles = %v", roles)
	}
	if len(fx.notify.calls) != 1 || fx.notify.calls[0].Action != store.ActionCreate {
		t.Fatalf("notify calls = %+v", fx.notify.calls)
	}
	// The draft is gone after the commit.
	if _, _, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode); err == nil {
		t.Fatalf("expected NO_DRAFT after commit")
	}
}

func TestCommitDraftWithoutNameFails(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()
	session := Session{UserID: 1}

	data := qdata.Data{"qg_country": {{"country": qdata.String("CHE")}}}
	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, data); err != nil {
		t.Fatalf("save step: %v", err)
	}
	_, problems, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("err = %v", err)
	}
	if len(problems) == 0 {
		t.Fatalf("expected problems to be reported")
	}
}

func TestCommitDraftAttachesAnsweredUsers(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	fx.store.addUser(7)
	ctx := context.Background()
	session := Session{UserID: 1}

	data := nameData("Sample")
	data["qg_editors"] = []qdata.Group{{"editor": qdata.Integer(7)}}
	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, data); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	roles, _ := fx.store.MemberRoles(ctx, q.ID, 7)
	if len(roles) != 1 || roles[0] != workflow.RoleEditor {
		t.Fatalf("roles of answered user = %v", roles)
	}

	// Committing again must not duplicate the membership.
	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", q.Code, data); err != nil {
		t.Fatalf("save step again: %v", err)
	}
	if _, _, err := fx.service.CommitDraft(ctx, session, "approaches", q.Code); err != nil {
		t.Fatalf("commit again: %v", err)
	}
	members, _ := fx.store.Members(ctx, q.ID)
	count := 0
	for _, m := range members {
		if m.UserID == 7 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("answered user appears %d times in %+v", count, members)
	}
}

func TestStartEditLockConflict(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	fx.store.addUser(2)
	ctx := context.Background()

	if _, _, err := fx.service.SaveStep(ctx, Session{UserID: 1}, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, Session{UserID: 1}, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Give user 2 edit rights too.
	if err := fx.store.AddMember(ctx, q.ID, 2, workflow.RoleEditor); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if _, err := fx.service.StartEdit(ctx, Session{UserID: 1}, "approaches", q.Code); err != nil {
		t.Fatalf("start edit as holder: %v", err)
	}
	_, err = fx.service.StartEdit(ctx, Session{UserID: 2}, "approaches", q.Code)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LOCKED" {
		t.Fatalf("expected LOCKED, got %v", err)
	}
	// Re-entry by the holder refreshes the lock.
	if _, err := fx.service.StartEdit(ctx, Session{UserID: 1}, "approaches", q.Code); err != nil {
		t.Fatalf("re-entry by holder: %v", err)
	}
}

func TestCommitDraftRespectsHeldLock(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	fx.store.addUser(2)
	ctx := context.Background()

	if _, _, err := fx.service.SaveStep(ctx, Session{UserID: 1}, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, Session{UserID: 1}, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := fx.store.AddMember(ctx, q.ID, 2, workflow.RoleEditor); err != nil {
		t.Fatalf("add member: %v", err)
	}

	// User 2 drafts a change, then its lock lapses while user 1 takes over.
	if _, _, err := fx.service.SaveStep(ctx, Session{UserID: 2}, "approaches", q.Code, nameData("Stale edit")); err != nil {
		t.Fatalf("save step as user 2: %v", err)
	}
	if err := fx.store.Unlock(ctx, q.Code, 2); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := fx.service.StartEdit(ctx, Session{UserID: 1}, "approaches", q.Code); err != nil {
		t.Fatalf("start edit as user 1: %v", err)
	}

	// The stale draft must not land while someone else holds the lock.
	_, _, err = fx.service.CommitDraft(ctx, Session{UserID: 2}, "approaches", q.Code)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LOCKED" {
		t.Fatalf("expected LOCKED, got %v", err)
	}
	latest, _ := fx.store.GetLatest(ctx, q.Code)
	if latest.Name["en"] != "Sample" {
		t.Fatalf("stale draft overwrote the questionnaire: %v", latest.Name)
	}
}

func TestEditPublishedAllocatesNewVersion(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()
	session := Session{UserID: 1}

	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := fx.store.Publish(ctx, q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", q.Code, nameData("Sample v2")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	next, _, err := fx.service.CommitDraft(ctx, session, "approaches", q.Code)
	if err != nil {
		t.Fatalf("commit edit: %v", err)
	}
	if next.Version != 2 || next.Status != workflow.StatusDraft || next.Code != q.Code {
		t.Fatalf("new version = %+v", next)
	}
	published, _ := fx.store.GetByID(ctx, q.ID)
	if published.Status != workflow.StatusPublished {
		t.Fatalf("published version changed status: %v", published.Status)
	}
}

func TestLifecycleCreateToPublish(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	fx.store.addUser(2, workflow.RoleReviewer)
	fx.store.addUser(3, workflow.RolePublisher)
	ctx := context.Background()
	compiler := Session{UserID: 1}

	if _, _, err := fx.service.SaveStep(ctx, compiler, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, compiler, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := fx.service.ChangeStatus(ctx, compiler, q.Code, workflow.EventSubmit, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The compiler cannot review its own submission.
	if _, err := fx.service.ChangeStatus(ctx, compiler, q.Code, workflow.EventReview, ""); err == nil {
		t.Fatalf("expected review by compiler to fail")
	}
	if _, err := fx.service.ChangeStatus(ctx, Session{UserID: 2}, q.Code, workflow.EventReview, "looks good"); err != nil {
		t.Fatalf("review: %v", err)
	}
	published, err := fx.service.ChangeStatus(ctx, Session{UserID: 3}, q.Code, workflow.EventPublish, "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Status != workflow.StatusPublished {
		t.Fatalf("status = %v", published.Status)
	}
	if _, ok := fx.search.indexed[q.UUID]; !ok {
		t.Fatalf("published questionnaire was not indexed")
	}

	// Events: create + three status changes.
	if len(fx.notify.calls) != 4 {
		t.Fatalf("notify calls = %+v", fx.notify.calls)
	}
	for _, call := range fx.notify.calls[1:] {
		if call.Action != store.ActionChangeStatus {
			t.Fatalf("unexpected action %s", call.Action)
		}
	}
}

func TestChangeStatusInvalidTransition(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()
	session := Session{UserID: 1}

	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = fx.service.ChangeStatus(ctx, session, q.Code, workflow.EventPublish, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICTING_STATE" {
		t.Fatalf("expected CONFLICTING_STATE, got %v", err)
	}
}

func TestSetLinksValidatesTargets(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()
	session := Session{UserID: 1}

	if _, _, err := fx.service.SaveStep(ctx, session, "approaches", draft.NewCode, nameData("Sample")); err != nil {
		t.Fatalf("save step: %v", err)
	}
	q, _, err := fx.service.CommitDraft(ctx, session, "approaches", draft.NewCode)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	// A published technology this questionnaire may link to.
	target, err := fx.store.Create(ctx, "technologies", "2018", []byte(`{}`), map[string]string{"en": "Tech"}, 1)
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	// Another approach: not an allowed link target.
	wrong, err := fx.store.Create(ctx, "approaches", "2018", []byte(`{}`), map[string]string{"en": "Other"}, 1)
	if err != nil {
		t.Fatalf("create wrong target: %v", err)
	}

	if err := fx.service.SetLinks(ctx, session, q.Code, []int64{target.ID}); err != nil {
		t.Fatalf("set links: %v", err)
	}
	links, _ := fx.store.Links(ctx, q.ID, true)
	if len(links) != 1 || links[0].QuestionnaireID != target.ID {
		t.Fatalf("links = %+v", links)
	}
	back, _ := fx.store.Links(ctx, target.ID, true)
	if len(back) != 1 || back[0].QuestionnaireID != q.ID {
		t.Fatalf("reverse links = %+v", back)
	}

	err = fx.service.SetLinks(ctx, session, q.Code, []int64{wrong.ID})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestUnsubscribeByToken(t *testing.T) {
	fx := newFixture()
	fx.store.addUser(1)
	ctx := context.Background()

	prefs, err := fx.service.MailPreferencesFor(ctx, Session{UserID: 1})
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	token := notify.SignUnsubscribe(fx.service.UnsubscribeKey(), prefs.ID)
	if err := fx.service.Unsubscribe(ctx, token); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	updated, _ := fx.service.MailPreferencesFor(ctx, Session{UserID: 1})
	if updated.Subscription != "none" {
		t.Fatalf("subscription = %q", updated.Subscription)
	}

	if err := fx.service.Unsubscribe(ctx, "bogus.token"); err == nil {
		t.Fatalf("expected invalid token to fail")
	}
}
