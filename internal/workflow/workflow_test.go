package workflow

import "testing"

func TestNextFollowsPublicationCycle(t *testing.T) {
	cases := []struct {
		from Status
		ev   Event
		to   Status
		perm string
	}{
		{StatusDraft, EventSubmit, StatusSubmitted, PermSubmit},
		{StatusSubmitted, EventReview, StatusReviewed, PermReview},
		{StatusSubmitted, EventReject, StatusRejected, PermReview},
		{StatusReviewed, EventPublish, StatusPublished, PermPublish},
		{StatusReviewed, EventReject, StatusRejected, PermPublish},
		{StatusRejected, EventSubmit, StatusSubmitted, PermSubmit},
		{StatusDraft, EventDelete, StatusInactive, PermDelete},
		{StatusReviewed, EventDelete, StatusInactive, PermDelete},
	}
	for _, c := range cases {
		to, perm, err := Next(c.from, c.ev)
		if err != nil {
			t.Fatalf("Next(%s, %s) failed: %v", c.from, c.ev, err)
		}
		if to != c.to || perm != c.perm {
			t.Errorf("Next(%s, %s) = (%s, %s), want (%s, %s)", c.from, c.ev, to, perm, c.to, c.perm)
		}
	}
}

func TestNextRejectsIllegalTransitions(t *testing.T) {
	illegal := []struct {
		from Status
		ev   Event
	}{
		{StatusDraft, EventReview},
		{StatusDraft, EventPublish},
		{StatusPublished, EventSubmit},
		{StatusPublished, EventDelete},
		{StatusInactive, EventSubmit},
	}
	for _, c := range illegal {
		if _, _, err := Next(c.from, c.ev); err == nil {
			t.Errorf("Next(%s, %s) should fail", c.from, c.ev)
		}
	}
}

func TestPermissionsCompiler(t *testing.T) {
	actor := Actor{Roles: []Role{RoleCompiler}}

	perms := Permissions(actor, StatusDraft)
	for _, wanted := range []string{PermEdit, PermSubmit, PermAssign, PermDelete} {
		if !Has(perms, wanted) {
			t.Errorf("compiler on draft should hold %s, got %v", wanted, perms)
		}
	}

	perms = Permissions(actor, StatusPublished)
	if !Has(perms, PermEdit) {
		t.Errorf("compiler should be able to edit a published questionnaire (new version)")
	}
	if Has(perms, PermSubmit) {
		t.Errorf("compiler must not submit a published questionnaire")
	}
}

func TestPermissionsReviewerOnlyOnSubmitted(t *testing.T) {
	actor := Actor{Roles: []Role{RoleReviewer}}
	if perms := Permissions(actor, StatusSubmitted); !Has(perms, PermReview) {
		t.Errorf("reviewer on submitted should hold %s, got %v", PermReview, perms)
	}
	if perms := Permissions(actor, StatusDraft); len(perms) != 0 {
		t.Errorf("reviewer on draft should hold nothing, got %v", perms)
	}
}

func TestPermissionsGlobalModerator(t *testing.T) {
	actor := Actor{CanReview: true, CanPublish: true}
	if perms := Permissions(actor, StatusSubmitted); !Has(perms, PermReview) {
		t.Errorf("global reviewer should review submitted, got %v", perms)
	}
	if perms := Permissions(actor, StatusReviewed); !Has(perms, PermPublish) {
		t.Errorf("global publisher should publish reviewed, got %v", perms)
	}
	if perms := Permissions(actor, StatusDraft); len(perms) != 0 {
		t.Errorf("global moderator has no say on drafts, got %v", perms)
	}
}

func TestPermissionsSuperuser(t *testing.T) {
	actor := Actor{IsSuper: true}
	if perms := Permissions(actor, StatusSubmitted); !Has(perms, PermDelete) {
		t.Errorf("superuser should delete submitted, got %v", perms)
	}
	if perms := Permissions(actor, StatusPublished); Has(perms, PermDelete) {
		t.Errorf("published questionnaires are never deleted directly")
	}
}
