// Package workflow implements the review and moderation state machine for
// questionnaires: the status lifecycle, the membership roles, and the
// permission rules that tie the two together.
package workflow

import "fmt"

// Status is the moderation state of a questionnaire version.
type Status int

const (
	StatusDraft Status = iota + 1
	StatusSubmitted
	StatusReviewed
	StatusPublished
	StatusRejected
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusSubmitted:
		return "submitted"
	case StatusReviewed:
		return "reviewed"
	case StatusPublished:
		return "published"
	case StatusRejected:
		return "rejected"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

func (s Status) Valid() bool {
	return s >= StatusDraft && s <= StatusInactive
}

// Role is a membership role a user can hold on a questionnaire.
type Role string

const (
	RoleCompiler       Role = "compiler"
	RoleEditor         Role = "editor"
	RoleReviewer       Role = "reviewer"
	RolePublisher      Role = "publisher"
	RoleSecretariat    Role = "secretariat"
	RoleLanduser       Role = "landuser"
	RoleResourcePerson Role = "resourceperson"
	RoleUNCCDFP        Role = "unccd_fp"
)

// FunctionalRoles are the roles carried over to a new version and granted
// privileges by the permission rules. The remaining roles are content roles.
var FunctionalRoles = []Role{RoleCompiler, RoleEditor, RoleReviewer, RolePublisher}

func IsFunctional(r Role) bool {
	for _, fr := range FunctionalRoles {
		if fr == r {
			return true
		}
	}
	return false
}

// Event is a moderation action.
type Event string

const (
	EventSubmit  Event = "submit"
	EventReview  Event = "review"
	EventPublish Event = "publish"
	EventReject  Event = "reject"
	EventDelete  Event = "delete"
	EventEdit    Event = "edit"
)

// Permission names used by the rules below and by callers.
const (
	PermEdit    = "edit_questionnaire"
	PermSubmit  = "submit_questionnaire"
	PermReview  = "review_questionnaire"
	PermPublish = "publish_questionnaire"
	PermAssign  = "assign_questionnaire"
	PermDelete  = "delete_questionnaire"
)

type transition struct {
	from       Status
	event      Event
	to         Status
	permission string
}

// transitions is the explicit transition table of the publication cycle.
// Edits of a published questionnaire do not appear here: they allocate a new
// draft version instead of mutating the published row.
var transitions = []transition{
	{StatusDraft, EventSubmit, StatusSubmitted, PermSubmit},
	{StatusSubmitted, EventReview, StatusReviewed, PermReview},
	{StatusSubmitted, EventReject, StatusRejected, PermReview},
	{StatusReviewed, EventPublish, StatusPublished, PermPublish},
	{StatusReviewed, EventReject, StatusRejected, PermPublish},
	{StatusRejected, EventSubmit, StatusSubmitted, PermSubmit},
}

// ErrInvalidTransition reports an event that is not allowed for the current
// status, regardless of who asks.
type ErrInvalidTransition struct {
	From  Status
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s a %s questionnaire", e.Event, e.From)
}

// Next returns the status an event leads to, together with the permission a
// caller must hold for it.
func Next(from Status, event Event) (Status, string, error) {
	if event == EventDelete {
		if from == StatusPublished {
			return 0, "", &ErrInvalidTransition{From: from, Event: event}
		}
		return StatusInactive, PermDelete, nil
	}
	for _, t := range transitions {
		if t.from == from && t.event == event {
			return t.to, t.permission, nil
		}
	}
	return 0, "", &ErrInvalidTransition{From: from, Event: event}
}

// accessRule grants permissions to a membership role while the questionnaire
// is in one of the listed statuses.
type accessRule struct {
	statuses    []Status
	permissions []string
}

var roleRules = map[Role][]accessRule{
	RoleCompiler: {
		{[]Status{StatusDraft, StatusRejected, StatusPublished}, []string{PermEdit}},
		{[]Status{StatusDraft, StatusRejected}, []string{PermSubmit, PermAssign, PermDelete}},
		{[]Status{StatusSubmitted, StatusReviewed}, []string{PermDelete}},
	},
	RoleEditor: {
		{[]Status{StatusDraft, StatusRejected, StatusPublished}, []string{PermEdit}},
		{[]Status{StatusDraft, StatusRejected}, []string{PermSubmit}},
	},
	RoleReviewer: {
		{[]Status{StatusSubmitted}, []string{PermEdit, PermReview}},
	},
	RolePublisher: {
		{[]Status{StatusReviewed}, []string{PermEdit, PermPublish}},
	},
}

// Actor describes the caller for permission checks: the membership roles it
// holds on the questionnaire at hand plus its global moderation grants
// (secretariat or per-user permission flags).
type Actor struct {
	Roles      []Role
	CanReview  bool
	CanPublish bool
	IsSuper    bool
}

// Permissions computes the set of permissions an actor holds on a
// questionnaire in the given status.
func Permissions(actor Actor, status Status) []string {
	set := map[string]struct{}{}
	for _, role := range actor.Roles {
		for _, rule := range roleRules[role] {
			for _, s := range rule.statuses {
				if s != status {
					continue
				}
				for _, p := range rule.permissions {
					set[p] = struct{}{}
				}
			}
		}
	}
	if (actor.CanReview || actor.IsSuper) && status == StatusSubmitted {
		set[PermReview] = struct{}{}
		set[PermEdit] = struct{}{}
		set[PermAssign] = struct{}{}
	}
	if (actor.CanPublish || actor.IsSuper) && status == StatusReviewed {
		set[PermPublish] = struct{}{}
		set[PermEdit] = struct{}{}
		set[PermAssign] = struct{}{}
	}
	if actor.IsSuper && status != StatusPublished && status != StatusInactive {
		set[PermDelete] = struct{}{}
	}
	permissions := make([]string, 0, len(set))
	for p := range set {
		permissions = append(permissions, p)
	}
	return permissions
}

// Has reports whether a permission is in the computed permission list.
func Has(permissions []string, wanted string) bool {
	for _, p := range permissions {
		if p == wanted {
			return true
		}
	}
	return false
}
