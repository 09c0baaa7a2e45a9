package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
)

// Actor identifies the requesting party. The zero Actor is anonymous.
type Actor struct {
	UserID   string
	Username string
	Role     Role
}

func (a Actor) Authenticated() bool {
	return a.UserID != ""
}

// Can reports whether a role alone permits an action. Admin satisfies
// editor-gated actions by its own case, not by rank comparison.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionComment || action == ActionCreate || action == ActionEdit || action == ActionDelete
	case RoleViewer:
		return action == ActionView || action == ActionComment
	default:
		return action == ActionView
	}
}

// Authorize is the single access check composed at each handler entry.
// ownerID is the author of the target article; it is ignored for actions
// that are not ownership-scoped. Viewing and commenting are open to
// anonymous actors. Editing and deleting require the actor to be the
// owner, or an admin.
func Authorize(actor Actor, action Action, ownerID string) bool {
	switch action {
	case ActionView, ActionComment:
		return true
	case ActionCreate:
		return actor.Authenticated() && Can(actor.Role, ActionCreate)
	case ActionEdit, ActionDelete:
		if !actor.Authenticated() {
			return false
		}
		if actor.Role == RoleAdmin {
			return true
		}
		return actor.UserID == ownerID
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
