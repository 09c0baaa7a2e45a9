package rbac

import "testing"

func TestCan(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionCreate, true},
		{RoleAdmin, ActionDelete, true},
		{RoleEditor, ActionCreate, true},
		{RoleEditor, ActionView, true},
		{RoleViewer, ActionCreate, false},
		{RoleViewer, ActionView, true},
		{RoleViewer, ActionComment, true},
		{Role("unknown"), ActionView, true},
		{Role("unknown"), ActionCreate, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.action); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestAuthorizeCreateRequiresEditorOrAdmin(t *testing.T) {
	anonymous := Actor{}
	viewer := Actor{UserID: "u1", Role: RoleViewer}
	editor := Actor{UserID: "u2", Role: RoleEditor}
	admin := Actor{UserID: "u3", Role: RoleAdmin}

	if Authorize(anonymous, ActionCreate, "") {
		t.Error("anonymous actor must not create")
	}
	if Authorize(viewer, ActionCreate, "") {
		t.Error("viewer must not create")
	}
	if !Authorize(editor, ActionCreate, "") {
		t.Error("editor must create")
	}
	if !Authorize(admin, ActionCreate, "") {
		t.Error("admin must create")
	}
}

func TestAuthorizeEditIsOwnerOrAdmin(t *testing.T) {
	owner := Actor{UserID: "u1", Role: RoleEditor}
	other := Actor{UserID: "u2", Role: RoleEditor}
	admin := Actor{UserID: "u3", Role: RoleAdmin}

	if !Authorize(owner, ActionEdit, "u1") {
		t.Error("owner must edit own article")
	}
	if Authorize(other, ActionEdit, "u1") {
		t.Error("non-owner editor must not edit")
	}
	if !Authorize(admin, ActionDelete, "u1") {
		t.Error("admin must delete any article")
	}
	if Authorize(Actor{}, ActionDelete, "u1") {
		t.Error("anonymous actor must not delete")
	}
}

func TestAuthorizeViewIsOpen(t *testing.T) {
	if !Authorize(Actor{}, ActionView, "") {
		t.Error("view must be allowed for anonymous actors")
	}
	if !Authorize(Actor{}, ActionComment, "") {
		t.Error("comment must be allowed for anonymous actors")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Error("admin should normalize to admin")
	}
	if Normalize("") != RoleViewer {
		t.Error("empty role should normalize to viewer")
	}
	if Normalize("superuser") != RoleViewer {
		t.Error("unknown role should normalize to viewer")
	}
}
