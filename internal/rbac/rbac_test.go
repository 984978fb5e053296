package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionManage, true},
		{RoleAdmin, ActionWrite, true},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionComment, true},
		{RoleEditor, ActionManage, false},
		{RoleCommenter, ActionComment, true},
		{RoleCommenter, ActionWrite, false},
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionComment, false},
		{Role("unknown"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s)=%v want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("editor") != RoleEditor {
		t.Fatalf("expected editor role to round-trip")
	}
	if Normalize("superuser") != RoleViewer {
		t.Fatalf("unknown roles should normalize to viewer")
	}
	if Normalize("") != RoleViewer {
		t.Fatalf("empty role should normalize to viewer")
	}
}
