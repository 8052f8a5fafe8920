package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "member journal", role: RoleMember, action: ActionJournal, allow: true},
		{name: "member reindex", role: RoleMember, action: ActionReindex, allow: false},
		{name: "member manage roles", role: RoleMember, action: ActionManageRoles, allow: false},
		{name: "admin reindex", role: RoleAdmin, action: ActionReindex, allow: true},
		{name: "admin journal", role: RoleAdmin, action: ActionJournal, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionJournal, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("editor"); got != RoleMember {
		t.Fatalf("Normalize(editor) = %q, want member", got)
	}
	if Valid("viewer") || !Valid("member") {
		t.Fatal("Valid() mismatch")
	}
}
