package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	// ActionJournal covers a user's own card, entries and reflections.
	ActionJournal     Action = "journal"
	ActionReindex     Action = "reindex"
	ActionManageRoles Action = "manage_roles"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionJournal
	default:
		return false
	}
}

// Normalize maps unknown roles to member.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}

func Valid(role string) bool {
	return Role(role) == RoleMember || Role(role) == RoleAdmin
}
