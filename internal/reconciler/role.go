package reconciler

import "strings"

// Role is the caller's account role.
type Role int

const (
	RoleUnknown Role = iota
	RoleSuperAdminGlobal
	RoleSuperAdminOrg
	RoleSuperAdmin
	RoleAdmin
	RoleEmployee
	RoleAdministrativo
	RoleClient
	RoleGuest
)

var roleNames = map[Role]string{
	RoleUnknown:          "UNKNOWN",
	RoleSuperAdminGlobal: "SUPER_ADMIN_GLOBAL",
	RoleSuperAdminOrg:    "SUPER_ADMIN_ORG",
	RoleSuperAdmin:       "SUPER_ADMIN",
	RoleAdmin:            "ADMIN",
	RoleEmployee:         "EMPLOYEE",
	RoleAdministrativo:   "ADMINISTRATIVO",
	RoleClient:           "CLIENT",
	RoleGuest:            "GUEST",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return roleNames[RoleUnknown]
}

// ParseRole maps a backend role string to a Role. Unrecognised values parse
// to RoleUnknown.
func ParseRole(raw string) Role {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for role, name := range roleNames {
		if name == normalized && role != RoleUnknown {
			return role
		}
	}
	return RoleUnknown
}

// ContextIsUserManaged reports whether users with role pick their own tenant.
// Employees, administrative staff, clients and guests work in a tenant
// assigned to them, so their context is never written back.
func ContextIsUserManaged(role Role) bool {
	switch role {
	case RoleSuperAdminGlobal, RoleSuperAdminOrg, RoleSuperAdmin, RoleAdmin:
		return true
	default:
		return false
	}
}
