// Package websecurity manages the roles, users and permissions behind the
// platform's web security APIs.
package websecurity

import (
	"sort"
	"time"
)

// Permission names a single grant checked by the HTTP layer.
type Permission string

// Module permissions
const (
	PermMDSSchemaAccess  Permission = "mdsSchemaAccess"
	PermMDSDataAccess    Permission = "mdsDataAccess"
	PermManageUser       Permission = "manageUser"
	PermManageRole       Permission = "manageRole"
	PermViewSecurity     Permission = "viewSecurity"
	PermSendSMS          Permission = "sendSMS"
	PermManageEncounters Permission = "manageEncounters"
	PermManageSchedules  Permission = "manageSchedules"
	PermManageReminders  Permission = "manageReminders"
)

// AllPermissions lists every permission known to the platform.
var AllPermissions = []Permission{
	PermMDSSchemaAccess, PermMDSDataAccess,
	PermManageUser, PermManageRole, PermViewSecurity,
	PermSendSMS, PermManageEncounters,
	PermManageSchedules, PermManageReminders,
}

// Default role names
const (
	RoleAdmin    = "Admin"
	RoleMDSAdmin = "MDS Admin"
	RoleSMSUser  = "SMS User"
)

// Role is a named set of permissions.
type Role struct {
	Name        string       `json:"roleName"`
	Permissions []Permission `json:"permissionNames"`
	Deletable   bool         `json:"deletable"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// HasPermission reports whether the role grants perm.
func (r Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// DefaultRoles returns the roles seeded on an empty repository. None of them
// can be deleted.
func DefaultRoles() []Role {
	return []Role{
		{Name: RoleAdmin, Permissions: append([]Permission{}, AllPermissions...)},
		{Name: RoleMDSAdmin, Permissions: []Permission{PermMDSSchemaAccess, PermMDSDataAccess}},
		{Name: RoleSMSUser, Permissions: []Permission{PermSendSMS}},
	}
}

// User is a platform account. PasswordHash never leaves the service layer.
type User struct {
	UserName     string    `json:"userName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	Active       bool      `json:"active"`
	Locale       string    `json:"locale"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PermissionsOf collects the distinct permissions granted by roles, sorted.
func PermissionsOf(roles []Role) []string {
	seen := make(map[Permission]bool)
	var out []string
	for _, role := range roles {
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, string(p))
			}
		}
	}
	sort.Strings(out)
	return out
}

// CreateRoleRequest is the payload for creating or updating a role.
type CreateRoleRequest struct {
	Name        string       `json:"roleName"`
	Permissions []Permission `json:"permissionNames"`
}

// CreateUserRequest is the payload for creating a user.
type CreateUserRequest struct {
	UserName string   `json:"userName"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	Locale   string   `json:"locale"`
}

// LoginRequest carries credentials.
type LoginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

// LoginResponse carries the signed token.
type LoginResponse struct {
	Token       string   `json:"token"`
	UserName    string   `json:"userName"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expiresAt"`
}

// ChangePasswordRequest carries the old and new passwords.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}
