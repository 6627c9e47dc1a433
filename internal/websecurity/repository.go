package websecurity

import (
	"context"
	"sort"
	"sync"

	"github.com/motech/platform/internal/shared/errors"
)

// Repository persists roles and users.
type Repository interface {
	CreateRole(ctx context.Context, role *Role) error
	// UpdateRole replaces the role stored as name. A rename is carried over to
	// every user holding the role.
	UpdateRole(ctx context.Context, name string, role *Role) error
	DeleteRole(ctx context.Context, name string) error
	GetRole(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userName string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CountUsersWithRole(ctx context.Context, role string) (int, error)
}

// MemoryRepository keeps roles and users in process.
type MemoryRepository struct {
	mu    sync.RWMutex
	roles map[string]Role
	users map[string]User
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		roles: make(map[string]Role),
		users: make(map[string]User),
	}
}

func cloneRole(r Role) Role {
	r.Permissions = append([]Permission(nil), r.Permissions...)
	return r
}

func cloneUser(u User) User {
	u.Roles = append([]string(nil), u.Roles...)
	return u
}

func (m *MemoryRepository) CreateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.Name]; ok {
		return errors.Conflict("role " + role.Name + " already exists")
	}
	m.roles[role.Name] = cloneRole(*role)
	return nil
}

func (m *MemoryRepository) UpdateRole(ctx context.Context, name string, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return errors.NotFound("role", name)
	}
	if role.Name != name {
		if _, ok := m.roles[role.Name]; ok {
			return errors.Conflict("role " + role.Name + " already exists")
		}
		delete(m.roles, name)
		for key, u := range m.users {
			for i, r := range u.Roles {
				if r == name {
					u = cloneUser(u)
					u.Roles[i] = role.Name
					m.users[key] = u
				}
			}
		}
	}
	m.roles[role.Name] = cloneRole(*role)
	return nil
}

func (m *MemoryRepository) DeleteRole(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return errors.NotFound("role", name)
	}
	delete(m.roles, name)
	return nil
}

func (m *MemoryRepository) GetRole(ctx context.Context, name string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[name]
	if !ok {
		return nil, errors.NotFound("role", name)
	}
	r = cloneRole(r)
	return &r, nil
}

func (m *MemoryRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.UserName]; ok {
		return errors.Conflict("user " + user.UserName + " already exists")
	}
	m.users[user.UserName] = cloneUser(*user)
	return nil
}

func (m *MemoryRepository) UpdateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.UserName]; !ok {
		return errors.NotFound("user", user.UserName)
	}
	m.users[user.UserName] = cloneUser(*user)
	return nil
}

func (m *MemoryRepository) GetUser(ctx context.Context, userName string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userName]
	if !ok {
		return nil, errors.NotFound("user", userName)
	}
	u = cloneUser(u)
	return &u, nil
}

func (m *MemoryRepository) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out, nil
}

func (m *MemoryRepository) CountUsersWithRole(ctx context.Context, role string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if u.HasRole(role) {
			n++
		}
	}
	return n, nil
}
