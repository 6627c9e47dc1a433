package websecurity

import (
	"context"
	"strings"
	"time"

	"github.com/motech/platform/internal/shared/auth"
	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultLocale     = "en"
	minPasswordLength = 6
)

var errInvalidCredentials = errors.Unauthorized("invalid user name or password")

// Service implements role and user management on a Repository.
type Service struct {
	repo       Repository
	authConfig config.AuthConfig
	clock      types.Clock
	logger     zerolog.Logger
	cost       int
}

// NewService creates the security service. Tokens are signed with authConfig.
func NewService(repo Repository, authConfig config.AuthConfig, clock types.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Service{
		repo:       repo,
		authConfig: authConfig,
		clock:      clock,
		logger:     logger.With().Str("component", "websecurity").Logger(),
		cost:       bcrypt.DefaultCost,
	}
}

// Seed creates any missing default role.
func (s *Service) Seed(ctx context.Context) error {
	for _, role := range DefaultRoles() {
		if _, err := s.repo.GetRole(ctx, role.Name); err == nil {
			continue
		} else if !errors.IsNotFound(err) {
			return err
		}
		role.CreatedAt = s.clock()
		if err := s.repo.CreateRole(ctx, &role); err != nil {
			return err
		}
		s.logger.Info().Str("role", role.Name).Msg("seeded default role")
	}
	return nil
}

func validatePermissions(perms []Permission) error {
	known := make(map[Permission]bool, len(AllPermissions))
	for _, p := range AllPermissions {
		known[p] = true
	}
	for _, p := range perms {
		if !known[p] {
			return errors.Validation("unknown permission", map[string]string{"permissionNames": string(p)})
		}
	}
	return nil
}

// CreateRole adds a deletable role. Names are unique.
func (s *Service) CreateRole(ctx context.Context, req CreateRoleRequest) (*Role, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.Validation("role name is required", map[string]string{"roleName": "required"})
	}
	if err := validatePermissions(req.Permissions); err != nil {
		return nil, err
	}

	role := &Role{
		Name:        name,
		Permissions: append([]Permission{}, req.Permissions...),
		Deletable:   true,
		CreatedAt:   s.clock(),
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	s.logger.Info().Str("role", name).Msg("role created")
	return role, nil
}

// UpdateRole replaces the permissions of the role called name and renames it
// when req names another role. Default roles keep their names.
func (s *Service) UpdateRole(ctx context.Context, name string, req CreateRoleRequest) (*Role, error) {
	existing, err := s.repo.GetRole(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := validatePermissions(req.Permissions); err != nil {
		return nil, err
	}

	newName := strings.TrimSpace(req.Name)
	if newName == "" {
		newName = name
	}
	if newName != name && !existing.Deletable {
		return nil, errors.BadRequest("role " + name + " cannot be renamed")
	}

	existing.Name = newName
	existing.Permissions = append([]Permission{}, req.Permissions...)
	if err := s.repo.UpdateRole(ctx, name, existing); err != nil {
		return nil, err
	}
	s.logger.Info().Str("role", name).Str("new_name", newName).Msg("role updated")
	return existing, nil
}

// DeleteRole removes a deletable role that no user holds.
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	role, err := s.repo.GetRole(ctx, name)
	if err != nil {
		return err
	}
	if !role.Deletable {
		return errors.Forbidden("role " + name + " cannot be deleted")
	}
	n, err := s.repo.CountUsersWithRole(ctx, name)
	if err != nil {
		return err
	}
	if n > 0 {
		return errors.Conflict("role " + name + " is assigned to users")
	}
	if err := s.repo.DeleteRole(ctx, name); err != nil {
		return err
	}
	s.logger.Info().Str("role", name).Msg("role deleted")
	return nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

func (s *Service) GetRole(ctx context.Context, name string) (*Role, error) {
	return s.repo.GetRole(ctx, name)
}

func (s *Service) checkRoles(ctx context.Context, roles []string) error {
	for _, name := range roles {
		if _, err := s.repo.GetRole(ctx, name); err != nil {
			if errors.IsNotFound(err) {
				return errors.Validation("unknown role", map[string]string{"roles": name})
			}
			return err
		}
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", errors.Validation("password is too short", map[string]string{"password": "too short"})
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

// CreateUser adds an active user whose roles must already exist.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	userName := strings.TrimSpace(req.UserName)
	if userName == "" {
		return nil, errors.Validation("user name is required", map[string]string{"userName": "required"})
	}
	if err := s.checkRoles(ctx, req.Roles); err != nil {
		return nil, err
	}
	hash, err := s.hash(req.Password)
	if err != nil {
		return nil, err
	}

	locale := req.Locale
	if locale == "" {
		locale = defaultLocale
	}
	user := &User{
		UserName:     userName,
		Email:        req.Email,
		Roles:        append([]string{}, req.Roles...),
		Active:       true,
		Locale:       locale,
		PasswordHash: hash,
		CreatedAt:    s.clock(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user", userName).Strs("roles", user.Roles).Msg("user created")
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) GetUser(ctx context.Context, userName string) (*User, error) {
	return s.repo.GetUser(ctx, userName)
}

func (s *Service) rolesOf(ctx context.Context, user *User) ([]Role, error) {
	roles := make([]Role, 0, len(user.Roles))
	for _, name := range user.Roles {
		role, err := s.repo.GetRole(ctx, name)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// Authenticate checks credentials and issues a token carrying the user's
// roles and the permissions they grant.
func (s *Service) Authenticate(ctx context.Context, userName, password string) (*LoginResponse, error) {
	user, err := s.repo.GetUser(ctx, userName)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn().Str("user", userName).Msg("failed login attempt")
		return nil, errInvalidCredentials
	}
	// Only a caller holding the password learns the account is inactive.
	if !user.Active {
		return nil, errors.Unauthorized("user " + userName + " is not active")
	}

	roles, err := s.rolesOf(ctx, user)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	principal := auth.User{
		UserName:    user.UserName,
		Roles:       user.Roles,
		Permissions: PermissionsOf(roles),
		Locale:      user.Locale,
	}
	token, err := auth.IssueToken(s.authConfig, principal, now)
	if err != nil {
		return nil, errors.Internal(err)
	}

	return &LoginResponse{
		Token:       token,
		UserName:    user.UserName,
		Roles:       principal.Roles,
		Permissions: principal.Permissions,
		ExpiresAt:   now.Add(s.authConfig.TokenTTL).UTC().Format(time.RFC3339),
	}, nil
}

// ChangePassword replaces the password after checking the old one.
func (s *Service) ChangePassword(ctx context.Context, userName string, req ChangePasswordRequest) error {
	user, err := s.repo.GetUser(ctx, userName)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return errors.BadRequest("old password does not match")
	}
	hash, err := s.hash(req.NewPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := s.repo.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info().Str("user", userName).Msg("password changed")
	return nil
}
