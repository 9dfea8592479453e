package service

import (
	"context"
	"strings"
	"time"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
)

// ModerationService answers the blocked/admin questions every write asks
// first, and runs the admin-only user operations.
type ModerationService struct {
	userRepo repository.UserRepository
}

type AdminUserInput struct {
	AdminUID string
	Handle   string
}

type BlockUserInput struct {
	AdminUID string
	Handle   string
	Reason   string
}

func NewModerationService(userRepo repository.UserRepository) *ModerationService {
	return &ModerationService{userRepo: userRepo}
}

// IsBlocked reports whether handle is blocked. Unknown handles are NotFound.
func (s *ModerationService) IsBlocked(ctx context.Context, handle string) (bool, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return false, err
	}
	return user.IsBlocked(), nil
}

// IsAdmin reports whether the user owning uid is an admin. Unknown uids are
// not admins.
func (s *ModerationService) IsAdmin(ctx context.Context, uid string) (bool, error) {
	user, err := s.userByUID(ctx, uid)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmin(), nil
}

// userByUID resolves uid through the uids index and falls back to a scan for
// users written before the index existed. A nil user means no match.
func (s *ModerationService) userByUID(ctx context.Context, uid string) (*models.User, error) {
	if uid == "" {
		return nil, nil
	}
	handle, ok, err := s.userRepo.HandleByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if ok {
		user, err := s.userRepo.Get(ctx, handle)
		if err == nil && user.UID == uid {
			return user, nil
		}
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}

	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.UID == uid {
			return u, nil
		}
	}
	return nil, nil
}

// RequireActive is the gate in front of every user write: the user must
// exist and must not be blocked.
func (s *ModerationService) RequireActive(ctx context.Context, handle string) (*models.User, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, models.NewUnauthorizedError("Handle is required")
	}
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked() {
		return nil, models.NewUnauthorizedError("User " + handle + " is blocked")
	}
	return user, nil
}

// RequireAdmin returns the admin owning uid or Unauthorized.
func (s *ModerationService) RequireAdmin(ctx context.Context, uid string) (*models.User, error) {
	user, err := s.userByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsAdmin() {
		return nil, models.NewUnauthorizedError("Admin access required")
	}
	return user, nil
}

func (s *ModerationService) AssignAdmin(ctx context.Context, in AdminUserInput) error {
	return s.setRole(ctx, in, models.RoleAdmin)
}

func (s *ModerationService) RemoveAdmin(ctx context.Context, in AdminUserInput) error {
	return s.setRole(ctx, in, models.RoleUser)
}

func (s *ModerationService) setRole(ctx context.Context, in AdminUserInput, role models.Role) (err error) {
	span, ctx := observability.StartOperation(ctx, "user.set_role",
		observability.AttrHandle.String(in.Handle),
		observability.AttrRole.String(string(role)),
	)
	defer span.Finish(&err)

	admin, err := s.RequireAdmin(ctx, in.AdminUID)
	if err != nil {
		return err
	}
	if _, err := s.userRepo.Get(ctx, in.Handle); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.userRepo.Update(ctx, in.Handle, map[string]any{
		"role":      string(role),
		"updatedOn": now,
		"updatedBy": admin.UID,
	})
}

func (s *ModerationService) BlockUser(ctx context.Context, in BlockUserInput) (err error) {
	span, ctx := observability.StartOperation(ctx, "user.block", observability.AttrHandle.String(in.Handle))
	defer span.Finish(&err)

	admin, err := s.RequireAdmin(ctx, in.AdminUID)
	if err != nil {
		return err
	}
	if _, err := s.userRepo.Get(ctx, in.Handle); err != nil {
		return err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return models.NewValidationError("Block reason is required")
	}
	now := time.Now().UTC()
	if err := s.userRepo.Update(ctx, in.Handle, map[string]any{
		"status":      string(models.StatusBlocked),
		"blockReason": reason,
		"blockedOn":   now,
		"blockedBy":   admin.UID,
	}); err != nil {
		return err
	}
	observability.LogServiceCall(ctx, "ModerationService", "BlockUser", map[string]interface{}{
		"handle":     in.Handle,
		"blocked_by": admin.UID,
	})
	return nil
}

func (s *ModerationService) UnblockUser(ctx context.Context, in AdminUserInput) (err error) {
	span, ctx := observability.StartOperation(ctx, "user.unblock", observability.AttrHandle.String(in.Handle))
	defer span.Finish(&err)

	admin, err := s.RequireAdmin(ctx, in.AdminUID)
	if err != nil {
		return err
	}
	if _, err := s.userRepo.Get(ctx, in.Handle); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.userRepo.Update(ctx, in.Handle, map[string]any{
		"status":      string(models.StatusActive),
		"blockReason": nil,
		"blockedOn":   nil,
		"blockedBy":   nil,
		"unblockedOn": now,
		"unblockedBy": admin.UID,
	})
}

// ListUsers returns every user sorted by handle.
func (s *ModerationService) ListUsers(ctx context.Context, adminUID string) ([]*models.User, error) {
	if _, err := s.RequireAdmin(ctx, adminUID); err != nil {
		return nil, err
	}
	return s.userRepo.List(ctx)
}

// SearchUsers matches query against handle, email and names, ignoring case.
// An empty query lists everyone.
func (s *ModerationService) SearchUsers(ctx context.Context, adminUID, query string) ([]*models.User, error) {
	users, err := s.ListUsers(ctx, adminUID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return users, nil
	}
	out := make([]*models.User, 0, len(users))
	for _, u := range users {
		fields := []string{u.Handle, u.Email, u.FirstName, u.LastName}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}
