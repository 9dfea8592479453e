package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"forum/internal/models"
	"forum/internal/observability"
	"forum/internal/repository"
	"forum/internal/saga"
)

const sagaRegister = "register"

type UserService struct {
	userRepo   repository.UserRepository
	moderation *ModerationService
	runner     *saga.Runner
}

type RegisterInput struct {
	Handle       string `json:"handle"`
	UID          string `json:"uid"`
	Email        string `json:"email"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	ProfilePhoto string `json:"profilePhoto"`
}

// UpdateProfileInput carries the mutable profile fields. Nil fields are left
// untouched.
type UpdateProfileInput struct {
	Handle       string
	FirstName    *string
	LastName     *string
	ProfilePhoto *string
}

type registerPayload struct {
	User models.User `json:"user"`
}

func NewUserService(userRepo repository.UserRepository, moderation *ModerationService, runner *saga.Runner) *UserService {
	return &UserService{userRepo: userRepo, moderation: moderation, runner: runner}
}

// Register claims the handle, then the uid and email indexes.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (user *models.User, err error) {
	span, ctx := observability.StartOperation(ctx, "user.register", observability.AttrHandle.String(in.Handle))
	defer span.Finish(&err)

	user = &models.User{
		Handle:       strings.TrimSpace(in.Handle),
		UID:          strings.TrimSpace(in.UID),
		Email:        strings.TrimSpace(in.Email),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		ProfilePhoto: strings.TrimSpace(in.ProfilePhoto),
		Role:         models.RoleUser,
		Status:       models.StatusActive,
		CreatedOn:    time.Now().UTC(),
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}

	if owner, ok, err := s.userRepo.HandleByUID(ctx, user.UID); err != nil {
		return nil, err
	} else if ok && owner != user.Handle {
		return nil, models.NewConflictError("uid is already registered")
	}
	if owner, ok, err := s.userRepo.HandleByEmail(ctx, user.Email); err != nil {
		return nil, err
	} else if ok && owner != user.Handle {
		return nil, models.NewConflictError("email is already registered")
	}

	if err := s.runner.Run(ctx, s.registerSaga(&registerPayload{User: *user})); err != nil {
		return nil, err
	}
	observability.LogServiceCall(ctx, "UserService", "Register", map[string]interface{}{"handle": user.Handle})
	return user, nil
}

func (s *UserService) registerSaga(p *registerPayload) saga.Definition {
	u := &p.User
	return saga.Definition{
		Kind:    sagaRegister,
		Subject: u.Handle,
		Payload: p,
		Abort:   func(err error) bool { return errors.Is(err, models.ErrConflict) },
		Steps: []saga.Step{
			{
				Name:       "claim_handle",
				Do:         func(ctx context.Context) error { return s.userRepo.Claim(ctx, u) },
				Compensate: func(ctx context.Context) error { return s.userRepo.Release(ctx, u.Handle) },
			},
			{
				Name:       "claim_uid",
				Do:         func(ctx context.Context) error { return s.userRepo.ClaimUID(ctx, u.UID, u.Handle) },
				Compensate: func(ctx context.Context) error { return s.userRepo.ReleaseUID(ctx, u.UID) },
			},
			{
				Name:       "claim_email",
				Do:         func(ctx context.Context) error { return s.userRepo.ClaimEmail(ctx, u.Email, u.Handle) },
				Compensate: func(ctx context.Context) error { return s.userRepo.ReleaseEmail(ctx, u.Email) },
			},
		},
	}
}

func (s *UserService) rebuildRegister(raw json.RawMessage) (saga.Definition, error) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return saga.Definition{}, err
	}
	if p.User.Handle == "" {
		return saga.Definition{}, models.NewValidationError("register payload has no handle")
	}
	return s.registerSaga(&p), nil
}

func (s *UserService) GetByHandle(ctx context.Context, handle string) (*models.User, error) {
	return s.userRepo.Get(ctx, handle)
}

func (s *UserService) GetByUID(ctx context.Context, uid string) (*models.User, error) {
	user, err := s.moderation.userByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.NewNotFoundError("User", uid)
	}
	return user, nil
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	handle, ok, err := s.userRepo.HandleByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if ok {
		return s.userRepo.Get(ctx, handle)
	}
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u, nil
		}
	}
	return nil, models.NewNotFoundError("User", email)
}

// UpdateProfile merges the profile fields. The handle never changes.
func (s *UserService) UpdateProfile(ctx context.Context, in UpdateProfileInput) (*models.User, error) {
	if _, err := s.moderation.RequireActive(ctx, in.Handle); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if in.FirstName != nil {
		name := strings.TrimSpace(*in.FirstName)
		if err := models.ValidateName("First name", name); err != nil {
			return nil, err
		}
		fields["firstName"] = name
	}
	if in.LastName != nil {
		name := strings.TrimSpace(*in.LastName)
		if err := models.ValidateName("Last name", name); err != nil {
			return nil, err
		}
		fields["lastName"] = name
	}
	if in.ProfilePhoto != nil {
		fields["profilePhoto"] = strings.TrimSpace(*in.ProfilePhoto)
	}
	if len(fields) == 0 {
		return nil, models.NewValidationError("No profile fields to update")
	}
	fields["updatedOn"] = time.Now().UTC()

	if err := s.userRepo.Update(ctx, in.Handle, fields); err != nil {
		return nil, err
	}
	return s.userRepo.Get(ctx, in.Handle)
}

// GetUserPosts returns the ids of the posts the user authored, oldest first.
func (s *UserService) GetUserPosts(ctx context.Context, handle string) ([]string, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(user.Posts))
	for id := range user.Posts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetUserComments returns the user-side comment mirrors, oldest first.
func (s *UserService) GetUserComments(ctx context.Context, handle string) ([]models.Comment, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	return sortedComments(user.Comments), nil
}

func (s *UserService) GetUpvoted(ctx context.Context, handle string) ([]string, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	return sortedKeys(user.Upvotes), nil
}

func (s *UserService) GetDownvoted(ctx context.Context, handle string) ([]string, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	return sortedKeys(user.Downvotes), nil
}

func (s *UserService) GetBookmarks(ctx context.Context, handle string) ([]string, error) {
	user, err := s.userRepo.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	return user.Bookmarks.IDs(), nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedComments(m map[string]models.Comment) []models.Comment {
	out := make([]models.Comment, 0, len(m))
	for id, c := range m {
		c.ID = id
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].CreatedOn.Before(out[j].CreatedOn)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
