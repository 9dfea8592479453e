// Package models contains data structures for the forum's domain models.
package models

import (
	"encoding/json"
	"net/mail"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Role is the privilege level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Status is the moderation state of a user.
type Status string

const (
	StatusActive  Status = "active"
	StatusBlocked Status = "blocked"
)

const (
	minHandleLen = 3
	maxHandleLen = 32
	minNameLen   = 4
	maxNameLen   = 32
)

// User is the record stored at users/{handle}.
type User struct {
	Handle       string     `json:"handle"`
	UID          string     `json:"uid"`
	Email        string     `json:"email"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	ProfilePhoto string     `json:"profilePhoto"`
	Role         Role       `json:"role,omitempty"`
	Status       Status     `json:"status,omitempty"`
	BlockReason  string     `json:"blockReason,omitempty"`
	BlockedOn    *time.Time `json:"blockedOn,omitempty"`
	BlockedBy    string     `json:"blockedBy,omitempty"`
	UnblockedOn  *time.Time `json:"unblockedOn,omitempty"`
	UnblockedBy  string     `json:"unblockedBy,omitempty"`
	UpdatedBy    string     `json:"updatedBy,omitempty"`
	CreatedOn    time.Time  `json:"createdOn"`
	UpdatedOn    *time.Time `json:"updatedOn,omitempty"`

	Bookmarks BookmarkSet        `json:"bookmarks,omitempty"`
	Upvotes   map[string]string  `json:"upvotes,omitempty"`
	Downvotes map[string]string  `json:"downvotes,omitempty"`
	Posts     map[string]PostRef `json:"posts,omitempty"`
	Comments  map[string]Comment `json:"comments,omitempty"`
}

// PublicProfile is what anyone may read about a user. It carries no uid,
// email, bookmarks or moderation details.
type PublicProfile struct {
	Handle       string     `json:"handle"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	ProfilePhoto string     `json:"profilePhoto"`
	Role         Role       `json:"role,omitempty"`
	Status       Status     `json:"status,omitempty"`
	CreatedOn    time.Time  `json:"createdOn"`
	UpdatedOn    *time.Time `json:"updatedOn,omitempty"`
	PostCount    int        `json:"postCount"`
	CommentCount int        `json:"commentCount"`
}

// Public returns the public view of u.
func (u *User) Public() PublicProfile {
	return PublicProfile{
		Handle:       u.Handle,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		ProfilePhoto: u.ProfilePhoto,
		Role:         u.Role,
		Status:       u.Status,
		CreatedOn:    u.CreatedOn,
		UpdatedOn:    u.UpdatedOn,
		PostCount:    len(u.Posts),
		CommentCount: len(u.Comments),
	}
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IsBlocked reports whether the user is currently blocked.
func (u *User) IsBlocked() bool {
	return u != nil && u.Status == StatusBlocked
}

// Validate checks the fields required before a user record is written.
func (u *User) Validate() error {
	if err := ValidateHandle(u.Handle); err != nil {
		return err
	}
	if strings.TrimSpace(u.UID) == "" {
		return NewValidationError("uid is required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return NewValidationError("a valid email is required")
	}
	if err := ValidateName("First name", u.FirstName); err != nil {
		return err
	}
	if err := ValidateName("Last name", u.LastName); err != nil {
		return err
	}
	switch u.Role {
	case "", RoleUser, RoleAdmin:
	default:
		return NewValidationError("unknown role " + string(u.Role))
	}
	switch u.Status {
	case "", StatusActive, StatusBlocked:
	default:
		return NewValidationError("unknown status " + string(u.Status))
	}
	if u.CreatedOn.IsZero() {
		return NewValidationError("createdOn is required")
	}
	return nil
}

// ValidateHandle checks that a handle can be used as a single path segment.
func ValidateHandle(handle string) error {
	if n := len(handle); n < minHandleLen || n > maxHandleLen {
		return NewValidationError("handle must be between 3 and 32 characters")
	}
	if strings.ContainsAny(handle, "/.#$[] \t\n") {
		return NewValidationError("handle contains forbidden characters")
	}
	return nil
}

// ValidateName checks the length of a first or last name.
func ValidateName(field, name string) error {
	if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
		return NewValidationError(field + " must be between 4 and 32 characters")
	}
	return nil
}

// BookmarkSet is the set of bookmarked post ids keyed by id. It also accepts
// the older list shape (["p1","p2"]) when decoding.
type BookmarkSet map[string]string

// UnmarshalJSON accepts both the keyed-set and the list representation.
func (b *BookmarkSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		set := make(BookmarkSet, len(list))
		for _, id := range list {
			if id != "" {
				set[id] = id
			}
		}
		*b = set
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*b = BookmarkSet(m)
	return nil
}

// Has reports whether postID is bookmarked.
func (b BookmarkSet) Has(postID string) bool {
	_, ok := b[postID]
	return ok
}

// IDs returns the bookmarked post ids in ascending order.
func (b BookmarkSet) IDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PostRef is the entry stored at users/{handle}/posts/{postId}.
type PostRef struct {
	ID string `json:"id"`
}
