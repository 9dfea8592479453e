package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const maxCommentLen = 10000

// Comment is stored twice: under posts/{postId}/comments/{id} with UserID set
// and under users/{author}/comments/{id} with PostID set.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedOn time.Time `json:"createdOn"`
	PostID    string    `json:"postId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
}

// UserMirror returns the user-side copy of the comment.
func (c Comment) UserMirror() Comment {
	c.UserID = ""
	return c
}

// PostMirror returns the post-side copy of the comment.
func (c Comment) PostMirror() Comment {
	c.PostID = ""
	return c
}

// Matches reports whether two mirrors agree on the shared fields.
func (c Comment) Matches(other Comment) bool {
	return c.ID == other.ID &&
		c.Author == other.Author &&
		c.Content == other.Content &&
		c.CreatedOn.Equal(other.CreatedOn)
}

// Validate checks the fields common to both mirrors.
func (c Comment) Validate() error {
	if strings.TrimSpace(c.Author) == "" {
		return NewValidationError("comment author is required")
	}
	if strings.TrimSpace(c.Content) == "" {
		return NewValidationError("Content is required")
	}
	if utf8.RuneCountInString(c.Content) > maxCommentLen {
		return NewValidationError("Comment too long (max 10000 characters)")
	}
	if c.CreatedOn.IsZero() {
		return NewValidationError("createdOn is required")
	}
	return nil
}
