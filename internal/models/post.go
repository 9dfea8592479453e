package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minTitleLen   = 16
	maxTitleLen   = 64
	minContentLen = 32
	maxContentLen = 8192
)

// Post is the record stored at posts/{postId}.
type Post struct {
	ID        string             `json:"id,omitempty"`
	Author    string             `json:"author"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	CreatedOn time.Time          `json:"createdOn"`
	UpdatedOn *time.Time         `json:"updatedOn,omitempty"`
	Comments  map[string]Comment `json:"comments,omitempty"`
	Votes     *VoteLedger        `json:"votes,omitempty"`
}

// CommentCount returns the number of post-side comment mirrors.
func (p *Post) CommentCount() int {
	return len(p.Comments)
}

// Score is up votes minus down votes.
func (p *Post) Score() int {
	if p.Votes == nil {
		return 0
	}
	return p.Votes.Score()
}

// Validate checks the fields required before a post is written.
func (p *Post) Validate() error {
	if strings.TrimSpace(p.Author) == "" {
		return NewValidationError("author is required")
	}
	if err := ValidateTitle(p.Title); err != nil {
		return err
	}
	if err := ValidateContent(p.Content); err != nil {
		return err
	}
	if p.CreatedOn.IsZero() {
		return NewValidationError("createdOn is required")
	}
	if p.Votes != nil {
		if err := p.Votes.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTitle enforces the title length bounds.
func ValidateTitle(title string) error {
	if n := utf8.RuneCountInString(title); n < minTitleLen || n > maxTitleLen {
		return NewValidationError("title must be between 16 and 64 characters")
	}
	return nil
}

// ValidateContent enforces the content length bounds.
func ValidateContent(content string) error {
	if n := utf8.RuneCountInString(content); n < minContentLen || n > maxContentLen {
		return NewValidationError("content must be between 32 and 8192 characters")
	}
	return nil
}

// ValidateDocID checks that a post or comment id is one path segment.
func ValidateDocID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewValidationError("id is required")
	}
	if strings.ContainsAny(id, "/.#$[] \t\n") {
		return NewValidationError("id " + id + " is not a valid path segment")
	}
	return nil
}

// DeletedPost is the audit snapshot stored at deletedPosts/{postId}.
type DeletedPost struct {
	Post
	DeletedBy string    `json:"deletedBy"`
	DeletedOn time.Time `json:"deletedOn"`
}

// Validate checks the audit fields. The snapshot itself is stored as read.
func (d *DeletedPost) Validate() error {
	if d.ID == "" {
		return NewValidationError("deleted post id is required")
	}
	if strings.TrimSpace(d.DeletedBy) == "" {
		return NewValidationError("deletedBy is required")
	}
	if d.DeletedOn.IsZero() {
		return NewValidationError("deletedOn is required")
	}
	return nil
}
