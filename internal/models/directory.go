package models

import (
	"regexp"
	"time"
)

// Contact is an addressable recipient owned by a user
type Contact struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	Tags      []string          `json:"tags,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HasTag reports whether the contact carries the given tag
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Template is one subject/body pair inside a template set
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateSet groups the template variants a task rotates through
type TemplateSet struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Templates []Template `json:"templates"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Sender is a reusable logical "from" identity
type Sender struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

var senderNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,62}$`)

// ValidSenderName reports whether the name satisfies the sender charset
// restriction (letters, digits, space, dot, dash, underscore).
func ValidSenderName(name string) bool {
	return senderNamePattern.MatchString(name)
}
