package store

import "time"

// Picture sources. "default" is the deterministic initials avatar, "upload" a
// self-uploaded image, "external" the picture supplied by an identity provider.
const (
	PictureDefault  = "default"
	PictureUpload   = "upload"
	PictureExternal = "external"
)

type User struct {
	ID            string
	Email         string
	PasswordHash  *string // nil for OAuth-only accounts
	DisplayName   string
	AvatarURL     string
	PictureSource string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastLoginAt   *time.Time
}

// UserRef is the minimal projection used in lists and joined views.
type UserRef struct {
	ID     string
	Name   string
	Avatar string
}

type Todo struct {
	ID          string
	Title       string
	Completed   bool
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   *time.Time // nil until the first non-completion edit
	CompletedAt *time.Time
}

// TodoWithUsers is a Todo with owner and assignee display info resolved.
type TodoWithUsers struct {
	Todo
	Owner     UserRef
	Assignees []UserRef
}

// DeletedTodo is a caller-supplied snapshot of a todo at deletion time.
type DeletedTodo struct {
	ID          string
	TodoID      string
	Title       string
	Completed   bool
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	CompletedAt *time.Time
	DeletedAt   time.Time
}

type Comment struct {
	ID        string
	TodoID    string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	// Joined author display info for API responses
	AuthorName   string
	AuthorAvatar string
}
