package domain

import (
	"strings"
	"time"
)

// Role 账号角色
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	}
	return false
}

// User 用户领域模型
// The directory entry and the relational row are both projections of this
// struct; neither backend owns fields the other lacks.
//
// Password and PasswordHash are mutually exclusive per write: Password is a
// plaintext credential destined for the directory bind attribute,
// PasswordHash is pre-hashed material that only travels in the encoded
// description metadata (and in the relational row). Writes carrying both are
// rejected before touching any backend.
type User struct {
	ID    string
	Email string
	Role  Role

	Password     string // plaintext, directory bind attribute only
	PasswordHash string // bcrypt-style, application-level verification only

	EmailVerified bool
	FullName      string
	Nationality   string
	Phone         string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time

	PasswordResetToken     string
	PasswordResetExpires   time.Time
	EmailVerificationToken string

	CreatedByAdmin         bool
	InitialPasswordChanged bool
}

// EmailEquals compares emails case-insensitively. Local parts are formally
// case-sensitive, but uniqueness checks must agree with lookups, so the whole
// address is folded.
func EmailEquals(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Validate checks the invariants a record must satisfy before any write.
func (u *User) Validate() error {
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return &ValidationError{Field: "email", Reason: "missing or malformed"}
	}
	if u.Role != "" && !ValidRole(u.Role) {
		return &ValidationError{Field: "role", Reason: "unknown role " + string(u.Role)}
	}
	if u.Password != "" && u.PasswordHash != "" {
		return &ValidationError{Field: "password", Reason: "plaintext and hashed material are mutually exclusive"}
	}
	return nil
}
