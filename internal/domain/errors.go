package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound 记录不存在
// A failed directory search and an empty relational result both surface as
// this sentinel; "not found" is a normal outcome, not a backend failure.
var ErrNotFound = errors.New("record not found")

// ConnectionError bind/connect 失败，本次操作中止
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError 载荷或更新在写入前被拒绝
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// DuplicateError email 已存在，写入前拒绝
type DuplicateError struct {
	Email string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("email already registered: %s", e.Email)
}

// CollisionError id 冲突重试超出预算，仅对当前消息致命
type CollisionError struct {
	ID       string
	Attempts int
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("id %s still colliding after %d attempts", e.ID, e.Attempts)
}

// FailoverError 主备后端均失败
type FailoverError struct {
	Op        string
	Primary   error
	Secondary error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("%s failed on both backends: primary: %v; secondary: %v", e.Op, e.Primary, e.Secondary)
}

func (e *FailoverError) Unwrap() []error { return []error{e.Primary, e.Secondary} }

// Authoritative reports whether err is a definitive outcome of the primary
// backend that must not be retried against the secondary: not-found,
// duplicate and validation rejections mean the same thing on every backend.
func Authoritative(err error) bool {
	var dup *DuplicateError
	var val *ValidationError
	return errors.Is(err, ErrNotFound) || errors.As(err, &dup) || errors.As(err, &val)
}
