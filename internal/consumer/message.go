package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"userdir/internal/domain"
)

// Envelope 总线消息信封
type Envelope struct {
	MessageID      string          `json:"messageId"`
	EventType      string          `json:"eventType"`
	SchemaVersion  string          `json:"schemaVersion"`
	OccurredAt     string          `json:"occurredAt"`
	Producer       string          `json:"producer"`
	CorrelationID  string          `json:"correlationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

// CreationPayload 账号创建事件载荷
type CreationPayload struct {
	UserID              string   `json:"userId"`
	FullName            string   `json:"fullName"`
	Email               string   `json:"email"`
	Password            string   `json:"password"`
	NationalityOrOrigin string   `json:"nationalityOrOrigin"`
	Roles               []string `json:"roles"`
	CreatedAt           string   `json:"createdAt"`
	Phone               string   `json:"phone,omitempty"`
}

// parseEnvelope reads the envelope out of a stream entry's "data" field.
func parseEnvelope(values map[string]interface{}) (*Envelope, error) {
	raw, ok := values["data"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("stream entry has no data field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &env, nil
}

// CreationPayload decodes the envelope payload. Some producers double-encode
// the payload as a JSON string; both shapes are accepted.
func (e *Envelope) CreationPayload() (*CreationPayload, error) {
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 {
		return nil, &domain.ValidationError{Field: "payload", Reason: "empty"}
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, &domain.ValidationError{Field: "payload", Reason: "double-encoded payload is not a string"}
		}
		raw = []byte(inner)
	}
	var p CreationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &domain.ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}
	return &p, nil
}

// Validate applies the creation payload schema.
func (p *CreationPayload) Validate() error {
	if p.UserID == "" {
		return &domain.ValidationError{Field: "userId", Reason: "required"}
	}
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return &domain.ValidationError{Field: "email", Reason: "missing or malformed"}
	}
	if p.Password == "" {
		return &domain.ValidationError{Field: "password", Reason: "required"}
	}
	if p.FullName == "" {
		return &domain.ValidationError{Field: "fullName", Reason: "required"}
	}
	if len(p.Roles) > 0 && !domain.ValidRole(domain.Role(p.Roles[0])) {
		return &domain.ValidationError{Field: "roles", Reason: "unknown role " + p.Roles[0]}
	}
	if p.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339, p.CreatedAt); err != nil {
			return &domain.ValidationError{Field: "createdAt", Reason: "not ISO-8601"}
		}
	}
	return nil
}

// Role extracts the effective role: roles[0], defaulting to plain user.
func (p *CreationPayload) Role() domain.Role {
	if len(p.Roles) > 0 {
		return domain.Role(p.Roles[0])
	}
	return domain.RoleUser
}

// User maps the payload onto a record ready for creation, with id overriding
// the payload's userId when collision resolution picked a replacement.
func (p *CreationPayload) User(id string) *domain.User {
	u := &domain.User{
		ID:          id,
		Email:       p.Email,
		Password:    p.Password,
		Role:        p.Role(),
		FullName:    p.FullName,
		Nationality: p.NationalityOrOrigin,
		Phone:       p.Phone,
	}
	if p.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			u.CreatedAt = t.UTC()
		}
	}
	return u
}
