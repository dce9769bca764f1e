// Package codec maps a user record to and from the compact string stored in
// the directory entry's description attribute.
//
// The grammar is ordered `key:value` pairs joined by `|`, with fixed field
// abbreviations and per-field caps. The joined payload never exceeds Budget
// characters: a segment that would overflow the budget is dropped whole and
// later, shorter segments are still attempted. Decoding is best-effort —
// malformed segments are skipped, absent keys stay unset.
package codec

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"userdir/internal/domain"
)

const (
	// Budget is the hard cap on the encoded payload length.
	Budget = 200

	// Version marks the current encoding schema. Payloads without a V
	// segment predate the marker and decode as version 1.
	Version = 2

	dateLayout = "2006-01-02"
)

// Field caps from the abbreviation table.
const (
	maxDate     = 10
	maxName     = 10
	maxNation   = 5
	maxPhone    = 10
	maxToken    = 6
)

// Decoded 解码结果
// Pointer fields distinguish "not encoded" from "encoded as empty" so the
// repository can tell an absent field from a cleared one.
type Decoded struct {
	Version int

	ID          *string
	Role        *string
	Verified    *bool
	Hash        *string
	Created     *time.Time
	Updated     *time.Time
	LastLogin   *time.Time
	FullName    *string
	Nationality *string
	Phone       *string
	VerifyToken *string
	ResetToken  *string
	ResetExpiry *time.Time

	CreatedByAdmin  *bool
	InitialPwChange *bool
}

// Encode serializes u into the description payload.
func Encode(u *domain.User) string {
	var segments []string
	total := 0

	add := func(key, value string, limit int) {
		if value == "" {
			return
		}
		value = truncateRunes(value, limit)
		seg := key + ":" + sanitize(value)
		n := len(seg)
		if len(segments) > 0 {
			n++ // joining pipe
		}
		if total+n > Budget {
			return // drop whole segment, keep trying shorter ones
		}
		segments = append(segments, seg)
		total += n
	}

	add("V", strconv.Itoa(Version), 0)
	add("ID", u.ID, 0)
	add("Rol", string(u.Role), 0)
	add("Ver", yesNo(u.EmailVerified), 0)
	// Credential material early so it wins the budget over cosmetic fields.
	add("H", u.PasswordHash, 0)
	add("C", formatDate(u.CreatedAt), maxDate)
	add("U", formatDate(u.UpdatedAt), maxDate)
	add("L", formatDate(u.LastLoginAt), maxDate)
	add("Nom", u.FullName, maxName)
	add("Nac", u.Nationality, maxNation)
	add("Tel", u.Phone, maxPhone)
	add("TV", u.EmailVerificationToken, maxToken)
	add("TR", u.PasswordResetToken, maxToken)
	add("RE", formatDate(u.PasswordResetExpires), maxDate)
	add("CA", yesNo(u.CreatedByAdmin), 0)
	add("CP", yesNo(u.InitialPasswordChanged), 0)

	return strings.Join(segments, "|")
}

// Decode parses a description payload. Never fails: unparseable segments are
// skipped and the corresponding fields stay unset.
func Decode(s string) *Decoded {
	d := &Decoded{Version: 1}
	if s == "" {
		return d
	}
	for _, seg := range strings.Split(s, "|") {
		key, value, ok := strings.Cut(seg, ":")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "V":
			if v, err := strconv.Atoi(value); err == nil {
				d.Version = v
			}
		case "ID":
			d.ID = &value
		case "Rol":
			d.Role = &value
		case "Ver":
			d.Verified = boolPtr(value == "S")
		case "H":
			d.Hash = &value
		case "C":
			d.Created = parseDate(value)
		case "U":
			d.Updated = parseDate(value)
		case "L":
			d.LastLogin = parseDate(value)
		case "Nom":
			d.FullName = &value
		case "Nac":
			d.Nationality = &value
		case "Tel":
			d.Phone = &value
		case "TV":
			d.VerifyToken = &value
		case "TR":
			d.ResetToken = &value
		case "RE":
			d.ResetExpiry = parseDate(value)
		case "CA":
			d.CreatedByAdmin = boolPtr(value == "S")
		case "CP":
			d.InitialPwChange = boolPtr(value == "S")
		}
	}
	return d
}

// Apply copies every decoded field onto u, leaving unset fields untouched.
func (d *Decoded) Apply(u *domain.User) {
	if d.ID != nil {
		u.ID = *d.ID
	}
	if d.Role != nil {
		u.Role = domain.Role(*d.Role)
	}
	if d.Verified != nil {
		u.EmailVerified = *d.Verified
	}
	if d.Hash != nil {
		u.PasswordHash = *d.Hash
	}
	if d.Created != nil {
		u.CreatedAt = *d.Created
	}
	if d.Updated != nil {
		u.UpdatedAt = *d.Updated
	}
	if d.LastLogin != nil {
		u.LastLoginAt = *d.LastLogin
	}
	if d.FullName != nil {
		u.FullName = *d.FullName
	}
	if d.Nationality != nil {
		u.Nationality = *d.Nationality
	}
	if d.Phone != nil {
		u.Phone = *d.Phone
	}
	if d.VerifyToken != nil {
		u.EmailVerificationToken = *d.VerifyToken
	}
	if d.ResetToken != nil {
		u.PasswordResetToken = *d.ResetToken
	}
	if d.ResetExpiry != nil {
		u.PasswordResetExpires = *d.ResetExpiry
	}
	if d.CreatedByAdmin != nil {
		u.CreatedByAdmin = *d.CreatedByAdmin
	}
	if d.InitialPwChange != nil {
		u.InitialPasswordChanged = *d.InitialPwChange
	}
}

// formatDate keeps the date only; time-of-day is intentionally lost.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) *time.Time {
	s = truncateRunes(s, maxDate)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// truncateRunes caps v at limit runes. The directory stores the payload as a
// DirectoryString, so cutting a multibyte sequence mid-rune would make the
// whole write invalid.
func truncateRunes(v string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(v) <= limit {
		return v
	}
	return string([]rune(v)[:limit])
}

// sanitize strips the grammar's delimiters out of values; the format has no
// escaping.
func sanitize(v string) string {
	v = strings.ReplaceAll(v, "|", " ")
	return v
}

func yesNo(b bool) string {
	if b {
		return "S"
	}
	return "N"
}

func boolPtr(b bool) *bool { return &b }
