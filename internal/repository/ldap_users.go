package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"userdir/internal/codec"
	"userdir/internal/directory"
	"userdir/internal/domain"
)

// Standard attributes of the user entry. The role lives in employeeType;
// description carries the codec payload because it is universally present
// and unconstrained, unlike schema extensions.
const (
	attrUID         = "uid"
	attrCN          = "cn"
	attrSN          = "sn"
	attrGivenName   = "givenName"
	attrMail        = "mail"
	attrPassword    = "userPassword"
	attrRole        = "employeeType"
	attrPhone       = "telephoneNumber"
	attrNationality = "l"
	attrDescription = "description"
)

// Marker object classes for elevated roles.
var roleObjectClass = map[domain.Role]string{
	domain.RoleAdmin:     "userdirAdmin",
	domain.RoleModerator: "userdirModerator",
}

var userAttributes = []string{
	attrUID, attrCN, attrSN, attrGivenName, attrMail,
	attrRole, attrPhone, attrNationality, attrDescription,
}

const (
	gidNumber  = "1000"
	loginShell = "/usr/sbin/nologin"

	maxUIDLen       = 15
	minLocalPartLen = 3
	idPrefixLen     = 8
)

// LDAPUsersRepository 目录后端账号存储
type LDAPUsersRepository struct {
	client *directory.Client
	logger *zap.Logger
}

// NewLDAPUsersRepository 创建目录 Repository
func NewLDAPUsersRepository(client *directory.Client, logger *zap.Logger) *LDAPUsersRepository {
	return &LDAPUsersRepository{client: client, logger: logger}
}

var _ UserRepository = (*LDAPUsersRepository)(nil)

// generateUID derives the directory identity key from the email local part:
// lowercase, alphanumerics only, at most 15 characters. Local parts that
// strip down to fewer than 3 characters fall back to the first 8
// alphanumerics of the record id; an id with no alphanumerics at all falls
// back to a timestamp-derived string (the only non-deterministic branch).
func generateUID(email, id string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	s := stripNonAlnum(strings.ToLower(local))
	if len(s) >= minLocalPartLen {
		if len(s) > maxUIDLen {
			s = s[:maxUIDLen]
		}
		return s
	}
	s = stripNonAlnum(strings.ToLower(id))
	if len(s) > idPrefixLen {
		s = s[:idPrefixLen]
	}
	if s != "" {
		return s
	}
	return "u" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

// uidNumberFor derives a stable posixAccount uidNumber from the uid.
func uidNumberFor(uid string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return strconv.FormatUint(uint64(10000+h.Sum32()%50000), 10)
}

func (r *LDAPUsersRepository) dn(uid string) string {
	return fmt.Sprintf("%s=%s,%s", attrUID, uid, r.client.BaseDN())
}

// splitName breaks a full name into givenName/sn the way the directory
// schema wants them. Single-token names double as surname.
func splitName(full, fallback string) (given, sur string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", fallback
	case 1:
		return fields[0], fields[0]
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// objectClasses returns the full class set for a role, marker included.
func objectClasses(role domain.Role) []string {
	classes := []string{"top", "inetOrgPerson", "posixAccount"}
	if marker, ok := roleObjectClass[role]; ok {
		classes = append(classes, marker)
	}
	return classes
}

// buildAttributes assembles the full attribute set for a new entry.
func buildAttributes(u *domain.User, uid string) []directory.Attribute {
	classes := objectClasses(u.Role)

	cn := u.FullName
	if cn == "" {
		cn = uid
	}
	given, sur := splitName(u.FullName, uid)

	attrs := []directory.Attribute{
		{Name: "objectClass", Values: classes},
		{Name: attrUID, Values: []string{uid}},
		{Name: attrCN, Values: []string{cn}},
		{Name: attrSN, Values: []string{sur}},
		{Name: attrMail, Values: []string{u.Email}},
		{Name: "uidNumber", Values: []string{uidNumberFor(uid)}},
		{Name: "gidNumber", Values: []string{gidNumber}},
		{Name: "homeDirectory", Values: []string{"/home/" + uid}},
		{Name: "loginShell", Values: []string{loginShell}},
	}
	if given != "" {
		attrs = append(attrs, directory.Attribute{Name: attrGivenName, Values: []string{given}})
	}
	// The bind attribute stores whichever material was supplied; a
	// pre-hashed credential still lands here on create so the entry can
	// exist, even though the directory cannot bind against it.
	if u.Password != "" {
		attrs = append(attrs, directory.Attribute{Name: attrPassword, Values: []string{u.Password}})
	} else if u.PasswordHash != "" {
		attrs = append(attrs, directory.Attribute{Name: attrPassword, Values: []string{u.PasswordHash}})
	}
	role := u.Role
	if role == "" {
		role = domain.RoleUser
	}
	attrs = append(attrs, directory.Attribute{Name: attrRole, Values: []string{string(role)}})
	if u.Phone != "" {
		attrs = append(attrs, directory.Attribute{Name: attrPhone, Values: []string{u.Phone}})
	}
	if u.Nationality != "" {
		attrs = append(attrs, directory.Attribute{Name: attrNationality, Values: []string{u.Nationality}})
	}
	attrs = append(attrs, directory.Attribute{Name: attrDescription, Values: []string{codec.Encode(u)}})
	return attrs
}

// entryToUser rebuilds a record from a directory entry. The codec payload is
// decoded first; standard attributes then override their truncated codec
// counterparts (cn beats Nom, telephoneNumber beats Tel, and so on).
func entryToUser(entry *ldap.Entry) *domain.User {
	u := &domain.User{}
	codec.Decode(entry.GetAttributeValue(attrDescription)).Apply(u)

	if v := entry.GetAttributeValue(attrMail); v != "" {
		u.Email = v
	}
	if v := entry.GetAttributeValue(attrCN); v != "" {
		u.FullName = v
	}
	if v := entry.GetAttributeValue(attrRole); v != "" && domain.ValidRole(domain.Role(v)) {
		u.Role = domain.Role(v)
	}
	if v := entry.GetAttributeValue(attrPhone); v != "" {
		u.Phone = v
	}
	if v := entry.GetAttributeValue(attrNationality); v != "" {
		u.Nationality = v
	}
	if u.ID == "" {
		// Directory-native entry: identity lives only in the uid.
		u.ID = entry.GetAttributeValue(attrUID)
	}
	return u
}

// findEntryByID resolves an entry through the dual lookup path: encoded
// metadata id first (covers migrated records carrying a foreign id), then a
// direct uid equality search (covers records whose identity lives only in
// the directory).
func (r *LDAPUsersRepository) findEntryByID(ctx context.Context, id string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(%s=*ID:%s*)", attrDescription, ldap.EscapeFilter(id))
	entries, err := r.client.Search(ctx, r.client.BaseDN(), directory.ScopeSubtree, filter, userAttributes)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		// Substring match can overmatch on id prefixes; confirm on the
		// decoded payload.
		if d := codec.Decode(e.GetAttributeValue(attrDescription)); d.ID != nil && *d.ID == id {
			return e, nil
		}
	}

	filter = fmt.Sprintf("(%s=%s)", attrUID, ldap.EscapeFilter(id))
	entries, err = r.client.Search(ctx, r.client.BaseDN(), directory.ScopeSubtree, filter, userAttributes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// lookupByDN tries a direct base-scope read of dn and falls back to a
// subtree uid search; some deployments refuse base-scope reads, so the
// fallback is about resilience, not correctness.
func (r *LDAPUsersRepository) lookupByDN(ctx context.Context, dn, uid string) (*ldap.Entry, error) {
	entries, err := r.client.Search(ctx, dn, directory.ScopeBase, "(objectClass=*)", userAttributes)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries[0], nil
	}
	filter := fmt.Sprintf("(%s=%s)", attrUID, ldap.EscapeFilter(uid))
	entries, err = r.client.Search(ctx, r.client.BaseDN(), directory.ScopeSubtree, filter, userAttributes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *LDAPUsersRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	entry, err := r.findEntryByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}
	return entryToUser(entry), nil
}

func (r *LDAPUsersRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	entry, err := r.findEntryByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}
	return entryToUser(entry), nil
}

func (r *LDAPUsersRepository) findEntryByEmail(ctx context.Context, email string) (*ldap.Entry, error) {
	filter := fmt.Sprintf("(%s=%s)", attrMail, ldap.EscapeFilter(email))
	entries, err := r.client.Search(ctx, r.client.BaseDN(), directory.ScopeSubtree, filter, userAttributes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *LDAPUsersRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	entry, err := r.findEntryByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (r *LDAPUsersRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	// Read-then-write: the directory has no unique constraint on mail, so
	// this check is the only duplicate guard on this backend.
	exists, err := r.ExistsByEmail(ctx, user.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &domain.DuplicateError{Email: user.Email}
	}

	created := *user
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Role == "" {
		created.Role = domain.RoleUser
	}
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now

	uid := generateUID(created.Email, created.ID)
	if err := r.client.Add(ctx, r.dn(uid), buildAttributes(&created, uid)); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return nil, &domain.DuplicateError{Email: created.Email}
		}
		return nil, err
	}

	r.logger.Info("created directory entry",
		zap.String("uid", uid),
		zap.String("user_id", created.ID),
	)
	return &created, nil
}

// Update runs in two phases. Phase 1 (critical): required attributes via
// replace, optional attributes via replace-or-delete, bind password only when
// plaintext material was supplied. Phase 2 (best effort): refresh the encoded
// description; a failure there is logged and swallowed because phase 1
// already landed the update's primary intent.
func (r *LDAPUsersRepository) Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	entry, err := r.findEntryByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}

	current := entryToUser(entry)
	merged := *current
	applyUpdate(&merged, upd)
	merged.UpdatedAt = time.Now().UTC()
	if merged.Role == "" {
		merged.Role = domain.RoleUser
	}

	currentUID := entry.GetAttributeValue(attrUID)
	newUID := currentUID
	if upd.Email != nil && !domain.EmailEquals(*upd.Email, current.Email) {
		// Same read-then-write guard as Create: the directory has no
		// unique constraint on mail.
		exists, err := r.ExistsByEmail(ctx, merged.Email)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &domain.DuplicateError{Email: merged.Email}
		}
		newUID = generateUID(merged.Email, merged.ID)
	}
	if newUID != currentUID {
		return r.recreate(ctx, entry.DN, &merged, newUID)
	}

	var mods []directory.Modification
	cn := merged.FullName
	if cn == "" {
		cn = currentUID
	}
	given, sur := splitName(merged.FullName, currentUID)
	mods = append(mods,
		directory.Modification{Op: directory.OpReplace, Name: attrCN, Values: []string{cn}},
		directory.Modification{Op: directory.OpReplace, Name: attrSN, Values: []string{sur}},
		directory.Modification{Op: directory.OpReplace, Name: attrMail, Values: []string{merged.Email}},
		directory.Modification{Op: directory.OpReplace, Name: attrRole, Values: []string{string(merged.Role)}},
		// Keep the marker class in step with the role; a demotion must
		// shed it.
		directory.Modification{Op: directory.OpReplace, Name: "objectClass", Values: objectClasses(merged.Role)},
	)
	if given != "" {
		mods = append(mods, directory.Modification{Op: directory.OpReplace, Name: attrGivenName, Values: []string{given}})
	}
	// Plaintext refreshes the live bind credential; pre-hashed material
	// leaves it untouched so the directory can keep authenticating while
	// the application verifies against the hash in the metadata.
	if upd.Password != nil && *upd.Password != "" {
		mods = append(mods, directory.Modification{Op: directory.OpReplace, Name: attrPassword, Values: []string{*upd.Password}})
	}
	mods = appendOptionalMod(mods, entry, attrPhone, upd.Phone)
	mods = appendOptionalMod(mods, entry, attrNationality, upd.Nationality)

	if err := r.client.Modify(ctx, entry.DN, mods); err != nil {
		return nil, err
	}

	descMods := []directory.Modification{
		{Op: directory.OpReplace, Name: attrDescription, Values: []string{codec.Encode(&merged)}},
	}
	if err := r.client.Modify(ctx, entry.DN, descMods); err != nil {
		r.logger.Warn("description metadata refresh failed after attribute update",
			zap.String("dn", entry.DN),
			zap.String("user_id", merged.ID),
			zap.Error(err),
		)
	}

	return &merged, nil
}

// appendOptionalMod emits a replace for a non-empty value and a delete for an
// explicit clear. Empty strings must never ride in a replace: the protocol
// rejects empty values on most attribute syntaxes. Deleting an attribute the
// entry never had would also error, so clears are skipped in that case.
func appendOptionalMod(mods []directory.Modification, entry *ldap.Entry, name string, value *string) []directory.Modification {
	if value == nil {
		return mods
	}
	if *value != "" {
		return append(mods, directory.Modification{Op: directory.OpReplace, Name: name, Values: []string{*value}})
	}
	if entry.GetAttributeValue(name) != "" {
		return append(mods, directory.Modification{Op: directory.OpDelete, Name: name, Values: nil})
	}
	return mods
}

// recreate handles identity-changing updates: the DN is keyed by uid, so an
// email change means add-under-new-DN then delete-old-DN. The new entry is
// read back before the old one is removed; a crash in between leaves two
// entries decoding to the same record id for a repair pass to reconcile.
func (r *LDAPUsersRepository) recreate(ctx context.Context, oldDN string, merged *domain.User, newUID string) (*domain.User, error) {
	newDN := r.dn(newUID)
	if err := r.client.Add(ctx, newDN, buildAttributes(merged, newUID)); err != nil {
		return nil, fmt.Errorf("staging entry for identity change: %w", err)
	}

	staged, err := r.lookupByDN(ctx, newDN, newUID)
	if err != nil {
		return nil, fmt.Errorf("staged entry %s not readable, keeping %s: %w", newDN, oldDN, err)
	}
	if staged == nil {
		return nil, fmt.Errorf("staged entry %s missing after add, keeping %s", newDN, oldDN)
	}

	if err := r.client.Delete(ctx, oldDN); err != nil {
		r.logger.Error("old entry left behind after identity change",
			zap.String("old_dn", oldDN),
			zap.String("new_dn", newDN),
			zap.Error(err),
		)
		return nil, err
	}

	r.logger.Info("recreated entry for identity change",
		zap.String("old_dn", oldDN),
		zap.String("new_dn", newDN),
		zap.String("user_id", merged.ID),
	)
	return merged, nil
}

func (r *LDAPUsersRepository) Delete(ctx context.Context, id string) error {
	entry, err := r.findEntryByID(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return domain.ErrNotFound
	}
	return r.client.Delete(ctx, entry.DN)
}

// listAll fetches every user entry; the directory cannot filter on
// codec-encoded fields, so all list-shaped queries filter client-side.
func (r *LDAPUsersRepository) listAll(ctx context.Context) ([]*domain.User, error) {
	entries, err := r.client.Search(ctx, r.client.BaseDN(), directory.ScopeSubtree,
		"(objectClass=inetOrgPerson)", userAttributes)
	if err != nil {
		return nil, err
	}
	users := make([]*domain.User, 0, len(entries))
	for _, e := range entries {
		users = append(users, entryToUser(e))
	}
	return users, nil
}

func (r *LDAPUsersRepository) FindAll(ctx context.Context, opts FilterOptions) ([]*domain.User, error) {
	users, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}
	filtered := users[:0]
	for _, u := range users {
		if opts.Role != "" && u.Role != opts.Role {
			continue
		}
		if !inDateRange(u.CreatedAt, opts.CreatedFrom, opts.CreatedTo) {
			continue
		}
		filtered = append(filtered, u)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []*domain.User{}, nil
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

func (r *LDAPUsersRepository) FindByRole(ctx context.Context, role domain.Role) ([]*domain.User, error) {
	return r.FindAll(ctx, FilterOptions{Role: role})
}

func (r *LDAPUsersRepository) Count(ctx context.Context) (int, error) {
	users, err := r.listAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

func (r *LDAPUsersRepository) CountByRole(ctx context.Context, role domain.Role) (int, error) {
	users, err := r.FindByRole(ctx, role)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// FindByDateRange compares against the codec-recovered timestamps, which are
// date-only; callers must not expect sub-day precision.
func (r *LDAPUsersRepository) FindByDateRange(ctx context.Context, from, to time.Time) ([]*domain.User, error) {
	return r.FindAll(ctx, FilterOptions{CreatedFrom: from, CreatedTo: to})
}

func inDateRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(truncateDay(from)) {
		return false
	}
	if !to.IsZero() && t.After(endOfDay(to)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return truncateDay(t).Add(24*time.Hour - time.Nanosecond)
}

// applyUpdate folds a partial update onto a record.
func applyUpdate(u *domain.User, upd UserUpdate) {
	if upd.Email != nil && *upd.Email != "" {
		u.Email = *upd.Email
	}
	if upd.Password != nil && *upd.Password != "" {
		u.Password = *upd.Password
		u.PasswordHash = ""
	}
	if upd.PasswordHash != nil && *upd.PasswordHash != "" {
		u.PasswordHash = *upd.PasswordHash
		u.Password = ""
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Nationality != nil {
		u.Nationality = *upd.Nationality
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.LastLoginAt != nil {
		u.LastLoginAt = *upd.LastLoginAt
	}
	if upd.PasswordResetToken != nil {
		u.PasswordResetToken = *upd.PasswordResetToken
	}
	if upd.PasswordResetExpires != nil {
		u.PasswordResetExpires = *upd.PasswordResetExpires
	}
	if upd.EmailVerificationToken != nil {
		u.EmailVerificationToken = *upd.EmailVerificationToken
	}
	if upd.InitialPasswordChanged != nil {
		u.InitialPasswordChanged = *upd.InitialPasswordChanged
	}
}
