package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"userdir/internal/codec"
	"userdir/internal/config"
	"userdir/internal/directory"
	"userdir/internal/domain"
)

// fakeDir is an in-memory directory shared by every connection a test dials.
type fakeDir struct {
	entries map[string]map[string][]string // dn -> attribute -> values

	dialErr               error
	bindErr               error
	searchErr             error
	failDescriptionModify bool

	searches       int // searches served so far
	searchErrAfter int // fail searches once this many have been served, 0 = never
}

func newFakeDir() *fakeDir {
	return &fakeDir{entries: map[string]map[string][]string{}}
}

type fakeConn struct {
	dir *fakeDir
}

func (c *fakeConn) Bind(username, password string) error { return c.dir.bindErr }
func (c *fakeConn) Close() error                         { return nil }

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d := c.dir
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	d.searches++
	if d.searchErrAfter > 0 && d.searches > d.searchErrAfter {
		return nil, errors.New("server unavailable")
	}
	res := &ldap.SearchResult{}
	if req.Scope == ldap.ScopeBaseObject {
		if attrs, ok := d.entries[req.BaseDN]; ok {
			res.Entries = append(res.Entries, entryFor(req.BaseDN, attrs))
		}
		return res, nil
	}
	filter := strings.TrimSuffix(strings.TrimPrefix(req.Filter, "("), ")")
	name, value, _ := strings.Cut(filter, "=")
	for dn, attrs := range d.entries {
		if filterMatches(name, value, attrs) {
			res.Entries = append(res.Entries, entryFor(dn, attrs))
		}
	}
	return res, nil
}

func filterMatches(name, value string, attrs map[string][]string) bool {
	if value == "*" {
		_, ok := attrs[name]
		return ok
	}
	if strings.HasPrefix(value, "*") && strings.HasSuffix(value, "*") {
		sub := strings.Trim(value, "*")
		for _, v := range attrs[name] {
			if strings.Contains(v, sub) {
				return true
			}
		}
		return false
	}
	for _, v := range attrs[name] {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func entryFor(dn string, attrs map[string][]string) *ldap.Entry {
	e := &ldap.Entry{DN: dn}
	for k, v := range attrs {
		e.Attributes = append(e.Attributes, &ldap.EntryAttribute{Name: k, Values: v})
	}
	return e
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	if _, ok := c.dir.entries[req.DN]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry already exists"))
	}
	attrs := map[string][]string{}
	for _, a := range req.Attributes {
		attrs[a.Type] = a.Vals
	}
	c.dir.entries[req.DN] = attrs
	return nil
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	d := c.dir
	attrs, ok := d.entries[req.DN]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	if d.failDescriptionModify {
		for _, ch := range req.Changes {
			if ch.Modification.Type == attrDescription {
				return ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("server refused description"))
			}
		}
	}
	for _, ch := range req.Changes {
		switch ch.Operation {
		case ldap.ReplaceAttribute:
			// Real servers reject empty values on most syntaxes.
			for _, v := range ch.Modification.Vals {
				if v == "" {
					return ldap.NewError(ldap.LDAPResultInvalidAttributeSyntax, errors.New("empty attribute value"))
				}
			}
			attrs[ch.Modification.Type] = ch.Modification.Vals
		case ldap.DeleteAttribute:
			if _, ok := attrs[ch.Modification.Type]; !ok {
				return ldap.NewError(ldap.LDAPResultNoSuchAttribute, errors.New("no such attribute"))
			}
			delete(attrs, ch.Modification.Type)
		}
	}
	return nil
}

func (c *fakeConn) Del(req *ldap.DelRequest) error {
	if _, ok := c.dir.entries[req.DN]; !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	delete(c.dir.entries, req.DN)
	return nil
}

const testBaseDN = "ou=users,dc=example,dc=com"

func newTestRepo(t *testing.T) (*LDAPUsersRepository, *fakeDir) {
	t.Helper()
	dir := newFakeDir()
	cfg := config.LDAPConfig{
		URL:          "ldap://fake",
		BindDN:       "cn=admin,dc=example,dc=com",
		BindPassword: "secret",
		BaseDN:       testBaseDN,
	}
	client := directory.NewWithDialer(cfg, func(url string) (directory.Conn, error) {
		if dir.dialErr != nil {
			return nil, dir.dialErr
		}
		return &fakeConn{dir: dir}, nil
	}, zap.NewNop())
	return NewLDAPUsersRepository(client, zap.NewNop()), dir
}

func TestGenerateUID(t *testing.T) {
	tests := []struct {
		email string
		id    string
		want  string
	}{
		{"panchi@gmail.com", "any-id", "panchi"},
		{"a.b+test@example.com", "any-id", "abtest"},
		{"JOHN.DOE@EXAMPLE.COM", "any-id", "johndoe"},
		{"averyveryverylongaddress@example.com", "any-id", "averyveryverylo"},
		// Stripped local part shorter than 3 chars: derive from the id.
		{"a@b.com", "9f8e7d6c-1234-5678-9abc-def012345678", "9f8e7d6c"},
		{"+!@b.com", "fe", "fe"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, generateUID(tt.email, tt.id), "email=%s id=%s", tt.email, tt.id)
	}

	// Deterministic outside the timestamp branch.
	assert.Equal(t, generateUID("panchi@gmail.com", "x"), generateUID("panchi@gmail.com", "y"))

	// No usable material at all: timestamp-derived, never empty.
	uid := generateUID("+!@b.com", "----")
	assert.NotEmpty(t, uid)
	assert.True(t, strings.HasPrefix(uid, "u"))
}

func TestCreate_BuildsFullEntry(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{
		ID:          "4f6c2a9e-0b1d-4e5f-8a7b-3c2d1e0f9a8b",
		Email:       "panchi@gmail.com",
		Password:    "hunter2",
		Role:        domain.RoleAdmin,
		FullName:    "Francisco Lopez",
		Nationality: "ES",
		Phone:       "600112233",
	})
	require.NoError(t, err)
	assert.Equal(t, "4f6c2a9e-0b1d-4e5f-8a7b-3c2d1e0f9a8b", created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	dn := "uid=panchi," + testBaseDN
	attrs, ok := dir.entries[dn]
	require.True(t, ok, "entry not created under the derived uid")

	assert.ElementsMatch(t, []string{"top", "inetOrgPerson", "posixAccount", "userdirAdmin"}, attrs["objectClass"])
	assert.Equal(t, []string{"panchi"}, attrs["uid"])
	assert.Equal(t, []string{"Francisco Lopez"}, attrs["cn"])
	assert.Equal(t, []string{"Lopez"}, attrs["sn"])
	assert.Equal(t, []string{"Francisco"}, attrs["givenName"])
	assert.Equal(t, []string{"panchi@gmail.com"}, attrs["mail"])
	assert.Equal(t, []string{"hunter2"}, attrs["userPassword"])
	assert.Equal(t, []string{"admin"}, attrs["employeeType"])
	assert.Equal(t, []string{"600112233"}, attrs["telephoneNumber"])
	assert.Equal(t, []string{"ES"}, attrs["l"])
	assert.Equal(t, []string{"/home/panchi"}, attrs["homeDirectory"])
	assert.NotEmpty(t, attrs["uidNumber"])
	assert.Equal(t, []string{"1000"}, attrs["gidNumber"])

	require.Len(t, attrs["description"], 1)
	d := codec.Decode(attrs["description"][0])
	require.NotNil(t, d.ID)
	assert.Equal(t, created.ID, *d.ID)
}

func TestCreate_DuplicateEmail(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "a"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, &domain.User{Email: "Panchi@Gmail.com", Password: "b"})
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)
}

func TestCreate_RejectsMixedPasswordMaterial(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.Create(context.Background(), &domain.User{
		Email:        "x@example.com",
		Password:     "plain",
		PasswordHash: "$2b$10$hash",
	})
	var val *domain.ValidationError
	require.ErrorAs(t, err, &val)
}

func TestCreate_ConnectionError(t *testing.T) {
	repo, dir := newTestRepo(t)
	dir.dialErr = errors.New("connection refused")

	_, err := repo.Create(context.Background(), &domain.User{Email: "x@example.com"})
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestFindByID_MetadataThenUIDFallback(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "a", FullName: "Francisco Lopez"})
	require.NoError(t, err)

	// Path 1: id embedded in the encoded metadata.
	got, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "panchi@gmail.com", got.Email)
	assert.Equal(t, "Francisco Lopez", got.FullName)

	// Path 2: directory-native entry whose identity lives only in the uid.
	dir.entries["uid=legacy,"+testBaseDN] = map[string][]string{
		"objectClass":  {"top", "inetOrgPerson", "posixAccount"},
		"uid":          {"legacy"},
		"cn":           {"Legacy Person"},
		"sn":           {"Person"},
		"mail":         {"legacy@example.com"},
		"employeeType": {"user"},
	}
	got, err = repo.FindByID(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", got.ID)
	assert.Equal(t, "legacy@example.com", got.Email)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindByID_SearchFailureIsNotFound(t *testing.T) {
	repo, dir := newTestRepo(t)
	dir.searchErr = errors.New("size limit exceeded")

	_, err := repo.FindByID(context.Background(), "whatever")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdate_TwoPhases(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{
		Email:    "panchi@gmail.com",
		Password: "a",
		FullName: "Francisco Lopez",
		Phone:    "600112233",
	})
	require.NoError(t, err)

	name := "Paco Lopez"
	verified := true
	updated, err := repo.Update(ctx, created.ID, UserUpdate{
		FullName:      &name,
		EmailVerified: &verified,
	})
	require.NoError(t, err)
	assert.Equal(t, "Paco Lopez", updated.FullName)
	assert.True(t, updated.EmailVerified)

	attrs := dir.entries["uid=panchi,"+testBaseDN]
	assert.Equal(t, []string{"Paco Lopez"}, attrs["cn"])
	assert.Equal(t, []string{"Lopez"}, attrs["sn"])
	assert.Equal(t, []string{"Paco"}, attrs["givenName"])

	d := codec.Decode(attrs["description"][0])
	require.NotNil(t, d.Verified)
	assert.True(t, *d.Verified)
}

func TestUpdate_ClearingOptionalUsesDelete(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "a", Phone: "600112233"})
	require.NoError(t, err)

	empty := ""
	nation := "AR"
	_, err = repo.Update(ctx, created.ID, UserUpdate{Phone: &empty, Nationality: &nation})
	require.NoError(t, err)

	attrs := dir.entries["uid=panchi,"+testBaseDN]
	_, hasPhone := attrs["telephoneNumber"]
	assert.False(t, hasPhone, "clearing must delete the attribute, not write an empty value")
	assert.Equal(t, []string{"AR"}, attrs["l"])

	// Clearing an attribute the entry never had must not emit a delete
	// (the server would reject it).
	_, err = repo.Update(ctx, created.ID, UserUpdate{Phone: &empty})
	require.NoError(t, err)
}

func TestUpdate_PasswordMaterialRouting(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "hunter2"})
	require.NoError(t, err)
	attrs := dir.entries["uid=panchi,"+testBaseDN]

	// Plaintext refreshes the bind attribute.
	plain := "newsecret"
	_, err = repo.Update(ctx, created.ID, UserUpdate{Password: &plain})
	require.NoError(t, err)
	assert.Equal(t, []string{"newsecret"}, attrs["userPassword"])

	// Pre-hashed material leaves the bind attribute alone and lands in
	// the encoded metadata only.
	hash := "$2b$10$abcdefghijk"
	_, err = repo.Update(ctx, created.ID, UserUpdate{PasswordHash: &hash})
	require.NoError(t, err)
	assert.Equal(t, []string{"newsecret"}, attrs["userPassword"])
	d := codec.Decode(attrs["description"][0])
	require.NotNil(t, d.Hash)
	assert.Equal(t, hash, *d.Hash)
}

func TestUpdate_DescriptionFailureIsNonFatal(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "a"})
	require.NoError(t, err)

	dir.failDescriptionModify = true
	name := "Nuevo Nombre"
	updated, err := repo.Update(ctx, created.ID, UserUpdate{FullName: &name})
	require.NoError(t, err, "metadata refresh failure must not fail the update")
	assert.Equal(t, "Nuevo Nombre", updated.FullName)

	attrs := dir.entries["uid=panchi,"+testBaseDN]
	assert.Equal(t, []string{"Nuevo Nombre"}, attrs["cn"])
}

func TestUpdate_EmailChangeRecreatesEntry(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{
		Email:    "panchi@gmail.com",
		Password: "a",
		FullName: "Francisco Lopez",
		Phone:    "600112233",
	})
	require.NoError(t, err)

	newEmail := "francisco@example.com"
	updated, err := repo.Update(ctx, created.ID, UserUpdate{Email: &newEmail})
	require.NoError(t, err)
	assert.Equal(t, newEmail, updated.Email)

	_, oldExists := dir.entries["uid=panchi,"+testBaseDN]
	assert.False(t, oldExists, "old DN must be removed after the new entry lands")

	attrs, ok := dir.entries["uid=francisco,"+testBaseDN]
	require.True(t, ok, "new DN missing")
	assert.Equal(t, []string{newEmail}, attrs["mail"])
	assert.Equal(t, []string{"600112233"}, attrs["telephoneNumber"])

	// Identity is stable across the recreate.
	got, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, newEmail, got.Email)
}

func TestUpdate_EmailChangeToTakenAddressRejected(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	// A short local part pushes the uid onto the id-prefix branch, so the
	// two entries never collide on DN; only the mail guard protects
	// uniqueness here.
	_, err := repo.Create(ctx, &domain.User{
		ID:       "aaaa1111-0000-4000-8000-000000000001",
		Email:    "ab@x.com",
		Password: "a",
	})
	require.NoError(t, err)

	berto, err := repo.Create(ctx, &domain.User{Email: "berto@example.com", Password: "b"})
	require.NoError(t, err)

	taken := "ab@x.com"
	_, err = repo.Update(ctx, berto.ID, UserUpdate{Email: &taken})
	var dup *domain.DuplicateError
	require.ErrorAs(t, err, &dup)

	holders := 0
	for _, attrs := range dir.entries {
		if filterMatches("mail", "ab@x.com", attrs) {
			holders++
		}
	}
	assert.Equal(t, 1, holders, "exactly one entry may hold the address")
	assert.Equal(t, []string{"berto@example.com"}, dir.entries["uid=berto,"+testBaseDN]["mail"])
}

func TestUpdate_RoleChangeAdjustsMarkerClass(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{
		Email:    "panchi@gmail.com",
		Password: "a",
		Role:     domain.RoleAdmin,
	})
	require.NoError(t, err)

	attrs := dir.entries["uid=panchi,"+testBaseDN]
	assert.Contains(t, attrs["objectClass"], "userdirAdmin")

	demoted := domain.RoleUser
	_, err = repo.Update(ctx, created.ID, UserUpdate{Role: &demoted})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"top", "inetOrgPerson", "posixAccount"}, attrs["objectClass"])

	promoted := domain.RoleModerator
	_, err = repo.Update(ctx, created.ID, UserUpdate{Role: &promoted})
	require.NoError(t, err)
	assert.Contains(t, attrs["objectClass"], "userdirModerator")
	assert.NotContains(t, attrs["objectClass"], "userdirAdmin")
}

func TestUpdate_EmailChangeReadbackFailureKeepsOldEntry(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	berto, err := repo.Create(ctx, &domain.User{Email: "berto@example.com", Password: "a"})
	require.NoError(t, err)

	// Let the id lookup and the uniqueness check through, then make the
	// staged-entry read-back come up empty.
	dir.searchErrAfter = dir.searches + 2

	newEmail := "francisco@example.com"
	_, err = repo.Update(ctx, berto.ID, UserUpdate{Email: &newEmail})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "%!w", "no nil error may be wrapped")

	// The old entry survives; the staged one stays behind for repair.
	assert.Contains(t, dir.entries, "uid=berto,"+testBaseDN)
	assert.Contains(t, dir.entries, "uid=francisco,"+testBaseDN)
}

func TestDelete(t *testing.T) {
	repo, dir := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, &domain.User{Email: "panchi@gmail.com", Password: "a"})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, created.ID))
	assert.Empty(t, dir.entries)

	assert.ErrorIs(t, repo.Delete(ctx, created.ID), domain.ErrNotFound)
}

func TestListingAndCounts(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	seed := []struct {
		email   string
		role    domain.Role
		created time.Time
	}{
		{"ana@example.com", domain.RoleAdmin, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)},
		{"berto@example.com", domain.RoleUser, time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)},
		{"carla@example.com", domain.RoleUser, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	for _, s := range seed {
		_, err := repo.Create(ctx, &domain.User{Email: s.email, Password: "a", Role: s.role, CreatedAt: s.created})
		require.NoError(t, err)
	}

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = repo.CountByRole(ctx, domain.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	admins, err := repo.FindByRole(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "ana@example.com", admins[0].Email)

	// Date-range filtering works on codec-recovered, date-only stamps.
	ranged, err := repo.FindByDateRange(ctx,
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "berto@example.com", ranged[0].Email)

	limited, err := repo.FindAll(ctx, FilterOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
