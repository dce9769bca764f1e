// Package directory wraps the LDAP wire protocol behind the handful of
// operations the repository layer needs. Every logical operation dials and
// binds a fresh connection and closes it on the way out; there is no pooling,
// so concurrent callers never share protocol state.
package directory

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"userdir/internal/config"
	"userdir/internal/domain"
)

// Scope 搜索范围
type Scope int

const (
	ScopeBase    Scope = Scope(ldap.ScopeBaseObject)
	ScopeSubtree Scope = Scope(ldap.ScopeWholeSubtree)
)

// Conn is the slice of *ldap.Conn the client uses; tests substitute a fake.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	Close() error
}

// DialFunc opens an unauthenticated connection to the directory.
type DialFunc func(url string) (Conn, error)

// Attribute 条目属性
type Attribute struct {
	Name   string
	Values []string
}

// ModOp 修改操作类型
type ModOp int

const (
	OpReplace ModOp = iota
	// OpDelete removes the attribute entirely. Required for clearing
	// optional attributes: most syntaxes reject empty string values, so
	// replace-with-empty is not an option.
	OpDelete
)

// Modification 单个属性修改
type Modification struct {
	Op     ModOp
	Name   string
	Values []string
}

// Client 目录客户端
type Client struct {
	cfg    config.LDAPConfig
	dial   DialFunc
	logger *zap.Logger
}

// New creates a client that dials the configured URL.
func New(cfg config.LDAPConfig, logger *zap.Logger) *Client {
	return NewWithDialer(cfg, func(url string) (Conn, error) {
		return ldap.DialURL(url)
	}, logger)
}

// NewWithDialer creates a client with a custom dial function.
func NewWithDialer(cfg config.LDAPConfig, dial DialFunc, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, dial: dial, logger: logger}
}

// BaseDN returns the subtree all user entries live under.
func (c *Client) BaseDN() string { return c.cfg.BaseDN }

// connect dials and binds the service account. Failures here are fatal for
// the calling operation.
func (c *Client) connect(op string) (Conn, error) {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return nil, &domain.ConnectionError{Op: op, Err: err}
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		_ = conn.Close()
		return nil, &domain.ConnectionError{Op: op, Err: err}
	}
	return conn, nil
}

// Search runs a search under base. A failed search is reported as an empty
// result, not an error: "not found" is a normal outcome for every caller.
// Only connect/bind failures propagate.
func (c *Client) Search(ctx context.Context, base string, scope Scope, filter string, attrs []string) ([]*ldap.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.connect("search")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		base,
		int(scope),
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attrs,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			c.logger.Warn("directory search failed, treating as empty result",
				zap.String("base", base),
				zap.String("filter", filter),
				zap.Error(err),
			)
		}
		return nil, nil
	}
	return res.Entries, nil
}

// Add creates a new entry.
func (c *Client) Add(ctx context.Context, dn string, attrs []Attribute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.connect("add")
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewAddRequest(dn, nil)
	for _, a := range attrs {
		req.Attribute(a.Name, a.Values)
	}
	if err := conn.Add(req); err != nil {
		return fmt.Errorf("add %s: %w", dn, err)
	}
	return nil
}

// Modify applies the given attribute changes to an existing entry.
func (c *Client) Modify(ctx context.Context, dn string, mods []Modification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(mods) == 0 {
		return nil
	}
	conn, err := c.connect("modify")
	if err != nil {
		return err
	}
	defer conn.Close()

	req := ldap.NewModifyRequest(dn, nil)
	for _, m := range mods {
		switch m.Op {
		case OpReplace:
			req.Replace(m.Name, m.Values)
		case OpDelete:
			req.Delete(m.Name, m.Values)
		}
	}
	if err := conn.Modify(req); err != nil {
		return fmt.Errorf("modify %s: %w", dn, err)
	}
	return nil
}

// Delete removes an entry.
func (c *Client) Delete(ctx context.Context, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.connect("delete")
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return fmt.Errorf("delete %s: %w", dn, err)
	}
	return nil
}
