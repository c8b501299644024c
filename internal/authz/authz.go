// Package authz enforces role-based access with Casbin RBAC. The role
// hierarchy guest < player < crew_leader < moderator < operator < admin
// is encoded once, as grouping edges in the model, so every permission
// granted to a lower role flows to the higher ones.
package authz

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// modelText is the RBAC model: subject roles with inheritance, resource,
// action.
const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// policy lists what each role may do; inheritance supplies the rest.
// Resources are coarse engine surfaces, not URL paths — the transport
// maps a route onto (resource, action) before asking.
var policy = [][3]string{
	{"guest", "stage", "read"},
	{"guest", "plan", "read"},
	{"guest", "gate", "read"},

	{"player", "gate", "vote"},
	{"player", "gate", "stake"},
	{"player", "evidence", "read"},
	{"player", "evidence", "write"},
	{"player", "rumor", "read"},
	{"player", "rumor", "write"},
	{"player", "trace", "read"},
	{"player", "trace", "write"},
	{"player", "crew", "read"},
	{"player", "crew", "join"},
	{"player", "realtime", "subscribe"},
	{"player", "world", "read"},

	{"crew_leader", "crew", "manage"},

	{"moderator", "rumor", "debunk_force"},
	{"moderator", "archive", "read"},

	{"operator", "gate", "cancel"},
	{"operator", "plan", "override"},
	{"operator", "evidence", "grant"},
	{"operator", "world", "write"},
	{"operator", "pack", "bind"},
	{"operator", "theatre", "manage"},

	{"admin", "token", "revoke"},
}

// inheritance chains each role to the one below it.
var inheritance = [][2]string{
	{"player", "guest"},
	{"crew_leader", "player"},
	{"moderator", "crew_leader"},
	{"operator", "moderator"},
	{"admin", "operator"},
}

// Service answers permission checks for the transport boundary.
type Service struct {
	enforcer *casbin.SyncedEnforcer
}

// NewService builds the enforcer from the in-code model and policy.
func NewService() (*Service, error) {
	m, err := casbinmodel.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("parse authz model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	for _, p := range policy {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	for _, g := range inheritance {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, fmt.Errorf("add role edge %v: %w", g, err)
		}
	}
	return &Service{enforcer: e}, nil
}

// Require returns forbidden unless the role may perform action on
// resource.
func (s *Service) Require(role models.Role, resource, action string) error {
	ok, err := s.enforcer.Enforce(role.String(), resource, action)
	if err != nil {
		return apperr.Storagef(err, "authz enforce")
	}
	if !ok {
		return apperr.Forbiddenf("role %q may not %s %s", role.String(), action, resource)
	}
	return nil
}

// RequireRole returns forbidden unless the caller's role meets the
// minimum in the total order.
func (s *Service) RequireRole(role, min models.Role) error {
	if !role.AtLeast(min) {
		return apperr.Forbiddenf("requires at least %q, caller is %q", min.String(), role.String())
	}
	return nil
}

// TokenRevoker is the contract the external auth module calls to consult
// and maintain the token blacklist; internal/storage implements it.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
