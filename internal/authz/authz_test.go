package authz

import (
	"testing"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

func TestRoleInheritance(t *testing.T) {
	s, err := NewService()
	if err != nil {
		t.Fatal(err)
	}

	// A guest reads stages but cannot vote.
	if err := s.Require(models.RoleGuest, "stage", "read"); err != nil {
		t.Fatalf("guest must read stages: %v", err)
	}
	if err := s.Require(models.RoleGuest, "gate", "vote"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("guest must not vote, got %v", err)
	}

	// Everything below a role flows up the chain.
	if err := s.Require(models.RoleAdmin, "stage", "read"); err != nil {
		t.Fatalf("admin inherits guest reads: %v", err)
	}
	if err := s.Require(models.RoleOperator, "gate", "vote"); err != nil {
		t.Fatalf("operator inherits player votes: %v", err)
	}

	// Operator-only surfaces stay above players.
	if err := s.Require(models.RolePlayer, "gate", "cancel"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("player must not cancel gates, got %v", err)
	}
	if err := s.Require(models.RoleOperator, "gate", "cancel"); err != nil {
		t.Fatalf("operator cancels gates: %v", err)
	}

	// Token revocation is admin-only.
	if err := s.Require(models.RoleOperator, "token", "revoke"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("operator must not revoke tokens, got %v", err)
	}
	if err := s.Require(models.RoleAdmin, "token", "revoke"); err != nil {
		t.Fatalf("admin revokes tokens: %v", err)
	}
}

func TestRequireRoleTotalOrder(t *testing.T) {
	s, err := NewService()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RequireRole(models.RoleModerator, models.RolePlayer); err != nil {
		t.Fatalf("moderator meets player minimum: %v", err)
	}
	if err := s.RequireRole(models.RolePlayer, models.RoleModerator); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("player below moderator must be forbidden, got %v", err)
	}
}

func TestParseRoleTotal(t *testing.T) {
	for _, name := range []string{"guest", "player", "crew_leader", "moderator", "operator", "admin"} {
		r, ok := models.ParseRole(name)
		if !ok {
			t.Fatalf("ParseRole(%q) must succeed", name)
		}
		if r.String() != name {
			t.Fatalf("round-trip %q -> %q", name, r.String())
		}
	}
	if _, ok := models.ParseRole("superuser"); ok {
		t.Fatal("unknown role name must not parse")
	}
}
