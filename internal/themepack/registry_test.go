package themepack

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeBinder struct{ bound map[string]string }

func newFakeBinder() *fakeBinder { return &fakeBinder{bound: map[string]string{}} }

func (f *fakeBinder) GetBoundPack(_ context.Context, theatreID string) (string, bool, error) {
	p, ok := f.bound[theatreID]
	return p, ok, nil
}

func (f *fakeBinder) SetBoundPack(_ context.Context, theatreID, packID string) error {
	f.bound[theatreID] = packID
	return nil
}

const testManifest = `{
  "pack_id": "p1",
  "version": "1.0.0",
  "variables": [{"var_id": "v1", "min": 0, "max": 1, "default": 0.5, "max_change_per_hour": 0.15}],
  "threads": [{"thread_id": "t1", "phases": ["setup", "climax"], "initial_phase": "setup", "world_vars": ["v1"],
    "allowed_beat_types": {"setup": ["b1"], "climax": ["b1"]}}],
  "beats": [{"template_id": "b1", "thread_id": "t1", "thread_phase_in": ["setup"], "stage_tag_any": ["plaza"], "rescue": true}],
  "gates": [{"template_id": "g1", "weight_rule": "sqrt", "resolve_algorithm": "composite"}],
  "evidence_types": [{"type_id": "e1", "name": "Torn Ticket", "grade": "B"}]
}`

func writeTestPack(t *testing.T, dir string) {
	t.Helper()
	packDir := filepath.Join(dir, "p1")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(packDir, "manifest.json"), []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryBindAndGetForTheatre(t *testing.T) {
	dir := t.TempDir()
	writeTestPack(t, dir)
	reg := New(dir, "p1", newFakeBinder())

	p, err := reg.GetForTheatre(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetForTheatre: %v", err)
	}
	if p.PackID != "p1" {
		t.Fatalf("want p1, got %s", p.PackID)
	}
	if v := p.Variables["v1"]; v.Default != 0.5 {
		t.Fatalf("want default 0.5, got %v", v.Default)
	}
}

func TestRegistryBindIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTestPack(t, dir)
	binder := newFakeBinder()
	reg := New(dir, "", binder)
	ctx := context.Background()

	if err := reg.Bind(ctx, "t1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Bind(ctx, "t1", "p1"); err != nil {
		t.Fatalf("second bind should be a no-op, got %v", err)
	}
	if binder.bound["t1"] != "p1" {
		t.Fatalf("expected t1 bound to p1")
	}
}

func TestRegistryValidate(t *testing.T) {
	dir := t.TempDir()
	writeTestPack(t, dir)
	reg := New(dir, "p1", newFakeBinder())

	res, err := reg.Validate("p1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("expected valid pack, got errors: %v", res.Errors)
	}
}

func TestRegistryValidateCatchesUnknownThread(t *testing.T) {
	dir := t.TempDir()
	packDir := filepath.Join(dir, "bad")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bad := `{"pack_id":"bad","version":"1","beats":[{"template_id":"b1","thread_id":"missing"}]}`
	if err := os.WriteFile(filepath.Join(packDir, "manifest.json"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := New(dir, "", newFakeBinder())
	res, err := reg.Validate("bad")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected validation to fail on unknown thread reference")
	}
}

func TestRegistryUnknownVariable(t *testing.T) {
	dir := t.TempDir()
	writeTestPack(t, dir)
	reg := New(dir, "p1", newFakeBinder())
	p, err := reg.Load("p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Variable(p, "nope"); err == nil {
		t.Fatal("expected validation error for unknown variable")
	}
}
