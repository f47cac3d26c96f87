package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/store"
)

// setupEnv points the CLI at a fresh database and a config file that does
// not exist, so defaults plus env apply.
func setupEnv(t *testing.T) (dir, dbPath string) {
	t.Helper()
	dir = t.TempDir()
	dbPath = filepath.Join(dir, "swarmd.db")
	t.Setenv("SWARMD_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("SWARMD_STORE_PATH", dbPath)
	t.Setenv("SWARMD_AUTH_PEPPER", "test-pepper")
	return dir, dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "swarmd "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestKeysCreateListRevoke(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "keys", "create", "--tenant", "acme", "--name", "ci")
	if err != nil {
		t.Fatalf("keys create: %v", err)
	}
	key := strings.TrimSpace(out)
	if !strings.HasPrefix(key, "sk-") {
		t.Fatalf("key = %q, want sk- prefix", key)
	}

	out, err = run(t, "keys", "list", "--tenant", "acme")
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out, "ci") || !strings.Contains(out, "active") {
		t.Errorf("list output missing key:\n%s", out)
	}
	if strings.Contains(out, key) {
		t.Error("list output must not contain the plaintext key")
	}

	if _, err := run(t, "keys", "revoke", key); err != nil {
		t.Fatalf("keys revoke: %v", err)
	}
	out, err = run(t, "keys", "list", "--tenant", "acme")
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out, "revoked") {
		t.Errorf("key not shown as revoked:\n%s", out)
	}

	if _, err := run(t, "keys", "revoke", key); err == nil {
		t.Error("second revoke should fail")
	}
}

func TestKeysCreateRequiresTenant(t *testing.T) {
	setupEnv(t)
	if _, err := run(t, "keys", "create"); err == nil {
		t.Error("expected error without --tenant")
	}
}

func TestCreditsGrantShow(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "credits", "grant", "--tenant", "acme", "--free", "10", "--paid", "0.5")
	if err != nil {
		t.Fatalf("credits grant: %v", err)
	}
	if !strings.Contains(out, "available: 10.5") {
		t.Errorf("grant output = %q", out)
	}

	out, err = run(t, "credits", "show", "--tenant", "acme")
	if err != nil {
		t.Fatalf("credits show: %v", err)
	}
	for _, want := range []string{"tenant:    acme", "free:      10", "paid:      0.5", "reserved:  0"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestCreditsGrantRejectsBadAmount(t *testing.T) {
	setupEnv(t)
	if _, err := run(t, "credits", "grant", "--tenant", "acme", "--free", "ten"); err == nil {
		t.Error("expected parse error")
	}
}

func TestExportRoundTrip(t *testing.T) {
	dir, dbPath := setupEnv(t)

	db, err := store.New(config.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tenant := range []string{"acme", "acme", "beta"} {
		e := &store.Execution{
			ID:        []string{"e1", "e2", "e3"}[i],
			TenantID:  tenant,
			SwarmName: "daily",
			SwarmType: "SequentialWorkflow",
			Spec:      json.RawMessage(`{"name":"daily"}`),
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := db.InsertExecution(context.Background(), e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Close()

	path := filepath.Join(dir, "acme.jsonl.zst")
	out, err := run(t, "export", "--tenant", "acme", "-f", path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported 2 records") {
		t.Errorf("export output = %q", out)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	got, err := readExport(f)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "e2" || got[1].ID != "e1" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	for _, e := range got {
		if e.TenantID != "acme" {
			t.Errorf("record %s belongs to %s", e.ID, e.TenantID)
		}
	}

	// --since filters by start time.
	sincePath := filepath.Join(dir, "since.jsonl.zst")
	if _, err := run(t, "export", "--tenant", "acme", "-f", sincePath, "--since", base.Add(30*time.Minute).Format(time.RFC3339)); err != nil {
		t.Fatalf("export --since: %v", err)
	}
	sf, err := os.Open(sincePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer sf.Close()
	got, err = readExport(sf)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("since export = %+v", got)
	}
}

func TestExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeExport(&buf, nil); err != nil {
		t.Fatalf("writeExport: %v", err)
	}
	got, err := readExport(&buf)
	if err != nil {
		t.Fatalf("readExport: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}
