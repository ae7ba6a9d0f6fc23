package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/friespotatotissue/please/internal/config"
	"github.com/friespotatotissue/please/internal/core"
	"github.com/friespotatotissue/please/internal/store"
)

// runCmd executes the root command with args and returns its stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedSQLite(t *testing.T, recs ...core.IdentityRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "please.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, rec := range recs {
		if err := st.SaveIdentity(context.Background(), rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Fatalf("output = %q, want %q", out, Version)
	}
}

func TestIdentitiesCommandListsSQLite(t *testing.T) {
	db := seedSQLite(t,
		core.IdentityRecord{ID: "aaa", Name: "Anonymous", Color: "#123456"},
		core.IdentityRecord{ID: "bbb", Name: "Pianist", Color: "#abcdef"},
	)

	out, err := runCmd(t, "identities", "--db", db)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	for _, want := range []string{"ID", "aaa", "bbb", "Pianist", "#abcdef"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "identities", "--db", db, "-n", "1")
	if err != nil {
		t.Fatalf("identities -n 1: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(out), "\n"); lines != 1 {
		t.Fatalf("limited output has %d rows:\n%s", lines, out)
	}
}

func TestIdentitiesCommandReadsJSONStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")
	fs := store.NewFileStore(path)
	if err := fs.SaveIdentity(context.Background(), core.IdentityRecord{ID: "zzz", Name: "Json", Color: "#000000"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := runCmd(t, "identities", "--store", config.StoreJSON, "--db", path)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	if !strings.Contains(out, "zzz") || !strings.Contains(out, "Json") {
		t.Fatalf("output = %q", out)
	}
}

func TestIdentitiesCommandEmpty(t *testing.T) {
	out, err := runCmd(t, "identities", "--store", config.StoreMemory)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	if !strings.Contains(out, "No identities found.") {
		t.Fatalf("output = %q", out)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	db := seedSQLite(t)

	if _, err := runCmd(t, "settings", "set", "motd", "welcome", "--db", db); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := runCmd(t, "settings", "get", "motd", "--db", db)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != "welcome" {
		t.Fatalf("get = %q", out)
	}
	if _, err := runCmd(t, "settings", "get", "missing", "--db", db); err == nil {
		t.Fatal("missing setting returned no error")
	}
}

func TestSettingsNeedSQLite(t *testing.T) {
	if _, err := runCmd(t, "settings", "get", "motd", "--store", config.StoreMemory); err == nil {
		t.Fatal("settings worked without sqlite")
	}
}

func TestStatusCommand(t *testing.T) {
	db := seedSQLite(t, core.IdentityRecord{ID: "aaa", Name: "A", Color: "#111111"})
	out, err := runCmd(t, "status", "--db", db)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Identities: 1") || !strings.Contains(out, settingLastStarted+": -") {
		t.Fatalf("status output:\n%s", out)
	}
}

func TestBackupCommand(t *testing.T) {
	db := seedSQLite(t, core.IdentityRecord{ID: "aaa", Name: "A", Color: "#111111"})
	dest := filepath.Join(t.TempDir(), "copy.db")

	if _, err := runCmd(t, "backup", dest, "--db", db); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file: %v", err)
	}
	out, err := runCmd(t, "identities", "--db", dest)
	if err != nil {
		t.Fatalf("identities on backup: %v", err)
	}
	if !strings.Contains(out, "aaa") {
		t.Fatalf("backup lost identities:\n%s", out)
	}

	if _, err := runCmd(t, "backup", dest, "--db", db); err == nil {
		t.Fatal("backup overwrote an existing file")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "floppy"
	if err := runServe(context.Background(), cfg); err == nil {
		t.Fatal("invalid store accepted")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "please.db")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if v, ok, _ := st.GetSetting(context.Background(), settingVersion); !ok || v != Version {
		t.Fatalf("recorded version = %q, %v", v, ok)
	}
}
