package main

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// run executes gatewayctl against a SQLite file and returns stdout.
func run(t *testing.T, dsn, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--driver", "sqlite", "--dsn", dsn}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCredentialLifecycle(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ctl.db")

	out, err := run(t, dsn, "", "credential", "add", "--label", "a@example.com", "--secret", "secret-aaaa-1111")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "added credential 1") {
		t.Errorf("add output = %q", out)
	}

	if _, err := run(t, dsn, "secret-bbbb-2222\n", "credential", "add", "--label", "b@example.com", "--secret", "-"); err != nil {
		t.Fatalf("add from stdin: %v", err)
	}

	out, err = run(t, dsn, "", "credential", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ia, ib := strings.Index(out, "a@example.com"), strings.Index(out, "b@example.com")
	if ia < 0 || ib < 0 || ia > ib {
		t.Errorf("list should show both credentials in insertion order:\n%s", out)
	}
	if strings.Contains(out, "secret-aaaa-1111") {
		t.Error("list must not print full secrets")
	}

	if _, err := run(t, dsn, "", "credential", "remove", "1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, _ = run(t, dsn, "", "credential", "list")
	if strings.Contains(out, "a@example.com") {
		t.Errorf("removed credential still listed:\n%s", out)
	}

	if _, err := run(t, dsn, "", "credential", "remove", "1"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("removing twice: err = %v, want not found", err)
	}
}

func TestCredentialAdd_RequiresFlags(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ctl.db")
	if _, err := run(t, dsn, "", "credential", "add", "--label", "x"); err == nil {
		t.Error("expected error without --secret")
	}
}

func TestTokenLifecycle(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ctl.db")

	out, err := run(t, dsn, "", "token", "issue")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m := regexp.MustCompile(`token: (\S+)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("issue output = %q", out)
	}
	secret := m[1]

	out, err = run(t, dsn, "", "token", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, secret) {
		t.Error("list should mask tokens by default")
	}

	out, _ = run(t, dsn, "", "token", "list", "--reveal")
	if !strings.Contains(out, secret) {
		t.Errorf("--reveal should print the token:\n%s", out)
	}

	if _, err := run(t, dsn, "", "token", "revoke", "1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, _ = run(t, dsn, "", "token", "list", "--reveal")
	if strings.Contains(out, secret) {
		t.Error("revoked token still listed")
	}
}

func TestRevoke_InvalidID(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ctl.db")
	for _, arg := range []string{"abc", "0", "-1"} {
		if _, err := run(t, dsn, "", "token", "revoke", "--", arg); err == nil {
			t.Errorf("revoke %q: expected error", arg)
		}
	}
}

func TestMask(t *testing.T) {
	if got := mask("short"); got != "********" {
		t.Errorf("mask(short) = %q", got)
	}
	if got := mask("abcd-efgh-ijkl"); got != "abcd…ijkl" {
		t.Errorf("mask = %q", got)
	}
}
