package cli

import (
	"bytes"
	"strings"
	"testing"
)

// run executes the root command against a fresh $SHM_HOME-scoped store.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func setHome(t *testing.T) {
	t.Helper()
	t.Setenv("SHM_HOME", t.TempDir())
	t.Setenv("SHM_LOG_LEVEL", "error")
}

func TestDepositAndWallet(t *testing.T) {
	setHome(t)

	out, err := run(t, "deposit", "alice", "750")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !strings.Contains(out, "Deposited 750 to alice") {
		t.Errorf("deposit output = %q", out)
	}

	out, err = run(t, "wallet", "alice")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("wallet lines = %d, want 2:\n%s", len(lines), out)
	}
	fields := strings.Fields(lines[1])
	if fields[0] != "alice" || fields[1] != "750" {
		t.Errorf("wallet row = %v, want alice 750", fields)
	}

	out, err = run(t, "history", "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "+750") {
		t.Errorf("history output missing credit:\n%s", out)
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	setHome(t)

	if _, err := run(t, "deposit", "alice", "lots"); err == nil {
		t.Fatal("expected error for non-numeric amount")
	}
	if _, err := run(t, "deposit", "alice", "0"); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestReconcile_EmptyLedger(t *testing.T) {
	setHome(t)

	out, err := run(t, "reconcile")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "Ledger consistent.") {
		t.Errorf("reconcile output = %q", out)
	}
}

func TestMatch_NothingOpen(t *testing.T) {
	setHome(t)

	out, err := run(t, "match")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !strings.Contains(out, "No disputes assigned.") {
		t.Errorf("match output = %q", out)
	}
}

func TestContract_NotFound(t *testing.T) {
	setHome(t)

	if _, err := run(t, "contract", "missing"); err == nil {
		t.Fatal("expected error for unknown contract")
	}
}

func TestConfig_PrintsEffective(t *testing.T) {
	setHome(t)
	t.Setenv("SHM_API_PORT", "9100")

	out, err := run(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "port = 9100") {
		t.Errorf("config output missing env override:\n%s", out)
	}
}
