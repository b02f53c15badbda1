package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAllowAll_ApprovesEverything(t *testing.T) {
	var c Checker = AllowAll{}
	decision, err := c.Approve(context.Background(), Dispatch{
		TaskID:   "t1",
		TaskType: "anything.at_all",
		Handler:  "builtin.exec",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.Verdict != VerdictAllow {
		t.Fatalf("expected allow, got %s", decision.Verdict)
	}
	if c.PolicyVersion() == "" {
		t.Fatal("expected non-empty policy version")
	}
}

func TestLoad_MissingFileYieldsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Default != "allow" {
		t.Fatalf("expected default allow, got %q", p.Default)
	}
}

func TestDefaultYAML_LoadsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(DefaultYAML()), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Default != "allow" {
		t.Fatalf("expected allow default, got %q", p.Default)
	}
	if len(p.DenyHandlers) != 0 || len(p.HoldWindows) != 0 || p.MaxDataBytes != 0 {
		t.Fatalf("starter policy should carry no rules: %+v", p)
	}
}

func TestLoad_ParsesRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := `
default: allow
deny_handlers:
  - builtin.exec
deny_task_types:
  - remediation
max_data_bytes: 1048576
hold_windows:
  - task_type_prefix: bulk
    start_hour: 9
    end_hour: 17
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.DenyHandlers) != 1 || p.DenyHandlers[0] != "builtin.exec" {
		t.Fatalf("deny_handlers wrong: %v", p.DenyHandlers)
	}
	if p.MaxDataBytes != 1048576 {
		t.Fatalf("max_data_bytes wrong: %d", p.MaxDataBytes)
	}
	if len(p.HoldWindows) != 1 || p.HoldWindows[0].EndHour != 17 {
		t.Fatalf("hold_windows wrong: %+v", p.HoldWindows)
	}
}

func TestLoad_RejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad default", "default: maybe\n"},
		{"bad hold hour", "hold_windows:\n  - start_hour: 25\n    end_hour: 3\n"},
		{"negative max bytes", "max_data_bytes: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApprove_DenyRules(t *testing.T) {
	p := Policy{
		Default:       "allow",
		DenyHandlers:  []string{"builtin.exec"},
		DenyTaskTypes: []string{"remediation"},
		DenyDomains:   []string{"production"},
		MaxDataBytes:  1024,
	}
	lp := NewLivePolicy(p)
	ctx := context.Background()

	cases := []struct {
		name     string
		dispatch Dispatch
		want     Verdict
	}{
		{"clean dispatch", Dispatch{TaskType: "analysis.scan", Handler: "builtin.echo"}, VerdictAllow},
		{"denied handler", Dispatch{TaskType: "analysis.scan", Handler: "builtin.exec"}, VerdictDeny},
		{"denied handler subtype", Dispatch{TaskType: "analysis.scan", Handler: "builtin.exec.shell"}, VerdictDeny},
		{"denied task type", Dispatch{TaskType: "remediation", Handler: "builtin.echo"}, VerdictDeny},
		{"denied task subtype", Dispatch{TaskType: "remediation.restart", Handler: "builtin.echo"}, VerdictDeny},
		{"denied domain", Dispatch{TaskType: "analysis.scan", Handler: "builtin.echo", Domain: "production"}, VerdictDeny},
		{"oversize payload", Dispatch{TaskType: "analysis.scan", Handler: "builtin.echo", DataSizeBytes: 2048}, VerdictDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := lp.Approve(ctx, tc.dispatch)
			if err != nil {
				t.Fatalf("approve: %v", err)
			}
			if decision.Verdict != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, decision.Verdict, decision.Reason)
			}
			if tc.want == VerdictDeny && decision.Reason == "" {
				t.Fatal("deny decisions must carry a reason")
			}
		})
	}
}

func TestApprove_OriginRestriction(t *testing.T) {
	lp := NewLivePolicy(Policy{Default: "allow", AllowOrigins: []string{"user_request", "scheduler"}})
	ctx := context.Background()

	allowed, _ := lp.Approve(ctx, Dispatch{TaskType: "t", Handler: "h", Origin: "scheduler"})
	if allowed.Verdict != VerdictAllow {
		t.Fatalf("scheduler origin should pass, got %s", allowed.Verdict)
	}
	denied, _ := lp.Approve(ctx, Dispatch{TaskType: "t", Handler: "h", Origin: "external_api"})
	if denied.Verdict != VerdictDeny {
		t.Fatalf("external_api origin should be denied, got %s", denied.Verdict)
	}
}

func TestApprove_HoldWindowDelays(t *testing.T) {
	lp := NewLivePolicy(Policy{
		Default: "allow",
		HoldWindows: []HoldWindow{
			{TaskTypePrefix: "bulk", StartHour: 9, EndHour: 17},
		},
	})
	lp.now = func() time.Time {
		return time.Date(2026, 8, 21, 11, 30, 0, 0, time.UTC)
	}

	decision, err := lp.Approve(context.Background(), Dispatch{TaskType: "bulk.import", Handler: "h"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.Verdict != VerdictDelay {
		t.Fatalf("expected delay inside window, got %s", decision.Verdict)
	}
	if decision.RetryAfter != 5*time.Hour+30*time.Minute {
		t.Fatalf("expected resume at 17:00 (5h30m), got %v", decision.RetryAfter)
	}

	// Other task types pass through the window untouched.
	other, _ := lp.Approve(context.Background(), Dispatch{TaskType: "analysis.scan", Handler: "h"})
	if other.Verdict != VerdictAllow {
		t.Fatalf("non-matching type should pass, got %s", other.Verdict)
	}

	// Outside the window the same type is allowed.
	lp.now = func() time.Time {
		return time.Date(2026, 8, 21, 20, 0, 0, 0, time.UTC)
	}
	after, _ := lp.Approve(context.Background(), Dispatch{TaskType: "bulk.import", Handler: "h"})
	if after.Verdict != VerdictAllow {
		t.Fatalf("expected allow outside window, got %s", after.Verdict)
	}
}

func TestApprove_DefaultDeny(t *testing.T) {
	lp := NewLivePolicy(Policy{Default: "deny"})
	decision, _ := lp.Approve(context.Background(), Dispatch{TaskType: "t", Handler: "h"})
	if decision.Verdict != VerdictDeny {
		t.Fatalf("expected default deny, got %s", decision.Verdict)
	}
}

func TestReloadFromFile_SwapsRulesAndVersion(t *testing.T) {
	lp := NewLivePolicy(Default())
	before := lp.PolicyVersion()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("default: allow\ndeny_handlers:\n  - builtin.exec\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReloadFromFile(lp, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lp.PolicyVersion() == before {
		t.Fatal("expected version change after reload")
	}
	decision, _ := lp.Approve(context.Background(), Dispatch{TaskType: "t", Handler: "builtin.exec"})
	if decision.Verdict != VerdictDeny {
		t.Fatalf("reloaded rule not applied, got %s", decision.Verdict)
	}

	// A broken file must not clobber the active policy.
	if err := os.WriteFile(path, []byte("default: maybe\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReloadFromFile(lp, path); err == nil {
		t.Fatal("expected reload error for invalid file")
	}
	decision, _ = lp.Approve(context.Background(), Dispatch{TaskType: "t", Handler: "builtin.exec"})
	if decision.Verdict != VerdictDeny {
		t.Fatal("previous policy lost after failed reload")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	lp := NewLivePolicy(Policy{Default: "allow", DenyHandlers: []string{"a"}})
	snap := lp.Snapshot()
	snap.DenyHandlers[0] = "mutated"

	decision, _ := lp.Approve(context.Background(), Dispatch{TaskType: "t", Handler: "a"})
	if decision.Verdict != VerdictDeny {
		t.Fatal("snapshot mutation leaked into live policy")
	}
}
