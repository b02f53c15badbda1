package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ironvale/taskforge/internal/policy"
)

func main() {
	ctx := context.Background()

	p, err := policy.Load(filepath.Join("/tmp", "taskforge-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}

	live := policy.NewLivePolicy(p)
	allow := func(d policy.Dispatch) bool {
		decision, err := live.Approve(ctx, d)
		if err != nil {
			fmt.Printf("approve_error=%v\n", err)
			os.Exit(1)
		}
		return decision.Verdict == policy.VerdictAllow
	}

	assertTrue("missing_file_allows_shell", allow(policy.Dispatch{TaskType: "shell.exec", Handler: "shell", Origin: "user_request"}))
	assertTrue("missing_file_allows_large_payload", allow(policy.Dispatch{TaskType: "ingest.bulk", Handler: "ingest", DataSizeBytes: 1 << 30}))

	defaults, err := policy.Load("")
	if err != nil {
		fmt.Printf("default_load_error=%v\n", err)
		os.Exit(1)
	}
	assertTrue("empty_path_defaults_allow", defaults.Default == "allow")

	dir, err := os.MkdirTemp("", "taskforge-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(policy.DefaultYAML()), 0o644); err != nil {
		fmt.Printf("write_default_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := policy.Load(policyPath); err != nil {
		fmt.Printf("default_yaml_load_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Println("default_yaml_parses=true")

	strict := "default: allow\ndeny_handlers:\n  - shell\nmax_data_bytes: 1024\n"
	if err := os.WriteFile(policyPath, []byte(strict), 0o644); err != nil {
		fmt.Printf("write_strict_error=%v\n", err)
		os.Exit(1)
	}
	if err := policy.ReloadFromFile(live, policyPath); err != nil {
		fmt.Printf("reload_strict_error=%v\n", err)
		os.Exit(1)
	}

	assertFalse("strict_allows_shell", allow(policy.Dispatch{TaskType: "shell.exec", Handler: "shell.exec", Origin: "user_request"}))
	assertFalse("strict_allows_oversize", allow(policy.Dispatch{TaskType: "ingest.bulk", Handler: "ingest", DataSizeBytes: 4096}))
	assertTrue("strict_allows_small_echo", allow(policy.Dispatch{TaskType: "demo.echo", Handler: "builtin.echo", DataSizeBytes: 64}))

	invalid := "default: maybe\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertFalse("retain_shell_denial", allow(policy.Dispatch{TaskType: "shell.exec", Handler: "shell.exec", Origin: "user_request"}))
	assertTrue("retain_small_echo", allow(policy.Dispatch{TaskType: "demo.echo", Handler: "builtin.echo", DataSizeBytes: 64}))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
