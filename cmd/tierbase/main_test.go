package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`media:
  reduce: false
backends:
  bounded_fast:
    type: memory
    capacity_bytes: 1048576
  indexed:
    type: filesystem
    bucket: %s
  bucketed:
    type: bucketed
    bucket: %s
`, filepath.Join(dir, "indexed"), filepath.Join(dir, "buckets.db"))

	path := filepath.Join(dir, "tierbase.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_PutGetRemove(t *testing.T) {
	config := writeTestConfig(t)
	logPath := filepath.Join(t.TempDir(), "tierbase.log")
	common := []string{"--config", config, "--log-path", logPath}

	out, err := run(t, `{"theme":"dark"}`, append([]string{"put", "settings", "--json", "--tier", "indexed"}, common...)...)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !strings.Contains(out, "unbounded-indexed") {
		t.Errorf("put output = %q", out)
	}

	// A fresh process sees the persisted value
	out, err = run(t, "", append([]string{"get", "settings"}, common...)...)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out, `"theme": "dark"`) {
		t.Errorf("get output = %q", out)
	}

	out, err = run(t, "", append([]string{"ls"}, common...)...)
	if err != nil || strings.TrimSpace(out) != "settings" {
		t.Errorf("ls = %q, %v", out, err)
	}

	if _, err := run(t, "", append([]string{"rm", "settings"}, common...)...); err != nil {
		t.Fatalf("rm failed: %v", err)
	}
	if _, err := run(t, "", append([]string{"get", "settings"}, common...)...); err == nil {
		t.Error("get after rm should fail")
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file not written: %v", err)
	}
}

func TestCLI_Errors(t *testing.T) {
	config := writeTestConfig(t)
	common := []string{"--config", config, "--log-path", filepath.Join(t.TempDir(), "log")}

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"invalid json", "{", []string{"put", "k", "--json"}},
		{"unknown bucket", "x", []string{"put", "k", "--bucket", "nope"}},
		{"unknown tier", "x", []string{"put", "k", "--tier", "tape"}},
		{"missing key", "", []string{"get", "missing"}},
		{"get needs key", "", []string{"get"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.stdin, append(tt.args, common...)...); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := run(t, "", "ls", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestCLI_UsageMaintainAndConfig(t *testing.T) {
	config := writeTestConfig(t)
	common := []string{"--config", config, "--log-path", filepath.Join(t.TempDir(), "log")}

	out, err := run(t, "", append([]string{"usage"}, common...)...)
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	for _, want := range []string{"bounded-fast", "unbounded-indexed", "bucketed", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage output missing %q: %q", want, out)
		}
	}

	out, err = run(t, "", append([]string{"maintain", "--aggressive"}, common...)...)
	if err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if !strings.Contains(out, "SCANNED") || !strings.Contains(out, "target 50%") {
		t.Errorf("maintain output = %q", out)
	}

	out, err = run(t, "", append([]string{"config", "show"}, common...)...)
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "bounded_fast:") || !strings.Contains(out, "capacity_bytes: 1048576") {
		t.Errorf("config output = %q", out)
	}
}
