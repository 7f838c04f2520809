package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "doctor", "apikey", "bot", "team", "task", "subscription", "execution"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	if root.PersistentFlags().Lookup("home") == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func runCLI(t *testing.T, home string, args ...string) string {
	t.Helper()
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--home", home}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("wegent %s: %v\noutput: %s", strings.Join(args, " "), err, buf.String())
	}
	return buf.String()
}

func TestApikeyGenerate(t *testing.T) {
	out := runCLI(t, t.TempDir(), "apikey", "generate")
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "WEGENT_API_KEY") {
		t.Errorf("output should mention WEGENT_API_KEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestDoctor(t *testing.T) {
	out := runCLI(t, t.TempDir(), "doctor")
	if !strings.Contains(out, "ok") {
		t.Errorf("doctor output = %q", out)
	}
}

func TestBotAndTeamLifecycle(t *testing.T) {
	home := t.TempDir()

	out := runCLI(t, home, "bot", "add", "--name", "planner", "--model", "gpt-test")
	if !strings.Contains(out, "Created bot default/planner") {
		t.Fatalf("bot add output = %q", out)
	}
	runCLI(t, home, "bot", "add", "--name", "builder")

	spec := `name: pipeline
members:
  - bot: planner
    require_confirmation: true
  - bot: builder
`
	specPath := filepath.Join(home, "team.yaml")
	if err := os.WriteFile(specPath, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	out = runCLI(t, home, "team", "apply", "-f", specPath)
	if !strings.Contains(out, `Created team "pipeline" with 2 stages`) {
		t.Fatalf("team apply output = %q", out)
	}

	out = runCLI(t, home, "team", "list")
	if !strings.Contains(out, "default/pipeline (stages=2)") {
		t.Fatalf("team list output = %q", out)
	}

	out = runCLI(t, home, "task", "add", "--team", "pipeline", "--title", "ship it")
	if !strings.Contains(out, "Created task 1") {
		t.Fatalf("task add output = %q", out)
	}
	out = runCLI(t, home, "task", "list", "--team", "pipeline")
	if !strings.Contains(out, "#1 ship it [pending]") {
		t.Fatalf("task list output = %q", out)
	}

	out = runCLI(t, home, "task", "stage", "1")
	if !strings.Contains(out, "stage 1/2") {
		t.Fatalf("task stage output = %q", out)
	}
	if !strings.Contains(out, "[gate]") {
		t.Fatalf("task stage output missing gate marker: %q", out)
	}

	runCLI(t, home, "team", "remove", "--name", "pipeline")
	out = runCLI(t, home, "team", "list")
	if !strings.Contains(out, "No teams.") {
		t.Fatalf("team list after remove = %q", out)
	}
}

func TestTeamApplyRejectsUnknownBot(t *testing.T) {
	home := t.TempDir()
	specPath := filepath.Join(home, "team.yaml")
	spec := "name: broken\nmembers:\n  - bot: ghost\n"
	if err := os.WriteFile(specPath, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"--home", home, "team", "apply", "-f", specPath})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown member bot")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	home := t.TempDir()

	out := runCLI(t, home, "subscription", "add",
		"--name", "hourly", "--trigger", "interval", "--interval", "3600",
		"--prompt", "check health")
	if !strings.Contains(out, `Created subscription "hourly"`) {
		t.Fatalf("subscription add output = %q", out)
	}
	if !strings.Contains(out, "Next run:") {
		t.Fatalf("subscription add should print the next run: %q", out)
	}

	id := extractSubscriptionID(t, out)

	out = runCLI(t, home, "subscription", "list")
	if !strings.Contains(out, "hourly (interval, enabled)") {
		t.Fatalf("subscription list output = %q", out)
	}

	runCLI(t, home, "subscription", "disable", id)
	out = runCLI(t, home, "subscription", "list")
	if !strings.Contains(out, "(interval, disabled)") {
		t.Fatalf("after disable: %q", out)
	}

	runCLI(t, home, "subscription", "enable", id)
	runCLI(t, home, "subscription", "trigger", id)

	out = runCLI(t, home, "execution", "list", id)
	if !strings.Contains(out, "No executions.") {
		t.Fatalf("execution list output = %q", out)
	}

	runCLI(t, home, "subscription", "remove", id)
	out = runCLI(t, home, "subscription", "list")
	if !strings.Contains(out, "No subscriptions.") {
		t.Fatalf("after remove: %q", out)
	}
}

func extractSubscriptionID(t *testing.T, out string) string {
	t.Helper()
	m := regexp.MustCompile(`\(([0-9a-f-]{36})\)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no subscription id in output: %q", out)
	}
	return m[1]
}
