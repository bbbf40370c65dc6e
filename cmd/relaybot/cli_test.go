package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(true)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "relaybot.db")
	cfg.Session.CredentialsPath = filepath.Join(dir, "credentials.json")
	path := filepath.Join(dir, "config.json")
	if err := config.SaveConfig(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, name := range []string{"gateway", "chat", "status", "stats", "logout", "rules", "schedules", "version"} {
		if !strings.Contains(out, name) {
			t.Errorf("help output missing %q:\n%s", name, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, appName+" ") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRulesAddListRemove(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runRootCommandForTest("--config", cfgPath, "rules", "add", "--keyword", "price", "--strategy", "exact", "--priority", "3", "--response", "See the menu")
	if err != nil {
		t.Fatalf("rules add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Added rule") {
		t.Fatalf("unexpected add output %q", out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "rules", "list")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if !strings.Contains(out, "price") || !strings.Contains(out, "exact") {
		t.Fatalf("rule missing from list:\n%s", out)
	}

	if _, err := runRootCommandForTest("--config", cfgPath, "rules", "remove", "999"); err == nil {
		t.Fatal("removing an unknown rule should fail")
	}
	if _, err := runRootCommandForTest("--config", cfgPath, "rules", "add", "--keyword", "x", "--response", "y", "--strategy", "fuzzy"); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}

func TestRulesDisableEnable(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runRootCommandForTest("--config", cfgPath, "rules", "add", "--keyword", "hours", "--response", "9 to 5")
	if err != nil {
		t.Fatalf("rules add: %v\n%s", err, out)
	}
	var id string
	for _, f := range strings.Fields(out) {
		if f != "" && strings.Trim(f, "0123456789") == "" {
			id = f
			break
		}
	}
	if id == "" {
		t.Fatalf("no rule id in %q", out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "rules", "disable", id)
	if err != nil || !strings.Contains(out, "Disabled rule "+id) {
		t.Fatalf("rules disable: %v\n%s", err, out)
	}
	out, err = runRootCommandForTest("--config", cfgPath, "rules", "list")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if !strings.Contains(out, "✗") {
		t.Fatalf("disabled rule still shown active:\n%s", out)
	}

	if _, err := runRootCommandForTest("--config", cfgPath, "rules", "enable", id); err != nil {
		t.Fatalf("rules enable: %v", err)
	}
	if _, err := runRootCommandForTest("--config", cfgPath, "rules", "enable", "999"); err == nil {
		t.Fatal("enabling an unknown rule should fail")
	}
}

func TestStatsShowsTotalsAndRecentMessages(t *testing.T) {
	cfgPath := writeTestConfig(t)
	st, err := store.Open(filepath.Join(filepath.Dir(cfgPath), "relaybot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := st.RecordInbound(ctx, store.MessageRecord{MessageID: "in-1", UserID: "alice", ChatID: "alice", Content: "what are your hours"}); err != nil {
		t.Fatalf("record inbound: %v", err)
	}
	if err := st.RecordOutbound(ctx, store.MessageRecord{MessageID: "out-1", UserID: "alice", ChatID: "alice", Content: "9 to 5", Source: "auto_reply"}); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	_ = st.Close()

	out, err := runRootCommandForTest("--config", cfgPath, "stats", "--limit", "5")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	for _, want := range []string{"Messages: 1 in / 1 out", "what are your hours", "auto_reply"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestSchedulesAddValidatesTrigger(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := runRootCommandForTest("--config", cfgPath, "schedules", "add", "--cron", "whenever", "--message", "hi"); err == nil {
		t.Fatal("invalid trigger should fail")
	}
	if _, err := runRootCommandForTest("--config", cfgPath, "schedules", "add", "--cron", "every day", "--message", "hi", "--target", "group"); err == nil {
		t.Fatal("group target without --to should fail")
	}

	out, err := runRootCommandForTest("--config", cfgPath, "schedules", "add", "--cron", "every day", "--message", "good morning")
	if err != nil {
		t.Fatalf("schedules add: %v\n%s", err, out)
	}
	out, err = runRootCommandForTest("--config", cfgPath, "schedules", "list")
	if err != nil {
		t.Fatalf("schedules list: %v", err)
	}
	if !strings.Contains(out, "good morning") {
		t.Fatalf("schedule missing from list:\n%s", out)
	}
}

func TestLogoutWithoutCredentials(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runRootCommandForTest("--config", cfgPath, "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out, "Credentials removed") {
		t.Fatalf("unexpected logout output %q", out)
	}
}

func TestDocsGenerateThenCheck(t *testing.T) {
	dir := t.TempDir()
	if out, err := runRootCommandForTest("docs", "generate", "--output", dir); err != nil {
		t.Fatalf("docs generate: %v\n%s", err, out)
	}
	for _, rel := range []string{"config.md", "commands.md", filepath.Join("cli", "relaybot.md")} {
		if _, err := os.Stat(filepath.Join(dir, "reference", rel)); err != nil {
			t.Errorf("missing generated %s: %v", rel, err)
		}
	}
	if out, err := runRootCommandForTest("docs", "generate", "--output", dir, "--check"); err != nil {
		t.Fatalf("docs check after generate: %v\n%s", err, out)
	}

	if err := os.WriteFile(filepath.Join(dir, "reference", "config.md"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runRootCommandForTest("docs", "generate", "--output", dir, "--check"); err == nil {
		t.Fatal("check should fail on stale docs")
	}
}

func TestConfigReferenceIncludesEnvNames(t *testing.T) {
	ref, err := buildConfigReferenceMarkdown()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"`bot.prefix`", "RELAYBOT_BOT_PREFIX", "RELAYBOT_PROVIDERS_OPENAI_API_KEY"} {
		if !strings.Contains(ref, want) {
			t.Errorf("config reference missing %s", want)
		}
	}
}
