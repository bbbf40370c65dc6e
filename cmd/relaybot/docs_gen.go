package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/relaybot/pkg/commands"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config and chat command reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// generateDocumentation renders into a temp dir, then either replaces the
// reference tree or compares against it.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	tmpDir, err := os.MkdirTemp("", "relaybot-docs-gen-*")
	if err != nil {
		return fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := writeGeneratedReferences(rootFactory, filepath.Join(tmpDir, "reference")); err != nil {
		return err
	}
	generated, err := readTree(filepath.Join(tmpDir, "reference"))
	if err != nil {
		return err
	}
	dst := filepath.Join(outputDir, "reference")

	if checkOnly {
		existing, err := readTree(dst)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		for rel, want := range generated {
			if got, ok := existing[rel]; !ok || !bytes.Equal(got, want) {
				return fmt.Errorf("docs out of date: %s; run `relaybot docs generate`", rel)
			}
		}
		if len(existing) != len(generated) {
			return fmt.Errorf("docs out of date: stale files under %s", dst)
		}
		return nil
	}

	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	for rel, data := range generated {
		if err := writeTextFile(filepath.Join(dst, rel), string(data)); err != nil {
			return err
		}
	}
	return nil
}

func writeGeneratedReferences(rootFactory func() *cobra.Command, outDir string) error {
	cliRoot := rootFactory()
	markCommandsForDocgen(cliRoot)

	cliDir := filepath.Join(outDir, "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return fmt.Sprintf("# %s\n\n", strings.ReplaceAll(title, "_", " "))
	}
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, func(name string) string { return name }); err != nil {
		return fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(outDir, "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return fmt.Errorf("create man docs dir: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "RELAYBOT", Section: "1", Source: appName}
	if err := cobraDoc.GenManTree(cliRoot, header, manDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}

	configRef, err := buildConfigReferenceMarkdown()
	if err != nil {
		return err
	}
	if err := writeTextFile(filepath.Join(outDir, "config.md"), configRef); err != nil {
		return err
	}

	commandsRef, err := buildChatCommandsReferenceMarkdown()
	if err != nil {
		return err
	}
	return writeTextFile(filepath.Join(outDir, "commands.md"), commandsRef)
}

func markCommandsForDocgen(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if child.Name() == "docs" {
			continue
		}
		markCommandsForDocgen(child)
	}
}

func writeTextFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// readTree maps every file under root (by relative path) to its contents.
func readTree(root string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	return files, err
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() (string, error) {
	defaults, err := flattenConfigDefaults()
	if err != nil {
		return "", err
	}

	var rows []configFieldRow
	collectConfigRows(reflect.TypeOf(config.Config{}), "", "", defaults, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`. ")
	b.WriteString("Environment variables override the file; a `.env` in the working directory is loaded first.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		b.WriteString("| `" + escapePipes(row.Path) + "` | `" + row.Type + "` | `" + escapePipes(valueOr(row.Env, "-")) + "` | `" + escapePipes(valueOr(row.Default, "-")) + "` |\n")
	}
	return b.String(), nil
}

// collectConfigRows walks the json-tagged fields, joining env names with any
// envPrefix of the enclosing struct field.
func collectConfigRows(t reflect.Type, prefix, envPrefix string, defaults map[string]string, rows *[]configFieldRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		jsonTag := strings.TrimSpace(strings.Split(f.Tag.Get("json"), ",")[0])
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		path := jsonTag
		if prefix != "" {
			path = prefix + "." + jsonTag
		}

		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(f.Type, path, envPrefix+f.Tag.Get("envPrefix"), defaults, rows)
			continue
		}

		env := strings.TrimSpace(f.Tag.Get("env"))
		if env != "" {
			env = envPrefix + env
		}
		*rows = append(*rows, configFieldRow{
			Path:    path,
			Type:    friendlyType(f.Type),
			Env:     env,
			Default: defaults[path],
		})
	}
}

func flattenConfigDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var root map[string]interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := map[string]string{}
	flattenMapValues("", root, out)
	return out, nil
}

func flattenMapValues(prefix string, v interface{}, out map[string]string) {
	m, ok := v.(map[string]interface{})
	if !ok {
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
		return
	}
	for k, child := range m {
		next := k
		if prefix != "" {
			next = prefix + "." + k
		}
		flattenMapValues(next, child, out)
	}
}

func friendlyType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + friendlyType(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	default:
		return t.String()
	}
}

type docsSubscriptions struct{}

func (docsSubscriptions) SetSubscribed(context.Context, string, bool) error { return nil }

func (docsSubscriptions) ListSubscribers(context.Context) ([]store.User, error) { return nil, nil }

type docsSchedules struct{}

func (docsSchedules) List(context.Context) ([]store.ScheduledMessage, error) { return nil, nil }

func (docsSchedules) Add(context.Context, string, string) (store.ScheduledMessage, error) {
	return store.ScheduledMessage{}, nil
}

func (docsSchedules) Remove(context.Context, string) (bool, error) { return false, nil }

type docsBroadcasts struct{}

func (docsBroadcasts) BroadcastAll(string, func(int, int, error)) {}

type docsHistory struct{}

func (docsHistory) Reset(context.Context, string) {}

// buildChatCommandsReferenceMarkdown lists every built-in chat command, as
// registered with all optional features enabled.
func buildChatCommandsReferenceMarkdown() (string, error) {
	cfg := config.DefaultConfig()
	d := commands.NewDispatcher(nil, nil)
	if err := commands.RegisterBuiltins(d, commands.Deps{
		BotName:       cfg.Bot.Name,
		Prefix:        cfg.Bot.Prefix,
		History:       docsHistory{},
		Subscriptions: docsSubscriptions{},
		Broadcasts:    docsBroadcasts{},
		Schedules:     docsSchedules{},
	}); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Chat Commands\n\n")
	b.WriteString("Generated from `pkg/commands/builtin.go`. Commands use the `bot.prefix` (default `" + cfg.Bot.Prefix + "`).\n\n")
	b.WriteString("| Command | Aliases | Admin | Description |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, c := range d.Commands(true) {
		usage := cfg.Bot.Prefix + c.Name
		if c.Usage != "" {
			usage += " " + c.Usage
		}
		admin := "no"
		if c.AdminOnly {
			admin = "yes"
		}
		b.WriteString("| `" + escapePipes(usage) + "` | " + valueOr(strings.Join(c.Aliases, ", "), "-") + " | " + admin + " | " + escapePipes(c.Description) + " |\n")
	}
	return b.String(), nil
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
