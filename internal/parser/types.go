package parser

import "github.com/usagehub/usagehub/internal/store"

// SourceKind distinguishes how a source tool exposes its records.
type SourceKind string

const (
	// KindFileTree sources keep loose JSON/JSONL files under a
	// directory tree.
	KindFileTree SourceKind = "files"
	// KindForeignDB sources keep rows in their own SQLite database.
	KindForeignDB SourceKind = "db"
)

// Adapter converts one raw payload from a source tool into zero or
// more normalized events. Adapters are looked up by source name and
// are swappable per source.
type Adapter func(source string, raw []byte) ([]store.Event, error)

// SourceDef describes a supported usage-record source: where its
// data lives, which files the watcher and walker should consider,
// and how its payloads decode.
type SourceDef struct {
	Name        string
	DisplayName string
	Kind        SourceKind
	EnvVar      string   // env var overriding the root dir
	ConfigKey   string   // JSON key in config.json
	DefaultDirs []string // roots relative to $HOME
	Patterns    []string // file name globs the source produces
	DBFile      string   // database file name (foreign DB sources)

	Adapter Adapter
}

// Registry lists all supported sources. Order is stable and used
// for iteration in config, sync, and watcher setup.
var Registry = []SourceDef{
	{
		Name:        "claude",
		DisplayName: "Claude Code",
		Kind:        KindFileTree,
		EnvVar:      "CLAUDE_USAGE_DIR",
		ConfigKey:   "claude_dirs",
		DefaultDirs: []string{".claude/usage"},
		Patterns:    []string{"*.jsonl", "*.json"},
		Adapter:     Parse,
	},
	{
		Name:        "codex",
		DisplayName: "Codex",
		Kind:        KindFileTree,
		EnvVar:      "CODEX_USAGE_DIR",
		ConfigKey:   "codex_dirs",
		DefaultDirs: []string{".codex/usage"},
		Patterns:    []string{"*.json", "*.jsonl"},
		Adapter:     Parse,
	},
	{
		Name:        "opencode",
		DisplayName: "OpenCode",
		Kind:        KindForeignDB,
		EnvVar:      "OPENCODE_DB",
		ConfigKey:   "opencode_db",
		DefaultDirs: []string{".local/share/opencode"},
		DBFile:      "usage.db",
		Adapter:     Parse,
	},
}

// SourceByName returns the SourceDef for the given source name.
func SourceByName(name string) (SourceDef, bool) {
	for _, def := range Registry {
		if def.Name == name {
			return def, true
		}
	}
	return SourceDef{}, false
}

// FileSources returns the registry entries backed by file trees.
func FileSources() []SourceDef {
	var out []SourceDef
	for _, def := range Registry {
		if def.Kind == KindFileTree {
			out = append(out, def)
		}
	}
	return out
}

// DBSources returns the registry entries backed by a foreign
// database.
func DBSources() []SourceDef {
	var out []SourceDef
	for _, def := range Registry {
		if def.Kind == KindForeignDB {
			out = append(out, def)
		}
	}
	return out
}
