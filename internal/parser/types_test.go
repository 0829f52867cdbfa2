package parser

import "testing"

func TestRegistryIntegrity(t *testing.T) {
	seen := map[string]bool{}
	for _, def := range Registry {
		if def.Name == "" {
			t.Fatal("registry entry with empty name")
		}
		if seen[def.Name] {
			t.Errorf("duplicate source %q", def.Name)
		}
		seen[def.Name] = true
		if def.Adapter == nil {
			t.Errorf("source %q has no adapter", def.Name)
		}
		switch def.Kind {
		case KindFileTree:
			if len(def.Patterns) == 0 {
				t.Errorf("file source %q has no patterns", def.Name)
			}
		case KindForeignDB:
			if def.DBFile == "" {
				t.Errorf("db source %q has no database file", def.Name)
			}
		default:
			t.Errorf("source %q has unknown kind %q", def.Name, def.Kind)
		}
	}
}

func TestSourceByName(t *testing.T) {
	def, ok := SourceByName("claude")
	if !ok || def.Kind != KindFileTree {
		t.Errorf("claude lookup = (%+v, %v)", def, ok)
	}
	if _, ok := SourceByName("ghost"); ok {
		t.Error("unknown source resolved")
	}
}

func TestSourceKindPartitions(t *testing.T) {
	files, dbs := FileSources(), DBSources()
	if len(files)+len(dbs) != len(Registry) {
		t.Errorf("partition sizes %d + %d != %d",
			len(files), len(dbs), len(Registry))
	}
	for _, def := range dbs {
		if def.Kind != KindForeignDB {
			t.Errorf("%q in DBSources with kind %q", def.Name, def.Kind)
		}
	}
}
