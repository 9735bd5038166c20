package script

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newConfigDir(t *testing.T) *ConfigDir {
	t.Helper()
	c, err := NewConfigDir(filepath.Join(t.TempDir(), "configs"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConfigPath(t *testing.T) {
	c := newConfigDir(t)
	tests := []struct {
		script, rel string
		want        string
		wantErr     bool
	}{
		{"greeter", "settings.yml", filepath.Join(c.Dir(), "greeter", "settings.yml"), false},
		{"greeter", "sub/settings.yml", filepath.Join(c.Dir(), "greeter", "sub", "settings.yml"), false},
		{"greeter", "../other/settings.yml", "", true},
		{"greeter", "/etc/passwd", "", true},
		{"greeter", "sub//x.yml", "", true},
		{"greeter", "", "", true},
		{"../greeter", "settings.yml", "", true},
	}
	for _, tt := range tests {
		got, err := c.Path(tt.script, tt.rel)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConfigPath) {
				t.Errorf("Path(%q, %q) err = %v, want ErrInvalidConfigPath", tt.script, tt.rel, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Path(%q, %q) = %q, %v, want %q", tt.script, tt.rel, got, err, tt.want)
		}
	}
}

func TestConfigLoadCreatesFromDefaults(t *testing.T) {
	c := newConfigDir(t)
	defaults := map[string]any{"greeting": "hi", "limits": map[string]any{"max": 3}}

	got, err := c.Load("greeter", "settings.yml", defaults)
	if err != nil {
		t.Fatal(err)
	}
	if got["greeting"] != "hi" {
		t.Errorf("greeting = %v, want hi", got["greeting"])
	}
	ok, err := c.Exists("greeter", "settings.yml")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true", ok, err)
	}
	got["greeting"] = "changed"
	if defaults["greeting"] != "hi" {
		t.Error("defaults modified through the result")
	}
}

func TestConfigFileWinsOverDefaults(t *testing.T) {
	c := newConfigDir(t)
	path, err := c.Path("greeter", "settings.yml")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("greeting: hello\nlimits:\n  min: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := c.Load("greeter", "settings.yml", map[string]any{
		"greeting": "hi",
		"extra":    true,
		"limits":   map[string]any{"max": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"greeting": "hello",
		"extra":    true,
		"limits":   map[string]any{"min": 1, "max": 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %#v, want %#v", got, want)
	}
}

func TestConfigSaveReloadDelete(t *testing.T) {
	c := newConfigDir(t)

	if _, err := c.Reload("greeter", "settings.yml", nil); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("Reload missing err = %v, want ErrConfigNotFound", err)
	}
	if err := c.Save("greeter", "settings.yml", map[string]any{"n": 2}); err != nil {
		t.Fatal(err)
	}
	got, err := c.Reload("greeter", "settings.yml", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["n"] != 2 {
		t.Errorf("n = %v, want 2", got["n"])
	}

	deleted, err := c.Delete("greeter", "settings.yml")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v, want true", deleted, err)
	}
	deleted, err = c.Delete("greeter", "settings.yml")
	if err != nil || deleted {
		t.Errorf("second Delete = %v, %v, want false", deleted, err)
	}
}

func TestConfigBadYAML(t *testing.T) {
	c := newConfigDir(t)
	path, _ := c.Path("greeter", "broken.yml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("a: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Load("greeter", "broken.yml", nil); err == nil {
		t.Error("Load of invalid YAML succeeded")
	}
}
