package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfigPath is returned for paths that leave the script's
	// config folder.
	ErrInvalidConfigPath = errors.New("invalid config path")
	// ErrConfigNotFound is returned when reloading a file that does not exist.
	ErrConfigNotFound = errors.New("config file not found")
)

// ConfigDir holds user-editable YAML config files, one folder per script.
type ConfigDir struct {
	dir string
}

// NewConfigDir creates a config directory rooted at dir.
func NewConfigDir(dir string) (*ConfigDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create configs dir: %w", err)
	}
	return &ConfigDir{dir: dir}, nil
}

// Dir returns the root directory.
func (c *ConfigDir) Dir() string { return c.dir }

// Path resolves rel inside the folder of script. rel may name subfolders
// with "/" but every segment must be a plain file name.
func (c *ConfigDir) Path(script, rel string) (string, error) {
	if !validName(script) {
		return "", fmt.Errorf("script %q: %w", script, ErrInvalidConfigPath)
	}
	parts := strings.Split(strings.TrimSpace(rel), "/")
	for _, p := range parts {
		if !validName(p) {
			return "", fmt.Errorf("%q: %w", rel, ErrInvalidConfigPath)
		}
	}
	return filepath.Join(append([]string{c.dir, script}, parts...)...), nil
}

// Exists reports whether the config file is present.
func (c *ConfigDir) Exists(script, rel string) (bool, error) {
	path, err := c.Path(script, rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Load reads a config file, creating it from defaults when missing. Values in
// the file win over defaults; nested maps are merged.
func (c *ConfigDir) Load(script, rel string, defaults map[string]any) (map[string]any, error) {
	path, err := c.Path(script, rel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeYAML(path, defaults); err != nil {
			return nil, err
		}
	}
	return readConfig(path, defaults)
}

// Reload re-reads an existing config file.
func (c *ConfigDir) Reload(script, rel string, defaults map[string]any) (map[string]any, error) {
	path, err := c.Path(script, rel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", rel, ErrConfigNotFound)
	}
	return readConfig(path, defaults)
}

// Save writes values to the config file, replacing its contents.
func (c *ConfigDir) Save(script, rel string, values map[string]any) error {
	path, err := c.Path(script, rel)
	if err != nil {
		return err
	}
	return writeYAML(path, values)
}

// Delete removes the config file. It reports false if there was none.
func (c *ConfigDir) Delete(script, rel string) (bool, error) {
	path, err := c.Path(script, rel)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete config: %w", err)
	}
	return true, nil
}

func readConfig(path string, defaults map[string]any) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return merge(defaults, values), nil
}

func writeYAML(path string, values map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config folder: %w", err)
	}
	if values == nil {
		values = map[string]any{}
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// merge returns base overlaid with over. Neither argument is modified.
func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
