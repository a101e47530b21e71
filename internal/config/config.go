package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config resolves keys through three layers, highest precedence first:
// explicit overrides, environment variables of the form
// JOBMON__SECTION__KEY, then a YAML file. Keys are "section.key".
type Config struct {
	overrides map[string]string
	env       map[string]string
	file      map[string]string
}

const envPrefix = "JOBMON__"

func Load(path string, overrides map[string]string) (*Config, error) {
	c := &Config{
		overrides: map[string]string{},
		env:       map[string]string{},
		file:      map[string]string{},
	}
	for k, v := range overrides {
		c.overrides[normalize(k)] = v
	}
	c.loadEnv(os.Environ())
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Config) loadEnv(environ []string) {
	for _, kv := range environ {
		i := strings.Index(kv, "=")
		if i < 0 {
			continue
		}
		name, val := kv[:i], kv[i+1:]
		if !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, envPrefix)
		key = strings.ReplaceAll(key, "__", ".")
		c.env[normalize(key)] = val
	}
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	flatten("", doc, c.file)
	return nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		default:
			out[normalize(key)] = strings.TrimSpace(fmt.Sprint(v))
		}
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Lookup returns the raw string for a "section.key" path.
func (c *Config) Lookup(key string) (string, bool) {
	k := normalize(key)
	if v, ok := c.overrides[k]; ok {
		return v, true
	}
	if v, ok := c.env[k]; ok {
		return v, true
	}
	if v, ok := c.file[k]; ok {
		return v, true
	}
	return "", false
}

func (c *Config) String(key, def string) string {
	if v, ok := c.Lookup(key); ok {
		return v
	}
	return def
}

func (c *Config) Int(key string, def int) int {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

func (c *Config) Float(key string, def float64) float64 {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Duration accepts either a Go duration string ("90s") or a bare number
// of seconds.
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
