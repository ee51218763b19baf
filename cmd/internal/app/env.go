package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env resolves HAVEN_* settings: the process environment wins over the config file.
type Env struct {
	file map[string]string
}

// LoadEnvFile reads a flat YAML mapping such as:
//
//	http_addr: ":8080"
//	ws_allowed_origins: [https://haven.example.com]
//
// Keys are upper-cased and prefixed with HAVEN_ unless they already carry it.
func LoadEnvFile(path string) (Env, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Env{}, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Env{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	file := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToUpper(strings.TrimSpace(k))
		if !strings.HasPrefix(key, "HAVEN_") {
			key = "HAVEN_" + key
		}
		switch tv := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			file[key] = strings.Join(parts, ",")
		case map[string]any:
			return Env{}, fmt.Errorf("config file %s: key %q must be a scalar or list", path, k)
		default:
			file[key] = fmt.Sprint(tv)
		}
	}
	return Env{file: file}, nil
}

func (e Env) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(e.file[key])
}

// String reads a string setting with a default.
func (e Env) String(key, def string) string {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	return v
}

// Bool reads a bool setting with a default.
func (e Env) Bool(key string, def bool) bool {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads a positive int setting with a default.
func (e Env) Int(key string, def int) int {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32 setting with a default.
func (e Env) Int32(key string, def int32) int32 {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration reads a positive duration setting with a default.
func (e Env) Duration(key string, def time.Duration) time.Duration {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// CSV reads a comma-separated list, dropping empty items.
func (e Env) CSV(key string, def []string) []string {
	v := e.lookup(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string { return Env{}.String(key, def) }
