package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML to JSON so both formats go through the same
// strict JSON decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML makes every map key a string so the value can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

var reEnvRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// expandEnvJSON replaces ${NAME} and ${NAME:-fallback} in every string value
// of a JSON document. "$$" is a literal "$". Keys are left alone.
func expandEnvJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	missing := map[string]struct{}{}
	v = expandValue(v, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		errs := make([]error, 0, len(names))
		for _, n := range names {
			errs = append(errs, fmt.Errorf("environment variable %s is not set", n))
		}
		return nil, errors.Join(errs...)
	}
	return json.Marshal(v)
}

func expandValue(in any, missing map[string]struct{}) any {
	switch x := in.(type) {
	case string:
		return expandString(x, missing)
	case map[string]any:
		for k, v := range x {
			x[k] = expandValue(v, missing)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandValue(x[i], missing)
		}
		return x
	default:
		return in
	}
}

func expandString(s string, missing map[string]struct{}) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return reEnvRef.ReplaceAllStringFunc(s, func(ref string) string {
		if ref == "$$" {
			return "$"
		}
		m := reEnvRef.FindStringSubmatch(ref)
		if v, ok := lookupEnv(m[1]); ok && v != "" {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		missing[m[1]] = struct{}{}
		return ""
	})
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
