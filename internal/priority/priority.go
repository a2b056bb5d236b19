package priority

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Table maps an upper-cased codice fiscale to a priority. Lower values are served first.
type Table map[string]int

// Parse decodes a flat "CODICE: priority" mapping. JSON objects are valid input too.
func Parse(data []byte) (Table, error) {
	raw := map[string]int{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode priorities: %w", err)
	}

	t := make(Table, len(raw))
	for code, p := range raw {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			return nil, fmt.Errorf("empty codice fiscale in priorities")
		}
		if p < 0 {
			return nil, fmt.Errorf("negative priority %d for %s", p, code)
		}
		t[code] = p
	}
	return t, nil
}

func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read priorities file: %w", err)
	}
	return Parse(data)
}

// FromEnv reads a table from an environment variable holding JSON or YAML.
// ok is false when the variable is unset.
func FromEnv(name string) (t Table, ok bool, err error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, false, nil
	}
	t, err = Parse([]byte(v))
	return t, true, err
}

// Lookup returns the priority for a codice fiscale, or def when it is not listed.
func (t Table) Lookup(codiceFiscale string, def int) int {
	if p, ok := t[strings.ToUpper(strings.TrimSpace(codiceFiscale))]; ok {
		return p
	}
	return def
}

// Merge overlays tables left to right.
func Merge(tables ...Table) Table {
	out := Table{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}
