// Package config loads the YAML rule configuration described in spec §6 and
// builds an immutable rules.Store from it. Configuration is loaded once at
// process start; there is no hot-reload (an explicit Non-goal).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"hivemind/internal/rules"
)

// descriptorYAML mirrors one node of the recursive `descriptors:` tree in
// the YAML rule format.
type descriptorYAML struct {
	Key         string           `yaml:"key"`
	Value       *string          `yaml:"value"`
	RateLimit   *rateLimitYAML   `yaml:"rate_limit"`
	Descriptors []descriptorYAML `yaml:"descriptors"`
}

type rateLimitYAML struct {
	Unit            string `yaml:"unit"`
	RequestsPerUnit uint32 `yaml:"requests_per_unit"`
}

// domainYAML is the top-level shape of one rule configuration file: a
// domain name plus its descriptor forest.
type domainYAML struct {
	Domain      string           `yaml:"domain"`
	Descriptors []descriptorYAML `yaml:"descriptors"`
}

// LoadFile parses a single YAML rule file into (domain name, its Defs).
func LoadFile(path string) (string, []rules.Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc domainYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if doc.Domain == "" {
		return "", nil, fmt.Errorf("config: %s: missing top-level domain", path)
	}

	defs := convertDescriptors(doc.Descriptors)
	return doc.Domain, defs, nil
}

func convertDescriptors(in []descriptorYAML) []rules.Def {
	out := make([]rules.Def, 0, len(in))
	for _, d := range in {
		def := rules.Def{Key: d.Key}
		if d.Value != nil {
			def.HasValue = true
			def.Value = *d.Value
		}
		if d.RateLimit != nil {
			def.HasLimit = true
			def.Unit = d.RateLimit.Unit
			def.RateLimit = d.RateLimit.RequestsPerUnit
		}
		def.Children = convertDescriptors(d.Descriptors)
		out = append(out, def)
	}
	return out
}

// LoadDir loads every *.yaml/*.yml file in dir, one domain per file, and
// builds the resulting Rule Store. Fails at load if any file is malformed
// or two files declare the same domain.
func LoadDir(dir string) (*rules.Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}

	domains := make(map[string][]rules.Def)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		domain, defs, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := domains[domain]; dup {
			return nil, fmt.Errorf("config: duplicate domain %q across rule files", domain)
		}
		domains[domain] = defs
	}
	return rules.NewStore(domains)
}

// Load loads rule configuration from path, which may be a single YAML file
// or a directory of them.
func Load(path string) (*rules.Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	domain, defs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return rules.NewStore(map[string][]rules.Def{domain: defs})
}
