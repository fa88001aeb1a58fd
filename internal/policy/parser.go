package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrParse wraps every policy load failure: missing file, YAML syntax
// errors, and schema violations. The CLI maps it to the config exit code.
var ErrParse = errors.New("policy parse error")

// Load reads and validates the policy at path. A v0 file is migrated in
// memory; use Migrate to rewrite it on disk.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Parse(raw)
}

// Parse decodes, migrates (if v0), and validates a YAML policy document.
func Parse(raw []byte) (*Policy, error) {
	version, err := sniffVersion(raw)
	if err != nil {
		return nil, err
	}
	if version == "0" {
		return parseV0(raw)
	}

	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &p, nil
}

// LoadOrDefault loads path, falling back to the built-in safe policy when
// path is empty or the file does not exist. Parse failures still fail: a
// broken policy must never silently degrade to different behaviour.
func LoadOrDefault(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// ValidateFile checks a policy file and returns nil when it is valid.
func ValidateFile(path string) error {
	_, err := Load(path)
	return err
}

func sniffVersion(raw []byte) (string, error) {
	var head struct {
		Version string `yaml:"policy_version"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if head.Version == "" {
		return "", fmt.Errorf("%w: missing policy_version", ErrParse)
	}
	return head.Version, nil
}
