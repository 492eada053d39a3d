package tagbatch

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"
)

type Validator interface {
	ValidatePath(path string) error
	ValidateTagKey(key string) error
	ValidatePattern(template string) ([]string, error)
	ValidateConfig(config *Config) error
}

type DefaultValidator struct {
	config *Config
}

func NewDefaultValidator(config *Config) *DefaultValidator {
	return &DefaultValidator{
		config: config,
	}
}

func (v *DefaultValidator) ValidatePath(path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	if !filepath.IsAbs(path) {
		return errors.New("path must be absolute")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return errors.New("path contains directory traversal")
		}
	}

	return nil
}

// ValidateTagKey checks a key a user asked to write. Reserved keys are
// derived from the file path and cannot be set directly.
func (v *DefaultValidator) ValidateTagKey(key string) error {
	clean := normalizeKey(key)
	if clean == "" {
		return errors.New("tag cannot be empty")
	}
	if IsReserved(clean) {
		return errors.Errorf("tag %q is reserved", clean)
	}
	for _, ch := range clean {
		if unicode.IsControl(ch) || strings.ContainsRune("=[]%|", ch) {
			return errors.Errorf("tag %q contains invalid character %q", clean, ch)
		}
	}
	for _, blob := range v.config.BlobTags {
		if clean == normalizeKey(blob) {
			return errors.Errorf("tag %q holds binary data", clean)
		}
	}
	return nil
}

// ValidatePattern rejects patterns that reference no tag and returns
// warnings for patterns that parse ambiguously.
func (v *DefaultValidator) ValidatePattern(template string) ([]string, error) {
	if strings.TrimSpace(template) == "" {
		return nil, errors.New("pattern cannot be empty")
	}

	pattern := Compile(template)
	if len(pattern.Tags()) == 0 {
		return nil, errors.Errorf("pattern %q has no tag references", template)
	}

	var warnings []string
	if pattern.Adjacent() {
		warnings = append(warnings, "adjacent tag references are split evenly when parsing")
	}
	return warnings, nil
}

func (v *DefaultValidator) ValidateConfig(config *Config) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	if len(config.Extensions) == 0 {
		return errors.New("extensions cannot be empty")
	}

	if config.SidecarSuffix == "" || strings.ContainsAny(config.SidecarSuffix, `/\`) {
		return errors.Errorf("invalid sidecar_suffix: %q", config.SidecarSuffix)
	}

	if config.LockFileName == "" || strings.ContainsAny(config.LockFileName, `/\`) {
		return errors.Errorf("invalid lock_file_name: %q", config.LockFileName)
	}

	if _, err := ParseDecision(config.OnError); err != nil {
		return errors.Errorf("invalid on_error: %w", err)
	}

	for _, pattern := range config.ExcludePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return errors.Errorf("invalid exclude pattern: %s", pattern)
		}
	}

	for _, template := range config.Patterns {
		if _, err := v.ValidatePattern(template); err != nil {
			return errors.Errorf("invalid pattern: %w", err)
		}
	}

	for name, steps := range config.Actions {
		if _, err := BuildChain(steps); err != nil {
			return errors.Errorf("invalid action %s: %w", name, err)
		}
	}

	return nil
}
