package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Names the backends keep for their own bookkeeping. User keys must not collide with them.
const (
	// reservedPrefix starts temp files and the gocloud container marker.
	reservedPrefix = ".blobkit-"
	// metadataSuffix ends the local file metadata sidecars.
	metadataSuffix = ".attrs.json"
)

var (
	validKeyPattern       = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	validContainerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{0,62}$`)
)

// ValidateContainerName checks name against the intersection of the provider naming rules
// (S3 bucket names being the strictest).
func ValidateContainerName(name string) error {
	if name == "" {
		return fmt.Errorf("container name cannot be empty")
	}

	if !validContainerPattern.MatchString(name) {
		return fmt.Errorf("invalid container name %q (lowercase alphanumeric, '.' and '-' only, max 63 characters)", name)
	}

	return nil
}

// ValidateKey checks a blob key is safe to map onto any provider, including a filesystem.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if len(key) > 512 {
		return fmt.Errorf("key too long (max 512 characters)")
	}

	if !validKeyPattern.MatchString(key) {
		return fmt.Errorf("key contains invalid characters (only alphanumeric, ., _, /, - are allowed)")
	}

	dangerousPatterns := []string{"../", "/./", "//"}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(key, pattern) {
			return fmt.Errorf("key contains potentially dangerous pattern: %s", pattern)
		}
	}

	if key == "." || key == ".." || strings.HasSuffix(key, "/..") || strings.HasPrefix(key, "../") {
		return fmt.Errorf("key resolves outside the container")
	}

	for _, segment := range strings.Split(key, "/") {
		if strings.HasPrefix(segment, reservedPrefix) {
			return fmt.Errorf("key uses reserved name prefix %q", reservedPrefix)
		}
		if strings.HasSuffix(segment, metadataSuffix) {
			return fmt.Errorf("key uses reserved name suffix %q", metadataSuffix)
		}
	}

	return nil
}

func validateBlobRef(container, key string) error {
	if err := ValidateContainerName(container); err != nil {
		return err
	}
	return ValidateKey(key)
}
