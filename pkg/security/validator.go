package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// MaxNamePrefixLength leaves room for "-<id>" inside a 63 character host name
const MaxNamePrefixLength = 48

var namePrefixPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Validator checks operator supplied input before it reaches the cloud provider
type Validator struct {
	maxUserDataSize int64

	mu            sync.Mutex
	totalAccepted int64
}

// NewValidator creates a new security validator
func NewValidator(maxUserDataSize int64) *Validator {
	slog.Info("security_validator_init", "max_user_data_kb", maxUserDataSize/1024)

	return &Validator{
		maxUserDataSize: maxUserDataSize,
	}
}

// ValidateUserData checks the payload handed to a new instance at boot
func (v *Validator) ValidateUserData(data []byte) error {
	size := int64(len(data))
	if size > v.maxUserDataSize {
		slog.Error("security_user_data_size_exceeded",
			"size_kb", size/1024,
			"max_size_kb", v.maxUserDataSize/1024)
		return fmt.Errorf("security: user data size %d exceeds max %d", size, v.maxUserDataSize)
	}

	v.mu.Lock()
	v.totalAccepted += size
	v.mu.Unlock()

	return nil
}

// TotalAccepted returns the number of user data bytes accepted so far
func (v *Validator) TotalAccepted() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAccepted
}

// ValidateCredentials rejects missing provider credentials
func ValidateCredentials(accessKeyID, secretAccessKey string) error {
	if strings.TrimSpace(accessKeyID) == "" || strings.TrimSpace(secretAccessKey) == "" {
		slog.Error("security_credentials_missing",
			"access_key_set", accessKeyID != "",
			"secret_key_set", secretAccessKey != "")
		return fmt.Errorf("security: no credentials supplied for VM management")
	}
	return nil
}

// ValidateNamePrefix checks that generated instance names will be valid host names
func ValidateNamePrefix(prefix string) error {
	if len(prefix) == 0 || len(prefix) > MaxNamePrefixLength {
		slog.Error("security_name_prefix_invalid", "prefix", prefix, "reason", "length")
		return fmt.Errorf("security: name prefix must be 1-%d characters: %q", MaxNamePrefixLength, prefix)
	}
	if !namePrefixPattern.MatchString(prefix) {
		slog.Error("security_name_prefix_invalid", "prefix", prefix, "reason", "charset")
		return fmt.Errorf("security: name prefix must be lowercase alphanumerics and dashes: %q", prefix)
	}
	return nil
}
