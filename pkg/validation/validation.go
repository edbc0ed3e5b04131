package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxIDLength       = 128
	MaxMetadataKeys   = 32
	MaxMetadataKeyLen = 64
)

var (
	// ParticipantIDRegex allows the characters found in usernames, emails
	// and device serials.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)

	// ConnectionIDRegex accepts uuids and client chosen slugs.
	ConnectionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func validateID(kind, id string, re *regexp.Regexp) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%s must not have surrounding whitespace", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if !re.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}

func ValidateParticipantID(id string) error {
	return validateID("participant id", id, ParticipantIDRegex)
}

// ValidateConnectionID accepts the empty string, which asks the server to
// generate an id.
func ValidateConnectionID(id string) error {
	if id == "" {
		return nil
	}
	return validateID("connection id", id, ConnectionIDRegex)
}

func ValidateSessionID(id string) error {
	return validateID("session id", id, ConnectionIDRegex)
}

// ValidateMetadata bounds the free-form metadata attached to a connection.
func ValidateMetadata(md map[string]interface{}) error {
	if len(md) > MaxMetadataKeys {
		return fmt.Errorf("too many metadata keys (max %d)", MaxMetadataKeys)
	}
	for k := range md {
		if k == "" || utf8.RuneCountInString(k) > MaxMetadataKeyLen {
			return fmt.Errorf("invalid metadata key %q", k)
		}
	}
	return nil
}
