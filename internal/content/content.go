package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageLength = 4000
	MaxNameLength    = 100
)

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message is too long")

	policy     = bluemonday.UGCPolicy()
	namePolicy = bluemonday.StrictPolicy()
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// MessageText sanitizes a chat message and checks it is not empty
// and within MaxMessageLength runes.
func MessageText(text string) (string, error) {
	clean := strings.TrimSpace(Sanitize(text))
	if clean == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(clean) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return clean, nil
}

// Name strips all markup from a display name.
func Name(name string) (string, error) {
	clean := strings.TrimSpace(namePolicy.Sanitize(name))
	if clean == "" {
		return "", errors.New("name cannot be empty")
	}
	if utf8.RuneCountInString(clean) > MaxNameLength {
		return "", errors.New("name is too long")
	}
	return clean, nil
}

// NormalizeEmail trims and lowercases an address. E-mails identify users.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the address looks like user@domain.tld.
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return errors.New("email is not a valid address")
	}
	return nil
}
