package model

import (
	"errors"
	"fmt"
	"regexp"
)

// Validation errors. Callers match with errors.Is; the wrapped message names
// the offending value.
var (
	ErrInvalidClientKey = errors.New("invalid client key")
	ErrInvalidSiteID    = errors.New("invalid site id")
	ErrInvalidUserID    = errors.New("invalid user id")
)

var (
	clientKeyPattern = regexp.MustCompile(`^key_(live|test)_[A-Za-z0-9]+$`)
	siteIDPattern    = regexp.MustCompile(`^form_[a-zA-Z0-9]{5}\d{3}$`)
	userIDPattern    = regexp.MustCompile(`^[A-Za-z0-9\-_.]{3,100}$`)
)

// ValidateClientKey checks the key_live_/key_test_ client key format.
func ValidateClientKey(key string) error {
	if !clientKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidClientKey, key)
	}
	return nil
}

// ValidateSiteID checks the form_xxxxxNNN site identifier format.
func ValidateSiteID(siteID string) error {
	if !siteIDPattern.MatchString(siteID) {
		return fmt.Errorf("%w: %q", ErrInvalidSiteID, siteID)
	}
	return nil
}

// ValidateUserID checks that a user or session identifier is 3-100
// characters of letters, digits, hyphens, underscores, and dots.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// IsTestKey reports whether the client key targets the test environment.
func IsTestKey(key string) bool {
	m := clientKeyPattern.FindStringSubmatch(key)
	return len(m) == 2 && m[1] == "test"
}
