package util

import "github.com/google/uuid"

// NewUUID returns a random UUID string, used for questionnaire and file uids.
func NewUUID() string {
	return uuid.NewString()
}

// IsUUID reports whether an identifier parses as a UUID. Questionnaire
// lookups treat UUID identifiers as uuid lookups, everything else as a code.
func IsUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
