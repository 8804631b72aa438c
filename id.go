package gearman

import (
	uuid "github.com/satori/go.uuid"
)

// newUniqueID generates a random UUIDv4, used as the default uniqueId for
// Client.Submit/SubmitBackground when the caller supplies none.
func newUniqueID() string {
	return uuid.NewV4().String()
}
