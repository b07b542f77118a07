package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Task ids are 8 hex chars. The space is small enough that
// collisions are a real possibility on busy stores, so inserts
// retry with a fresh id instead of assuming uniqueness.
const taskIDRetries = 5

// randRead is swapped in tests to force id collisions.
var randRead = rand.Read

func newTaskID() (string, error) {
	b := make([]byte, 4)
	if _, err := randRead(b); err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
