package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const idPrefix = "task"

var taskIDRegex = regexp.MustCompile(`^task_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateTaskID produces a collision-resistant task identifier of the form
// task_<unix-seconds>_<hex>. The time component keeps identifiers roughly
// sortable by creation; the random component makes concurrent uncoordinated
// publishers safe without a central counter.
func GenerateTaskID() (string, error) {
	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idPrefix, timestamp, hexStr), nil
}

// ValidateTaskID reports whether id matches the task identifier format.
func ValidateTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}

// ParseTaskIDTimestamp extracts the creation time encoded in a task ID.
func ParseTaskIDTimestamp(id string) (time.Time, error) {
	if !ValidateTaskID(id) {
		return time.Time{}, fmt.Errorf("invalid task ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
