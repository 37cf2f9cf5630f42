package api

import (
	"fmt"
	"regexp"
)

// sessionIDPattern matches ids as generated by the session package: a kind
// prefix plus 12 hex characters. Ids double as hostname labels, so anything
// else is rejected before it reaches the manager.
var sessionIDPattern = regexp.MustCompile(`^(browser|desktop)-session_[0-9a-f]{12}$`)

func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session_id is required")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("malformed session_id")
	}
	return nil
}
