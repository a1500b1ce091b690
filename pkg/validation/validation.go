package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MinFrameRate = 1
	MaxFrameRate = 30
)

var clientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateClientID validates a relay client identifier.
func ValidateClientID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("client id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("client id is too long (max 128 characters)")
	}
	if !clientIDRegex.MatchString(id) {
		return fmt.Errorf("client id contains invalid characters")
	}
	return nil
}

// ValidateFrameRate validates a producer frame rate
func ValidateFrameRate(fps int) error {
	if fps < MinFrameRate || fps > MaxFrameRate {
		return fmt.Errorf("frame rate must be between %d and %d, got %d", MinFrameRate, MaxFrameRate, fps)
	}
	return nil
}

// ValidateUnitFraction checks that v lies in (0,1].
func ValidateUnitFraction(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be within (0,1], got %v", name, v)
	}
	return nil
}
