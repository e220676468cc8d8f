package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/nvrcore/engine/internal/config"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// CameraValidator validates a camera's config entry before it is upserted
// into the database.
type CameraValidator struct {
	errors ValidationErrors
}

// NewCameraValidator creates a new camera validator
func NewCameraValidator() *CameraValidator {
	return &CameraValidator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates a camera configuration
func (v *CameraValidator) Validate(cam config.CameraConfig) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	v.validateShortName(cam.ShortName)
	v.validateStream("main", cam.Main, true)
	if cam.Sub != nil {
		v.validateStream("sub", *cam.Sub, false)
	}

	return v.errors
}

func (v *CameraValidator) validateShortName(name string) {
	if name == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   "short_name",
			Message: "camera short name is required",
		})
		return
	}
	if len(name) < 2 {
		v.errors = append(v.errors, ValidationError{
			Field:   "short_name",
			Message: "camera short name must be at least 2 characters",
		})
	}
	if len(name) > 100 {
		v.errors = append(v.errors, ValidationError{
			Field:   "short_name",
			Message: "camera short name must be at most 100 characters",
		})
	}
}

func (v *CameraValidator) validateStream(field string, s config.StreamConfig, required bool) {
	if s.URL == "" {
		if required {
			v.errors = append(v.errors, ValidationError{
				Field:   field + ".url",
				Message: "stream URL is required",
			})
		}
		return
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		v.errors = append(v.errors, ValidationError{
			Field:   field + ".url",
			Message: "invalid URL format",
		})
		return
	}

	validSchemes := map[string]bool{"rtsp": true, "rtsps": true}
	if !validSchemes[strings.ToLower(u.Scheme)] {
		v.errors = append(v.errors, ValidationError{
			Field:   field + ".url",
			Message: fmt.Sprintf("unsupported stream protocol '%s'; only rtsp/rtsps streams can be recorded", u.Scheme),
		})
	}
	if u.Host == "" {
		v.errors = append(v.errors, ValidationError{
			Field:   field + ".url",
			Message: "stream URL must include a host",
		})
	}

	if s.RetainBytes < 0 {
		v.errors = append(v.errors, ValidationError{
			Field:   field + ".retain_bytes",
			Message: "retain_bytes must not be negative",
		})
	}
}

// ValidateCameraID validates a camera uuid path segment
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera uuid is required")
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, id)
	if !matched {
		return fmt.Errorf("camera uuid must contain only letters, numbers, underscores, and hyphens")
	}
	if len(id) > 64 {
		return fmt.Errorf("camera uuid must be at most 64 characters")
	}
	return nil
}

// ValidateStreamType validates the `<stream>` path segment.
func ValidateStreamType(t string) error {
	if t != "main" && t != "sub" {
		return fmt.Errorf("stream type must be 'main' or 'sub', got %q", t)
	}
	return nil
}

// SanitizeStreamURL removes credentials from a URL for logging
func SanitizeStreamURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[invalid-url]"
	}
	u.User = nil
	return u.String()
}
