package adminapi

import (
	"fmt"
	"net/mail"
	"strings"

	"prism-sync/domain"
)

var required = map[domain.Kind][]string{
	domain.KindTask:    {"name", domain.TaskScopeField},
	domain.KindColumn:  {"name"},
	domain.KindProject: {"name"},
	domain.KindUser:    {"name", "email"},
	domain.KindClient:  {"name"},
}

// validate checks required fields of a complete row.
func validate(kind domain.Kind, row domain.Patch) error {
	for _, field := range required[kind] {
		raw, ok := row[field]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%s is required", field)
		}
		var s string
		if _, err := row.Decode(field, &s); err == nil && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
	}
	if kind == domain.KindUser {
		var email string
		if _, err := row.Decode("email", &email); err != nil {
			return fmt.Errorf("email: %w", err)
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("email %q is invalid", email)
		}
	}
	return nil
}
