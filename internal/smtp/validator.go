package smtp

import (
	"errors"
	"net/mail"
	"strings"
)

// ValidateEmailAddress checks that email is a single bare address such as
// user@example.com. Display names are rejected.
func ValidateEmailAddress(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return err
	}
	if addr.Name != "" || strings.ContainsAny(email, "<>") {
		return errors.New("mail: expected a bare address")
	}
	return nil
}

// ExtractDomain returns the lowercased part after the first '@', or "" when
// there is none.
func ExtractDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

// IsValidDomain reports whether domain has at least two dot-separated labels,
// none of them empty.
func IsValidDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" {
			return false
		}
	}
	return true
}
