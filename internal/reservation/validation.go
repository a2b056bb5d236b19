package reservation

import (
	"errors"
	"regexp"
	"strings"

	"biblio/internal/models"
)

var (
	codiceFiscaleRe = regexp.MustCompile(`^[A-Za-z]{6}\d{2}[A-Za-z]\d{2}[A-Za-z]\d{3}[A-Za-z]$`)
	emailRe         = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
)

// ValidateOwner checks the identity fields the upstream API requires.
func ValidateOwner(o models.Owner) error {
	const op = "validate owner"

	var problems []error
	if strings.TrimSpace(o.Name) == "" {
		problems = append(problems, errors.New("name is required"))
	}
	if !codiceFiscaleRe.MatchString(o.CodiceFiscale) {
		problems = append(problems, errors.New("invalid codice fiscale"))
	}
	if !emailRe.MatchString(o.Email) {
		problems = append(problems, errors.New("invalid email"))
	}
	if len(problems) > 0 {
		return newError(op, ErrInvalidOwnerData, 0, errors.Join(problems...))
	}
	return nil
}
