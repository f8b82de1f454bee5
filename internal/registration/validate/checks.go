package validate

import (
	"regexp"
	"strings"
	"time"

	"enrolld/internal/registration/model"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 \-()]{6,20}$`)

	// Postal code shapes for countries we accept members from; anything
	// else falls back to a non-empty check.
	postalPatterns = map[string]*regexp.Regexp{
		"IE": regexp.MustCompile(`^[A-Z0-9]{3} ?[A-Z0-9]{4}$`), // eircode
		"GB": regexp.MustCompile(`^[A-Z]{1,2}[0-9][A-Z0-9]? ?[0-9][A-Z]{2}$`),
		"US": regexp.MustCompile(`^[0-9]{5}(-[0-9]{4})?$`),
		"DE": regexp.MustCompile(`^[0-9]{5}$`),
		"NL": regexp.MustCompile(`^[0-9]{4} ?[A-Z]{2}$`),
	}

	educationCategories = map[string]bool{
		"secondary":     true,
		"undergraduate": true,
		"postgraduate":  true,
		"professional":  true,
	}

	membershipGrades = map[string]bool{
		"student":   true,
		"associate": true,
		"member":    true,
		"fellow":    true,
	}

	languages = map[string]bool{"en": true, "ga": true, "fr": true, "de": true}
)

func checkPerson(b model.Bundle) []Violation {
	if b.Person == nil {
		return []Violation{{Field: "person", Code: CodeRequired, Message: "person record is required"}}
	}
	var out []Violation
	if strings.TrimSpace(b.Person.FirstName) == "" {
		out = append(out, Violation{Field: "person.firstName", Code: CodeRequired, Message: "first name is required"})
	}
	if strings.TrimSpace(b.Person.LastName) == "" {
		out = append(out, Violation{Field: "person.lastName", Code: CodeRequired, Message: "last name is required"})
	}
	if b.Person.BirthDate == "" {
		out = append(out, Violation{Field: "person.birthDate", Code: CodeRequired, Message: "birth date is required"})
	} else if _, err := time.Parse("2006-01-02", b.Person.BirthDate); err != nil {
		out = append(out, Violation{Field: "person.birthDate", Code: CodeInvalid, Message: "birth date must be an ISO-8601 date"})
	}
	return out
}

func checkContact(b model.Bundle) []Violation {
	if b.Contact == nil {
		return []Violation{{Field: "contact", Code: CodeRequired, Message: "contact record is required"}}
	}
	var out []Violation
	if b.Contact.Email == "" {
		out = append(out, Violation{Field: "contact.email", Code: CodeRequired, Message: "email is required"})
	} else if !emailPattern.MatchString(b.Contact.Email) {
		out = append(out, Violation{Field: "contact.email", Code: CodeInvalid, Message: "email format is invalid"})
	}
	if b.Contact.Phone != "" && !phonePattern.MatchString(b.Contact.Phone) {
		out = append(out, Violation{Field: "contact.phone", Code: CodeInvalid, Message: "phone format is invalid"})
	}
	return out
}

func checkAddress(b model.Bundle) []Violation {
	if b.Address == nil {
		return []Violation{{Field: "address", Code: CodeRequired, Message: "address record is required"}}
	}
	var out []Violation
	if strings.TrimSpace(b.Address.Street) == "" {
		out = append(out, Violation{Field: "address.street", Code: CodeRequired, Message: "street is required"})
	}
	if strings.TrimSpace(b.Address.City) == "" {
		out = append(out, Violation{Field: "address.city", Code: CodeRequired, Message: "city is required"})
	}
	country := strings.ToUpper(b.Address.Country)
	if len(country) != 2 {
		out = append(out, Violation{Field: "address.country", Code: CodeInvalid, Message: "country must be an ISO-3166 alpha-2 code"})
	}
	postal := strings.ToUpper(strings.TrimSpace(b.Address.PostalCode))
	if postal == "" {
		out = append(out, Violation{Field: "address.postalCode", Code: CodeRequired, Message: "postal code is required"})
	} else if pattern, ok := postalPatterns[country]; ok && !pattern.MatchString(postal) {
		out = append(out, Violation{Field: "address.postalCode", Code: CodeInvalid, Message: "postal code does not match country format"})
	}
	return out
}

func checkIdentity(b model.Bundle) []Violation {
	if b.Identity == nil {
		return []Violation{{Field: "identity", Code: CodeRequired, Message: "identity record is required"}}
	}
	var out []Violation
	if strings.TrimSpace(b.Identity.NationalID) == "" {
		out = append(out, Violation{Field: "identity.nationalId", Code: CodeRequired, Message: "national id is required"})
	}
	if len(b.Identity.Nationality) != 2 {
		out = append(out, Violation{Field: "identity.nationality", Code: CodeInvalid, Message: "nationality must be an ISO-3166 alpha-2 code"})
	}
	return out
}

func checkEducation(b model.Bundle) []Violation {
	if b.Education == nil {
		return nil // optional slot; grade rules live in checkMembership
	}
	var out []Violation
	if !educationCategories[b.Education.Category] {
		out = append(out, Violation{Field: "education.category", Code: CodeInvalid, Message: "unknown education category"})
	}
	if strings.TrimSpace(b.Education.Institution) == "" {
		out = append(out, Violation{Field: "education.institution", Code: CodeRequired, Message: "institution is required"})
	}
	return out
}

func checkMembership(b model.Bundle) []Violation {
	if b.Membership == nil {
		return []Violation{{Field: "membership", Code: CodeRequired, Message: "membership record is required"}}
	}
	var out []Violation
	if !membershipGrades[b.Membership.Grade] {
		out = append(out, Violation{Field: "membership.grade", Code: CodeInvalid, Message: "unknown membership grade"})
	}
	if !b.Membership.Declaration {
		out = append(out, Violation{Field: "declaration", Code: CodeRequired, Message: "the membership declaration must be accepted"})
	}

	// Grade/education consistency: student grades require a current
	// academic education record.
	if b.Membership.Grade == "student" {
		if b.Education == nil {
			out = append(out, Violation{Field: "education", Code: CodeRequired, Message: "student grade requires an education record"})
		} else if b.Education.Category != "undergraduate" && b.Education.Category != "postgraduate" {
			out = append(out, Violation{Field: "education.category", Code: CodeInconsistent, Message: "student grade requires an academic education category"})
		}
	}
	if b.Membership.Grade == "fellow" && b.Education != nil && b.Education.Category == "secondary" {
		out = append(out, Violation{Field: "education.category", Code: CodeInconsistent, Message: "fellow grade is inconsistent with secondary education"})
	}
	return out
}

func checkPreferences(b model.Bundle) []Violation {
	if b.Preferences == nil || b.Preferences.Language == "" {
		return nil
	}
	if !languages[b.Preferences.Language] {
		return []Violation{{Field: "preferences.language", Code: CodeInvalid, Message: "unsupported language"}}
	}
	return nil
}
