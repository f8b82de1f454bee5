package model

import "strings"

// EntityType names one business-entity domain in the remote store.
type EntityType string

const (
	EntityPerson      EntityType = "person"
	EntityAddress     EntityType = "address"
	EntityContact     EntityType = "contact"
	EntityIdentity    EntityType = "identity"
	EntityEducation   EntityType = "education"
	EntityMembership  EntityType = "membership"
	EntityPreferences EntityType = "preferences"
)

// Bundle stages one payload slot per entity domain. Nil slots are absent.
// Mutable only while the session is pre-validation.
type Bundle struct {
	Person      *PersonPayload      `json:"person,omitempty"`
	Address     *AddressPayload     `json:"address,omitempty"`
	Contact     *ContactPayload     `json:"contact,omitempty"`
	Identity    *IdentityPayload    `json:"identity,omitempty"`
	Education   *EducationPayload   `json:"education,omitempty"`
	Membership  *MembershipPayload  `json:"membership,omitempty"`
	Preferences *PreferencesPayload `json:"preferences,omitempty"`
}

// PersonPayload is the root identity record; every other entity references
// its generated identifier.
type PersonPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	BirthDate string `json:"birthDate"` // ISO-8601 date
	Gender    string `json:"gender,omitempty"`
}

type AddressPayload struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"` // ISO-3166 alpha-2
}

type ContactPayload struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type IdentityPayload struct {
	NationalID  string `json:"nationalId"`
	Nationality string `json:"nationality"` // ISO-3166 alpha-2
}

type EducationPayload struct {
	Category       string `json:"category"` // secondary, undergraduate, postgraduate, professional
	Institution    string `json:"institution"`
	GraduationYear int    `json:"graduationYear,omitempty"`
}

type MembershipPayload struct {
	Grade       string `json:"grade"` // student, associate, member, fellow
	Declaration bool   `json:"declaration"`
}

type PreferencesPayload struct {
	Newsletter bool   `json:"newsletter"`
	Language   string `json:"language,omitempty"`
}

// EmailKey derives the session's natural key from the staged contact email.
func (b Bundle) EmailKey() string {
	if b.Contact == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(b.Contact.Email))
}

// Merge overlays non-nil slots from patch onto a copy of b. Slot-level
// granularity: a present slot replaces the staged one wholesale.
func (b Bundle) Merge(patch Bundle) Bundle {
	out := b
	if patch.Person != nil {
		out.Person = patch.Person
	}
	if patch.Address != nil {
		out.Address = patch.Address
	}
	if patch.Contact != nil {
		out.Contact = patch.Contact
	}
	if patch.Identity != nil {
		out.Identity = patch.Identity
	}
	if patch.Education != nil {
		out.Education = patch.Education
	}
	if patch.Membership != nil {
		out.Membership = patch.Membership
	}
	if patch.Preferences != nil {
		out.Preferences = patch.Preferences
	}
	return out
}
