package entitystore

import (
	"context"
	"fmt"

	"enrolld/internal/registration/model"
)

// Collections on the remote platform, one per entity domain.
const (
	collectionPersons     = "persons"
	collectionAddresses   = "addresses"
	collectionContacts    = "contactpoints"
	collectionIdentities  = "identitydocuments"
	collectionEducation   = "educationrecords"
	collectionMemberships = "memberships"
	collectionPreferences = "memberpreferences"
)

func personRef(id string) string { return "/" + collectionPersons + "(" + id + ")" }

// EntityClient creates and deletes one entity domain's records. The remote
// calls are not idempotent; de-duplication is the sequencer's job.
type EntityClient struct {
	entity     model.EntityType
	collection string
	client     *Client
	payload    func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error)
}

// EntityType names the domain this client creates.
func (e *EntityClient) EntityType() model.EntityType { return e.entity }

// Create materializes the staged payload, linking to parents created by
// earlier steps.
func (e *EntityClient) Create(ctx context.Context, b model.Bundle, parents map[model.EntityType]string) (string, error) {
	payload, bindings, err := e.payload(b, parents)
	if err != nil {
		return "", err
	}
	return e.client.Create(ctx, e.collection, payload, bindings)
}

// Delete is the compensation action.
func (e *EntityClient) Delete(ctx context.Context, externalID string) error {
	return e.client.Delete(ctx, e.collection, externalID)
}

func requireParent(parents map[model.EntityType]string, entity model.EntityType) (string, error) {
	id, ok := parents[entity]
	if !ok || id == "" {
		return "", fmt.Errorf("missing %s parent id", entity)
	}
	return id, nil
}

// NewPersonClient creates the root record; every other entity binds to it.
func NewPersonClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityPerson,
		collection: collectionPersons,
		client:     c,
		payload: func(b model.Bundle, _ map[model.EntityType]string) (map[string]any, map[string]string, error) {
			p := b.Person
			return map[string]any{
				"firstName": p.FirstName,
				"lastName":  p.LastName,
				"birthDate": p.BirthDate,
				"gender":    p.Gender,
			}, nil, nil
		},
	}
}

func NewAddressClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityAddress,
		collection: collectionAddresses,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			a := b.Address
			return map[string]any{
					"street":     a.Street,
					"city":       a.City,
					"postalCode": a.PostalCode,
					"country":    a.Country,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}

func NewContactClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityContact,
		collection: collectionContacts,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			ct := b.Contact
			return map[string]any{
					"email": ct.Email,
					"phone": ct.Phone,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}

func NewIdentityClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityIdentity,
		collection: collectionIdentities,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			id := b.Identity
			return map[string]any{
					"nationalId":  id.NationalID,
					"nationality": id.Nationality,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}

func NewEducationClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityEducation,
		collection: collectionEducation,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			ed := b.Education
			return map[string]any{
					"category":       ed.Category,
					"institution":    ed.Institution,
					"graduationYear": ed.GraduationYear,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}

func NewMembershipClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityMembership,
		collection: collectionMemberships,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			m := b.Membership
			return map[string]any{
					"grade":       m.Grade,
					"declaration": m.Declaration,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}

func NewPreferencesClient(c *Client) *EntityClient {
	return &EntityClient{
		entity:     model.EntityPreferences,
		collection: collectionPreferences,
		client:     c,
		payload: func(b model.Bundle, parents map[model.EntityType]string) (map[string]any, map[string]string, error) {
			personID, err := requireParent(parents, model.EntityPerson)
			if err != nil {
				return nil, nil, err
			}
			p := b.Preferences
			return map[string]any{
					"newsletter": p.Newsletter,
					"language":   p.Language,
				}, map[string]string{
					"person": personRef(personID),
				}, nil
		},
	}
}
