package jwttoken

import (
	"enrolld/internal/platform/middleware"
	pstrings "enrolld/pkg/platform/strings"
)

// Adapter bridges the token service to the middleware's CapabilityValidator
// interface.
type Adapter struct {
	service *Service
}

func NewAdapter(service *Service) *Adapter {
	return &Adapter{service: service}
}

func (a *Adapter) ValidateToken(tokenString string) (*middleware.CapabilityClaims, error) {
	claims, err := a.service.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.CapabilityClaims{
		Subject: claims.Subject,
		Roles:   pstrings.DedupeAndTrim(claims.Roles),
	}, nil
}
