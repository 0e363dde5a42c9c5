package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"linkage/internal/contact/models"
	dErrors "linkage/pkg/domain-errors"
	"linkage/pkg/platform/sentinel"
	str "linkage/pkg/platform/strings"
)

// Cluster returns the view of the cluster containing contact id.
func (s *Service) Cluster(ctx context.Context, id int64) (*models.IdentifyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "contact.cluster")
	defer span.End()
	span.SetAttributes(attribute.Int64("contact.id", id))

	found, err := s.store.Query(ctx, models.Filter{IDs: []int64{id}})
	if err != nil {
		return nil, storeError(err, "failed to load contact")
	}
	if len(found) == 0 {
		return nil, dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, "contact not found")
	}

	primaryID, err := s.clusterAnchor(ctx, found[0])
	if err != nil {
		return nil, storeError(err, "failed to load contact cluster")
	}
	members, err := s.store.Query(ctx, models.Filter{IDs: []int64{primaryID, id}, LinkedIDs: []int64{primaryID}})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "contact not found")
		}
		return nil, storeError(err, "failed to load contact cluster")
	}
	return &models.IdentifyResponse{Contact: assemble(primaryID, members)}, nil
}

// clusterAnchor returns the primary c resolves to in one hop. When the
// linked contact is gone or not a primary, c anchors its own view, as
// Identify does for dangling links.
func (s *Service) clusterAnchor(ctx context.Context, c *models.Contact) (int64, error) {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID, nil
	}
	linked, err := s.store.Query(ctx, models.Filter{IDs: []int64{*c.LinkedID}})
	if err != nil {
		return 0, err
	}
	if len(linked) == 1 && linked[0].IsPrimary() {
		return linked[0].ID, nil
	}
	return c.ID, nil
}

// assemble builds the cluster view from members in store order. The
// primary's own email and phone lead their lists.
func assemble(primaryID int64, members []*models.Contact) *models.ClusterView {
	var primary *models.Contact
	emails := make([]string, 0, len(members))
	phones := make([]string, 0, len(members))
	secondaryIDs := make([]int64, 0, len(members))

	for _, c := range members {
		if c.ID == primaryID {
			primary = c
		} else {
			secondaryIDs = append(secondaryIDs, c.ID)
		}
		emails = append(emails, str.Deref(c.Email))
		phones = append(phones, str.Deref(c.PhoneNumber))
	}

	emails = str.Distinct(emails)
	phones = str.Distinct(phones)
	if primary != nil {
		emails = str.PromoteToFront(emails, str.Deref(primary.Email))
		phones = str.PromoteToFront(phones, str.Deref(primary.PhoneNumber))
	}

	return &models.ClusterView{
		PrimaryContactID:    primaryID,
		Emails:              emails,
		PhoneNumbers:        phones,
		SecondaryContactIDs: secondaryIDs,
	}
}
