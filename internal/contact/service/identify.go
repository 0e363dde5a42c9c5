package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"linkage/internal/contact/models"
	dErrors "linkage/pkg/domain-errors"
	"linkage/pkg/requestcontext"
)

// maxLockRounds bounds how often Identify retakes its locks because the
// matched clusters changed while it waited.
const maxLockRounds = 4

const (
	outcomeCreated = "created"
	outcomeLinked  = "linked"
	outcomeMerged  = "merged"
	outcomeMatched = "matched"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// clusterMovedError reports cluster anchors found under the locks that the
// call does not hold.
type clusterMovedError struct {
	keys []string
}

func (e *clusterMovedError) Error() string {
	return fmt.Sprintf("contact clusters changed while waiting for locks: %v", e.keys)
}

// reconciliation records the writes of one identify call.
type reconciliation struct {
	primaryID int64
	created   []*models.Contact
	demoted   []int64
	relinked  []int64
}

func (r reconciliation) outcome() string {
	switch {
	case len(r.demoted) > 0:
		return outcomeMerged
	case len(r.created) == 1 && r.created[0].IsPrimary():
		return outcomeCreated
	case len(r.created) > 0:
		return outcomeLinked
	default:
		return outcomeMatched
	}
}

// Identify resolves the request to its identity cluster, creating, linking
// or merging contacts as needed, and returns the cluster view.
//
// Calls sharing an email, a phone number or a cluster anchor are serialized
// by the locker; all writes of one call commit or roll back together.
func (s *Service) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	start := time.Now()
	outcome := outcomeError
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveIdentify(start, outcome)
		}
	}()

	ctx, span := s.tracer.Start(ctx, "contact.identify")
	defer span.End()

	req.Normalize()
	if err := req.Validate(); err != nil {
		outcome = outcomeInvalid
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("contact.has_email", req.Email != ""),
		attribute.Bool("contact.has_phone", req.PhoneNumber != ""),
	)

	keys, err := s.lockKeys(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, storeError(err, "failed to load contact cluster")
	}

	rec, release, err := s.reconcileLocked(ctx, req, keys)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile")
		s.logger.ErrorContext(ctx, "identify failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, storeError(err, "failed to reconcile contact")
	}
	defer release()
	s.report(ctx, rec)

	members, err := s.store.Query(ctx, models.ClusterFilter(rec.primaryID, req))
	if err != nil {
		span.RecordError(err)
		return nil, storeError(err, "failed to load contact cluster")
	}

	outcome = rec.outcome()
	span.SetAttributes(
		attribute.Int64("contact.primary_id", rec.primaryID),
		attribute.String("contact.outcome", outcome),
	)
	return &models.IdentifyResponse{Contact: assemble(rec.primaryID, members)}, nil
}

// lockKeys returns the request's identity keys plus the anchors of the
// clusters it currently reaches. The read runs unlocked; reconcile re-checks
// the anchors once the locks are held.
func (s *Service) lockKeys(ctx context.Context, req models.IdentifyRequest) ([]string, error) {
	keys := req.Keys()
	matches, err := s.store.Query(ctx, models.MatchFilter(req))
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	if len(matches) == 0 {
		return keys, nil
	}
	working, err := s.withLinkedPrimaries(ctx, matches)
	if err != nil {
		return nil, err
	}
	selected, primaries := anchorsOf(matches, working)
	return append(keys, anchorKeys(selected, primaries)...), nil
}

// reconcileLocked runs reconcile in one transaction under keys. When the
// clusters moved while it waited, the locks are retaken with the new anchors
// added. On success the caller owns release.
func (s *Service) reconcileLocked(ctx context.Context, req models.IdentifyRequest, keys []string) (reconciliation, func(), error) {
	for round := 1; ; round++ {
		release, err := s.acquire(ctx, keys)
		if err != nil {
			return reconciliation{}, nil, err
		}

		var rec reconciliation
		err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			rec, err = s.reconcile(ctx, req, keys)
			return err
		})
		if err == nil {
			return rec, release, nil
		}
		release()

		var moved *clusterMovedError
		if !errors.As(err, &moved) {
			return reconciliation{}, nil, err
		}
		if round == maxLockRounds {
			return reconciliation{}, nil, dErrors.Wrap(err, dErrors.CodeConflict, "contact cluster changed concurrently")
		}
		keys = append(slices.Clone(keys), moved.keys...)
	}
}

// reconcile runs inside the transaction: match, pick the primary, add a
// secondary for new information, and merge clusters bridged by the request.
// Every anchor it writes against must be covered by held.
func (s *Service) reconcile(ctx context.Context, req models.IdentifyRequest, held []string) (reconciliation, error) {
	now := requestcontext.Now(ctx)

	matches, err := s.store.Query(ctx, models.MatchFilter(req))
	if err != nil {
		return reconciliation{}, fmt.Errorf("query matches: %w", err)
	}

	if len(matches) == 0 {
		created, err := s.store.Create(ctx, models.NewPrimary(req.EmailPtr(), req.PhoneNumberPtr(), now))
		if err != nil {
			return reconciliation{}, fmt.Errorf("create primary: %w", err)
		}
		return reconciliation{primaryID: created.ID, created: []*models.Contact{created}}, nil
	}

	working, err := s.withLinkedPrimaries(ctx, matches)
	if err != nil {
		return reconciliation{}, err
	}

	selected, primaries := anchorsOf(matches, working)
	if missing := missingKeys(anchorKeys(selected, primaries), held); len(missing) > 0 {
		return reconciliation{}, &clusterMovedError{keys: missing}
	}
	rec := reconciliation{primaryID: selected.ID}

	if hasNewInformation(req, matches) {
		created, err := s.store.Create(ctx, models.NewSecondary(req.EmailPtr(), req.PhoneNumberPtr(), selected.ID, now))
		if err != nil {
			return reconciliation{}, fmt.Errorf("create secondary: %w", err)
		}
		rec.created = append(rec.created, created)
	}

	if len(primaries) > 1 {
		demoted, relinked, err := s.merge(ctx, selected, primaries, now)
		if err != nil {
			return reconciliation{}, err
		}
		rec.demoted = demoted
		rec.relinked = relinked
	}
	return rec, nil
}

// anchorsOf picks the surviving primary of the working set. With only
// dangling linkedIds it anchors on the oldest match as-is.
func anchorsOf(matches, working []*models.Contact) (selected *models.Contact, primaries []*models.Contact) {
	primaries = primariesOf(working)
	selected = earliest(primaries)
	if selected == nil {
		selected = earliest(matches)
	}
	return selected, primaries
}

func anchorKeys(selected *models.Contact, primaries []*models.Contact) []string {
	if len(primaries) == 0 {
		return []string{models.ContactKey(selected.ID)}
	}
	keys := make([]string, 0, len(primaries))
	for _, p := range primaries {
		keys = append(keys, models.ContactKey(p.ID))
	}
	return keys
}

func missingKeys(want, held []string) []string {
	var out []string
	for _, k := range want {
		if !slices.Contains(held, k) {
			out = append(out, k)
		}
	}
	return out
}

// withLinkedPrimaries adds the primaries of matched secondaries that did not
// match directly, following linkedIds until the set is closed.
func (s *Service) withLinkedPrimaries(ctx context.Context, matches []*models.Contact) ([]*models.Contact, error) {
	working := slices.Clone(matches)
	seen := make(map[int64]bool, len(matches))
	for _, c := range matches {
		seen[c.ID] = true
	}

	pending := missingLinks(working, seen)
	for len(pending) > 0 {
		found, err := s.store.Query(ctx, models.Filter{IDs: pending})
		if err != nil {
			return nil, fmt.Errorf("load linked primaries: %w", err)
		}
		for _, id := range pending {
			seen[id] = true
		}
		working = append(working, found...)
		pending = missingLinks(found, seen)
	}
	return working, nil
}

func missingLinks(contacts []*models.Contact, seen map[int64]bool) []int64 {
	var out []int64
	for _, c := range contacts {
		if c.LinkedID != nil && !seen[*c.LinkedID] && !slices.Contains(out, *c.LinkedID) {
			out = append(out, *c.LinkedID)
		}
	}
	return out
}

// merge demotes every primary but chosen and re-points their secondaries
// at chosen, so the cluster stays one hop deep.
func (s *Service) merge(ctx context.Context, chosen *models.Contact, primaries []*models.Contact, now time.Time) (demoted, relinked []int64, err error) {
	for _, p := range primaries {
		if p.ID == chosen.ID {
			continue
		}
		if err := p.CanDemote(chosen.ID); err != nil {
			return nil, nil, err
		}
		if _, err := s.store.Update(ctx, p.ID, models.Demotion(chosen.ID, now)); err != nil {
			return nil, nil, fmt.Errorf("demote contact %d: %w", p.ID, err)
		}
		demoted = append(demoted, p.ID)
	}

	orphans, err := s.store.Query(ctx, models.Filter{LinkedIDs: demoted, IncludeDeleted: true})
	if err != nil {
		return nil, nil, fmt.Errorf("load secondaries of demoted primaries: %w", err)
	}
	for _, c := range orphans {
		if c.IsLinkedTo(chosen.ID) {
			continue
		}
		if _, err := s.store.Update(ctx, c.ID, models.Relink(chosen.ID, now)); err != nil {
			return nil, nil, fmt.Errorf("relink contact %d: %w", c.ID, err)
		}
		relinked = append(relinked, c.ID)
	}
	return demoted, relinked, nil
}

// report logs and counts the committed writes of one call.
func (s *Service) report(ctx context.Context, rec reconciliation) {
	for _, c := range rec.created {
		if s.metrics != nil {
			s.metrics.IncrementContactsCreated(c.LinkPrecedence.String())
		}
		s.logger.InfoContext(ctx, "contact created",
			"request_id", requestcontext.RequestID(ctx),
			"contact_id", c.ID,
			"link_precedence", c.LinkPrecedence.String(),
			"primary_id", rec.primaryID,
		)
	}
	if len(rec.demoted) > 0 {
		if s.metrics != nil {
			s.metrics.RecordMerge(len(rec.demoted), len(rec.relinked))
		}
		s.logger.InfoContext(ctx, "contact clusters merged",
			"request_id", requestcontext.RequestID(ctx),
			"primary_id", rec.primaryID,
			"demoted_ids", rec.demoted,
			"relinked_ids", rec.relinked,
		)
	}
}

func primariesOf(contacts []*models.Contact) []*models.Contact {
	var out []*models.Contact
	seen := make(map[int64]bool)
	for _, c := range contacts {
		if c.IsPrimary() && !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// earliest returns the contact created first, lowest id on ties.
func earliest(contacts []*models.Contact) *models.Contact {
	var out *models.Contact
	for _, c := range contacts {
		if out == nil || c.Precedes(out) {
			out = c
		}
	}
	return out
}

// hasNewInformation reports a supplied email or phone that no direct match
// carries.
func hasNewInformation(req models.IdentifyRequest, matches []*models.Contact) bool {
	newEmail := req.Email != "" && !slices.ContainsFunc(matches, func(c *models.Contact) bool {
		return c.HasEmail(req.Email)
	})
	newPhone := req.PhoneNumber != "" && !slices.ContainsFunc(matches, func(c *models.Contact) bool {
		return c.HasPhoneNumber(req.PhoneNumber)
	})
	return newEmail || newPhone
}
