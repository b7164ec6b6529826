package templates

import (
	"context"
	"errors"
)

// applyGuarded runs one optimistic mutation cycle: load the current row,
// compare the caller's expected version, apply the mutation, recompute the
// derived placeholder set when content changed, stamp authorship, and
// commit through the store's compare-and-swap. The CAS is the only
// serialization point; a lost race reports the winner's version.
func (s *Service) applyGuarded(ctx context.Context, domain, templateID string, expectedVersion int64, actor string, mutate func(current Template, updated *Template) error) (Template, error) {
	current, err := s.store.GetTemplate(ctx, domain, templateID)
	if err != nil {
		return Template{}, err
	}
	if current.Version != expectedVersion {
		return Template{}, &VersionConflictError{
			TemplateID:      templateID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}

	updated := current
	if err := mutate(current, &updated); err != nil {
		return Template{}, err
	}
	if updated.Subject != current.Subject || updated.HTMLContent != current.HTMLContent {
		recomputeVariables(&updated)
	}

	now := s.clock().UTC().Unix()
	updated.Version = expectedVersion + 1
	updated.LastModifiedBy = actor
	updated.LastModifiedAtSeconds = now

	if err := s.store.CompareAndSwapTemplate(ctx, updated, expectedVersion, current.Status); err != nil {
		return Template{}, s.mapSwapConflict(err, expectedVersion)
	}
	return updated, nil
}

// swapStatus applies a status-only transition. Status changes do not
// consume a version: the row is swapped against its current version and
// status, and the version is carried over unchanged.
func (s *Service) swapStatus(ctx context.Context, current Template, mutate func(updated *Template)) (Template, error) {
	updated := current
	mutate(&updated)
	updated.Version = current.Version

	if err := s.store.CompareAndSwapTemplate(ctx, updated, current.Version, current.Status); err != nil {
		return Template{}, err
	}
	return updated, nil
}

// mapSwapConflict turns a raw store conflict into the caller-facing
// version conflict. The expected version was verified above, so a lost
// swap means another writer got in between read and commit.
func (s *Service) mapSwapConflict(err error, expectedVersion int64) error {
	var conflict *SwapConflict
	if !errors.As(err, &conflict) {
		return err
	}
	if conflict.Current.Version == expectedVersion {
		// Same version, different status: a workflow transition slipped in
		// between read and commit.
		return &InvalidTransitionError{
			From:   conflict.Current.Status,
			Event:  eventEdit,
			Reason: "template status changed concurrently",
		}
	}
	return &VersionConflictError{
		TemplateID:      conflict.Current.TemplateID,
		ExpectedVersion: expectedVersion,
		CurrentVersion:  conflict.Current.Version,
	}
}
