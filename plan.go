package sqlmigrate

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/hashicorp/go-multierror"
)

// Discover loads and merges scripts from all sources, validates their
// identifiers and returns them in ascending version order. Every problem is
// reported at once as a multierror of *DiscoveryError.
//
// Parameters:
//   - sources: The sources to load scripts from.
//
// Returns:
//   - []Script: The scripts sorted by version.
//   - error: An error if any script is invalid or duplicated.
func Discover(sources ...Source) ([]Script, error) {
	var (
		all  []Script
		errs *multierror.Error
	)
	for _, src := range sources {
		scripts, err := src.LoadScripts()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		all = append(all, scripts...)
	}

	seen := make(map[int64]Script, len(all))
	out := make([]Script, 0, len(all))
	for _, s := range all {
		version, err := ParseIdentifier(s.ID)
		if err != nil {
			errs = multierror.Append(errs, &DiscoveryError{
				File: s.Source, Identifier: s.ID,
				Reason: "unparsable identifier", Err: err,
			})
			continue
		}
		if len(s.Steps) == 0 {
			errs = multierror.Append(errs, &DiscoveryError{
				File: s.Source, Identifier: s.ID,
				Reason: "script has no statements",
			})
			continue
		}
		if prev, dup := seen[version]; dup {
			errs = multierror.Append(errs, &DiscoveryError{
				File: s.Source, Identifier: s.ID,
				Reason: fmt.Sprintf("duplicate identifier, also used by %s", prev.Source),
			})
			continue
		}

		s.Version = version
		if s.Checksum == "" {
			s.Checksum = checksumSteps(s.Steps)
		}
		if !s.classSet {
			s.Class = classifySteps(s.Steps)
			s.classSet = true
		}
		seen[version] = s
		out = append(out, s)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	sortScripts(out)
	return out, nil
}

// ParseIdentifier returns the numeric value of a migration identifier. The
// identifier must be all digits and greater than zero.
func ParseIdentifier(id string) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("empty identifier")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return 0, fmt.Errorf("identifier %q is not numeric", id)
		}
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", id, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("identifier %q must be greater than zero", id)
	}
	return n, nil
}

// Plan returns the scripts of available that are not in applied, in
// ascending version order. A one-shot script older than the newest applied
// version fails the plan with an OrderingError: the history diverges from the
// scripts. An idempotent script in that position, e.g. after its history
// record was deleted, is planned again.
//
// Parameters:
//   - applied: Applied versions.
//   - available: Discovered scripts.
//
// Returns:
//   - []Script: The pending scripts.
//   - error: An *OrderingError if the history diverges.
func Plan(applied map[int64]Record, available []Script) ([]Script, error) {
	sorted := slices.Clone(available)
	sortScripts(sorted)

	newest, newestVersion := newestRecord(applied)
	var pending []Script
	for _, s := range sorted {
		if _, ok := applied[s.Version]; ok {
			continue
		}
		if newest != nil && newestVersion > s.Version && s.Class != ClassIdempotent {
			return nil, &OrderingError{
				Applied: newest.Identifier,
				Pending: s.ID,
			}
		}
		pending = append(pending, s)
	}
	return pending, nil
}

// newestRecord returns the applied record with the highest version.
func newestRecord(applied map[int64]Record) (*Record, int64) {
	var (
		newest        *Record
		newestVersion int64
	)
	for v, rec := range applied {
		if newest == nil || v > newestVersion {
			r := rec
			newest, newestVersion = &r, v
		}
	}
	return newest, newestVersion
}

// appliedSet indexes ledger records by version.
func appliedSet(records []Record) (map[int64]Record, error) {
	set := make(map[int64]Record, len(records))
	for _, rec := range records {
		v, err := ParseIdentifier(rec.Identifier)
		if err != nil {
			return nil, &OrderingError{
				Applied: rec.Identifier,
				Reason: fmt.Sprintf(
					"history contains unparsable identifier %q: %v",
					rec.Identifier, err,
				),
			}
		}
		set[v] = rec
	}
	return set, nil
}

func sortScripts(scripts []Script) {
	slices.SortFunc(scripts, func(a, b Script) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
}
