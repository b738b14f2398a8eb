package registry

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

// VersionEntry is one version object in the listing document. Field names
// follow the Hosted Pub Repository spec exactly.
type VersionEntry struct {
	Version           string                 `json:"version"`
	ArchiveURL        string                 `json:"archive_url"`
	ArchiveSHA256     string                 `json:"archive_sha256"`
	Pubspec           map[string]interface{} `json:"pubspec"`
	Retracted         bool                   `json:"retracted,omitempty"`
	RetractionMessage string                 `json:"retractionMessage,omitempty"`
	Published         string                 `json:"published,omitempty"`
}

// Listing is the version-listing document served to pub clients.
type Listing struct {
	Name               string         `json:"name"`
	IsDiscontinued     bool           `json:"isDiscontinued,omitempty"`
	ReplacedBy         *string        `json:"replacedBy,omitempty"`
	Latest             *VersionEntry  `json:"latest,omitempty"`
	LatestNonRetracted *VersionEntry  `json:"latest_non_retracted,omitempty"`
	Versions           []VersionEntry `json:"versions"`
}

// ArchiveURL builds the download URL for a version under the configured
// base URL.
func ArchiveURL(baseURL, pkg, version string) string {
	return fmt.Sprintf("%s/api/packages/%s/versions/%s/archive.tar.gz", baseURL, pkg, version)
}

// BuildListing assembles the resolution document for a package.
//
// Latest selection: the greatest non-retracted stable version by semver
// precedence; failing that, the greatest non-retracted prerelease;
// failing that, the greatest version of all. Versions that do not parse
// as semver are listed but never become latest. Ties (identical semver
// from distinct rows cannot happen, but equal precedence with different
// build metadata can) break toward the earlier published_at.
func BuildListing(baseURL string, info *metadata.PackageInfo) *Listing {
	listing := &Listing{
		Name:           info.Package.Name,
		IsDiscontinued: info.Package.IsDiscontinued,
		ReplacedBy:     info.Package.ReplacedBy,
		Versions:       make([]VersionEntry, 0, len(info.Versions)),
	}

	type candidate struct {
		entry  *VersionEntry
		parsed *semver.Version
		meta   *metadata.PackageVersion
	}
	var candidates []candidate

	sorted := make([]*metadata.PackageVersion, len(info.Versions))
	copy(sorted, info.Versions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
	})

	for _, v := range sorted {
		entry := VersionEntry{
			Version:       v.Version,
			ArchiveURL:    ArchiveURL(baseURL, v.PackageName, v.Version),
			ArchiveSHA256: v.ArchiveSHA256,
			Pubspec:       v.Pubspec,
			Retracted:     v.IsRetracted,
			Published:     v.PublishedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if v.RetractionMessage != nil {
			entry.RetractionMessage = *v.RetractionMessage
		}
		listing.Versions = append(listing.Versions, entry)

		parsed, err := semver.StrictNewVersion(v.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			entry:  &listing.Versions[len(listing.Versions)-1],
			parsed: parsed,
			meta:   v,
		})
	}

	// pick returns the greatest candidate passing the filter; equal
	// precedence breaks toward earlier published_at, which the incoming
	// publish order already guarantees with a strict GreaterThan.
	pick := func(ok func(candidate) bool) *VersionEntry {
		var best *candidate
		for i := range candidates {
			c := &candidates[i]
			if !ok(*c) {
				continue
			}
			if best == nil || c.parsed.GreaterThan(best.parsed) {
				best = c
			}
		}
		if best == nil {
			return nil
		}
		return best.entry
	}

	stable := pick(func(c candidate) bool {
		return !c.meta.IsRetracted && c.parsed.Prerelease() == ""
	})
	nonRetracted := pick(func(c candidate) bool { return !c.meta.IsRetracted })
	any := pick(func(c candidate) bool { return true })

	switch {
	case stable != nil:
		listing.Latest = stable
	case nonRetracted != nil:
		listing.Latest = nonRetracted
	default:
		listing.Latest = any
	}
	listing.LatestNonRetracted = nonRetracted

	return listing
}

// EntryFor returns the listing entry for a single version, or nil.
func (l *Listing) EntryFor(version string) *VersionEntry {
	for i := range l.Versions {
		if l.Versions[i].Version == version {
			return &l.Versions[i]
		}
	}
	return nil
}
