package registry

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
)

// packageNameRe is the pub package name grammar: lowercase identifier,
// may start with an underscore.
var packageNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const maxPackageNameLen = 64

// Manifest is the subset of pubspec.yaml the registry depends on, plus
// the full decoded document for the listing.
type Manifest struct {
	Name        string
	Version     string
	Description string
	Pubspec     map[string]interface{}
}

// ValidatePackageName checks a package name against the pub grammar.
func ValidatePackageName(name string) error {
	if name == "" {
		return apierr.New(apierr.KindUnprocessable, "package name is required")
	}
	if len(name) > maxPackageNameLen {
		return apierr.New(apierr.KindUnprocessable, "package name exceeds %d characters", maxPackageNameLen)
	}
	if !packageNameRe.MatchString(name) {
		return apierr.New(apierr.KindUnprocessable, "invalid package name %q", name)
	}
	return nil
}

// ValidateVersion checks that a version string is strict semver.
func ValidateVersion(version string) error {
	if version == "" {
		return apierr.New(apierr.KindUnprocessable, "version is required")
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return apierr.E(apierr.KindUnprocessable, err, "invalid version %q", version)
	}
	return nil
}

// ValidateArchive decodes a gzipped tar archive, enforces path safety, and
// extracts the root pubspec.yaml as the package manifest.
//
// Rejected entries: paths containing "..", absolute paths, symlinks and
// hardlinks, and device or FIFO entries. The archive must contain
// pubspec.yaml at its root.
func ValidateArchive(r io.Reader) (*Manifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, apierr.E(apierr.KindUnsupportedMedia, err, "archive is not gzip compressed")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var pubspecRaw []byte
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apierr.E(apierr.KindUnsupportedMedia, err, "archive is not a valid tar")
		}

		name := hdr.Name
		if strings.HasPrefix(name, "/") {
			return nil, apierr.New(apierr.KindUnprocessable, "archive entry %q has an absolute path", name)
		}
		for _, seg := range strings.Split(name, "/") {
			if seg == ".." {
				return nil, apierr.New(apierr.KindUnprocessable, "archive entry %q contains a parent traversal", name)
			}
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		case tar.TypeSymlink, tar.TypeLink:
			return nil, apierr.New(apierr.KindUnprocessable, "archive entry %q is a link", name)
		default:
			return nil, apierr.New(apierr.KindUnprocessable, "archive entry %q has unsupported type", name)
		}

		if hdr.Typeflag == tar.TypeReg && path.Clean(name) == "pubspec.yaml" {
			pubspecRaw, err = io.ReadAll(tr)
			if err != nil {
				return nil, apierr.E(apierr.KindUnsupportedMedia, err, "read pubspec.yaml")
			}
		}
	}

	if pubspecRaw == nil {
		return nil, apierr.New(apierr.KindUnprocessable, "archive has no pubspec.yaml at its root")
	}
	return parseManifest(pubspecRaw)
}

func parseManifest(raw []byte) (*Manifest, error) {
	var pubspec map[string]interface{}
	if err := yaml.Unmarshal(raw, &pubspec); err != nil {
		return nil, apierr.E(apierr.KindBadRequest, err, "pubspec.yaml is not valid YAML")
	}

	m := &Manifest{Pubspec: pubspec}
	m.Name, _ = pubspec["name"].(string)
	if v, ok := pubspec["version"].(string); ok {
		m.Version = v
	}
	m.Description, _ = pubspec["description"].(string)

	if err := ValidatePackageName(m.Name); err != nil {
		return nil, err
	}
	if err := ValidateVersion(m.Version); err != nil {
		return nil, err
	}
	return m, nil
}
