package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: typeflag,
			Linkname: e.linkname,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func validPubspec(name, version string) string {
	return "name: " + name + "\nversion: " + version + "\ndescription: a package\n"
}

func TestValidateArchiveHappyPath(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "pubspec.yaml", body: validPubspec("http_retry", "1.2.3")},
		{name: "lib/http_retry.dart", body: "void main() {}"},
	})

	m, err := ValidateArchive(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("ValidateArchive() error = %v", err)
	}
	if m.Name != "http_retry" || m.Version != "1.2.3" {
		t.Errorf("manifest = %s %s", m.Name, m.Version)
	}
	if m.Description != "a package" {
		t.Errorf("description = %q", m.Description)
	}
	if m.Pubspec["name"] != "http_retry" {
		t.Errorf("pubspec map lost name: %v", m.Pubspec)
	}
}

func TestValidateArchiveNotGzip(t *testing.T) {
	_, err := ValidateArchive(strings.NewReader("plain text"))
	if !apierr.Is(err, apierr.KindUnsupportedMedia) {
		t.Fatalf("err = %v, want unsupported-media-type", err)
	}
}

func TestValidateArchiveGzipButNotTar(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("not a tar stream at all, just bytes"))
	gz.Close()

	_, err := ValidateArchive(bytes.NewReader(buf.Bytes()))
	if !apierr.Is(err, apierr.KindUnsupportedMedia) {
		t.Fatalf("err = %v, want unsupported-media-type", err)
	}
}

func TestValidateArchiveRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{
			name: "parent traversal",
			entries: []tarEntry{
				{name: "../escape.txt", body: "x"},
				{name: "pubspec.yaml", body: validPubspec("pkg", "1.0.0")},
			},
		},
		{
			name: "absolute path",
			entries: []tarEntry{
				{name: "/etc/passwd", body: "x"},
				{name: "pubspec.yaml", body: validPubspec("pkg", "1.0.0")},
			},
		},
		{
			name: "symlink",
			entries: []tarEntry{
				{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
				{name: "pubspec.yaml", body: validPubspec("pkg", "1.0.0")},
			},
		},
		{
			name: "device entry",
			entries: []tarEntry{
				{name: "dev", typeflag: tar.TypeChar},
				{name: "pubspec.yaml", body: validPubspec("pkg", "1.0.0")},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := buildArchive(t, tt.entries)
			_, err := ValidateArchive(bytes.NewReader(archive))
			if !apierr.Is(err, apierr.KindUnprocessable) {
				t.Fatalf("err = %v, want unprocessable-entity", err)
			}
		})
	}
}

func TestValidateArchiveMissingPubspec(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "lib/code.dart", body: "void main() {}"},
	})
	_, err := ValidateArchive(bytes.NewReader(archive))
	if !apierr.Is(err, apierr.KindUnprocessable) {
		t.Fatalf("err = %v, want unprocessable-entity", err)
	}
}

func TestValidateArchiveNestedPubspecDoesNotCount(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "example/pubspec.yaml", body: validPubspec("example", "1.0.0")},
	})
	if _, err := ValidateArchive(bytes.NewReader(archive)); err == nil {
		t.Fatal("nested pubspec.yaml accepted as root manifest")
	}
}

func TestValidateArchiveBadManifest(t *testing.T) {
	tests := []struct {
		name    string
		pubspec string
		kind    apierr.Kind
	}{
		{"invalid yaml", "name: [unclosed", apierr.KindBadRequest},
		{"missing name", "version: 1.0.0\n", apierr.KindUnprocessable},
		{"missing version", "name: pkg\n", apierr.KindUnprocessable},
		{"bad name", "name: Not-Valid\nversion: 1.0.0\n", apierr.KindUnprocessable},
		{"bad semver", "name: pkg\nversion: not.a.version\n", apierr.KindUnprocessable},
		{"partial semver", "name: pkg\nversion: \"1.2\"\n", apierr.KindUnprocessable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := buildArchive(t, []tarEntry{{name: "pubspec.yaml", body: tt.pubspec}})
			_, err := ValidateArchive(bytes.NewReader(archive))
			if !apierr.Is(err, tt.kind) {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestValidatePackageName(t *testing.T) {
	valid := []string{"a", "_private", "http_retry", "a1", "pkg_2"}
	for _, name := range valid {
		if err := ValidatePackageName(name); err != nil {
			t.Errorf("ValidatePackageName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "1pkg", "Upper", "has-dash", "has.dot", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ValidatePackageName(name); err == nil {
			t.Errorf("ValidatePackageName(%q) accepted", name)
		}
	}
}

func TestValidateVersion(t *testing.T) {
	for _, v := range []string{"1.0.0", "0.0.1", "2.0.0-dev.1", "1.0.0+build"} {
		if err := ValidateVersion(v); err != nil {
			t.Errorf("ValidateVersion(%q) = %v, want nil", v, err)
		}
	}
	for _, v := range []string{"", "1", "1.0", "v1.0.0", "latest"} {
		if err := ValidateVersion(v); err == nil {
			t.Errorf("ValidateVersion(%q) accepted", v)
		}
	}
}
