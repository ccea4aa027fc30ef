package mysql

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Supported platform names.
const (
	PlatformDebian = "debian"
	PlatformUbuntu = "ubuntu"
)

// Platform identifies the target distribution.
type Platform struct {
	// Name is the os-release ID, e.g. "debian" or "ubuntu".
	Name string `json:"name" yaml:"name" validate:"required,oneof=debian ubuntu"`
	// Version is the os-release VERSION_ID, e.g. "7" or "14.04".
	Version string `json:"version" yaml:"version" validate:"required"`
}

// ErrPlatformUnknown is returned when a service declares no platform and
// none was detected on the target.
var ErrPlatformUnknown = errors.New("platform is not declared and has not been detected")

// IsZero reports whether the platform is unset.
func (p Platform) IsZero() bool {
	return p.Name == "" && p.Version == ""
}

// platformVersions maps platform_and_version to the MySQL versions it
// ships. The first entry is the default.
var platformVersions = map[string][]string{
	"debian-7":     {"5.5"},
	"debian-8":     {"5.5"},
	"ubuntu-12.04": {"5.5"},
	"ubuntu-14.04": {"5.5", "5.6"},
}

// ParseOSRelease extracts the platform from /etc/os-release content.
func ParseOSRelease(content string) (Platform, error) {
	var p Platform
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			p.Name = strings.ToLower(value)
		case "VERSION_ID":
			p.Version = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Platform{}, fmt.Errorf("failed to read os-release: %w", err)
	}
	if p.Name == "" || p.Version == "" {
		return Platform{}, fmt.Errorf("os-release has no ID or VERSION_ID")
	}
	return p, nil
}

// PlatformAndVersion keys version-specific templates. Debian is keyed by
// major release, Ubuntu by full release.
func (p Platform) PlatformAndVersion() string {
	switch p.Name {
	case PlatformDebian:
		major, _, _ := strings.Cut(p.Version, ".")
		return PlatformDebian + "-" + major
	default:
		return p.Name + "-" + p.Version
	}
}

// String implements fmt.Stringer.
func (p Platform) String() string {
	return p.PlatformAndVersion()
}

// Supported reports whether the platform has a version table.
func (p Platform) Supported() bool {
	_, ok := platformVersions[p.PlatformAndVersion()]
	return ok
}

// DefaultVersion returns the MySQL version installed when none is requested.
func (p Platform) DefaultVersion() (string, error) {
	versions, ok := platformVersions[p.PlatformAndVersion()]
	if !ok {
		return "", fmt.Errorf("unsupported platform %s", p.PlatformAndVersion())
	}
	return versions[0], nil
}

// SupportsVersion reports whether version is packaged for the platform.
func (p Platform) SupportsVersion(version string) bool {
	for _, v := range platformVersions[p.PlatformAndVersion()] {
		if v == version {
			return true
		}
	}
	return false
}

// SupportedPlatforms lists every platform_and_version key, sorted.
func SupportedPlatforms() []string {
	keys := make([]string, 0, len(platformVersions))
	for k := range platformVersions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
