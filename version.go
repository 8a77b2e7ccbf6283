package rodepush

import (
	"database/sql/driver"
	"fmt"

	"github.com/Masterminds/semver"
)

// Version is a semantic version triple with an optional pre-release tag.
//
// Ordering considers only (major, minor, patch); the pre-release tag is
// preserved but ignored for comparison.
type Version struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	PreRelease string `json:"pre_release,omitempty"`
}

// ParseVersion parses a semver string such as "1.2.3" or "1.2.3-alpha.1".
func ParseVersion(s string) (Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, &Error{
			Kind:    ErrValidation,
			Message: fmt.Sprintf("invalid version %q", s),
			Inner:   err,
		}
	}
	return Version{
		Major:      uint64(v.Major()),
		Minor:      uint64(v.Minor()),
		Patch:      uint64(v.Patch()),
		PreRelease: v.Prerelease(),
	}, nil
}

func (v Version) String() string {
	if v.PreRelease != "" {
		return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Patch, v.PreRelease)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	for _, p := range [][2]uint64{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
	}
	return 0
}

// Compatible reports whether a differential update between the two
// versions is allowed. Updates are constrained to the same major.minor
// line.
func (v Version) Compatible(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(t []byte) error {
	p, err := ParseVersion(string(t))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

// Scan implements sql.Scanner.
func (v *Version) Scan(i interface{}) error {
	s, ok := i.(string)
	if !ok {
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("invalid version type %T", i)}
	}
	return v.UnmarshalText([]byte(s))
}

// Value implements driver.Valuer.
func (v Version) Value() (driver.Value, error) {
	return v.String(), nil
}
