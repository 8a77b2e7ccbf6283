package rodepush

import (
	"database/sql/driver"
	"fmt"
)

// Platform identifies the mobile target a bundle is built for.
type Platform string

// Recognized platforms. The catalog constrains columns to these values.
const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformBoth    Platform = "both"
)

// ParsePlatform validates a platform string.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformIOS, PlatformAndroid, PlatformBoth:
		return p, nil
	}
	return "", &Error{Kind: ErrValidation, Message: fmt.Sprintf("unsupported platform %q", s)}
}

func (p Platform) String() string { return string(p) }

// Compatible reports whether a bundle built for p can serve a client on
// target. "both" matches either side.
func (p Platform) Compatible(target Platform) bool {
	return p == PlatformBoth || target == PlatformBoth || p == target
}

// Byte returns the wire encoding used in diff-package headers.
func (p Platform) Byte() byte {
	switch p {
	case PlatformIOS:
		return 1
	case PlatformAndroid:
		return 2
	case PlatformBoth:
		return 3
	}
	return 0
}

// PlatformFromByte is the inverse of [Platform.Byte].
func PlatformFromByte(b byte) (Platform, error) {
	switch b {
	case 1:
		return PlatformIOS, nil
	case 2:
		return PlatformAndroid, nil
	case 3:
		return PlatformBoth, nil
	}
	return "", &Error{Kind: ErrIntegrity, Message: fmt.Sprintf("unknown platform byte %#x", b)}
}

// Scan implements sql.Scanner.
func (p *Platform) Scan(i interface{}) error {
	s, ok := i.(string)
	if !ok {
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("invalid platform type %T", i)}
	}
	v, err := ParsePlatform(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Value implements driver.Valuer.
func (p Platform) Value() (driver.Value, error) {
	return string(p), nil
}
