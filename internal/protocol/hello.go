package protocol

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// HelloTimeout is the maximum time allowed for the hello exchange
const HelloTimeout = 10 * time.Second

// Compatible checks if this hello is compatible with another
func (h *Hello) Compatible(other *Hello) error {
	if other == nil {
		return errors.New("nil hello")
	}

	if !isVersionCompatible(h.Version, other.MinVersion) {
		return fmt.Errorf("our version %s is below their minimum %s", h.Version, other.MinVersion)
	}

	if !isVersionCompatible(other.Version, h.MinVersion) {
		return fmt.Errorf("their version %s is below our minimum %s", other.Version, h.MinVersion)
	}

	if other.Name == "" {
		return errors.New("missing name")
	}

	if other.Name == h.Name {
		return fmt.Errorf("peer uses our own name %q", h.Name)
	}

	return nil
}

// PerformHello exchanges hellos with a peer over a freshly opened connection
func PerformHello(conn net.Conn, ours *Hello) (*Hello, error) {
	conn.SetDeadline(time.Now().Add(HelloTimeout))
	defer conn.SetDeadline(time.Time{})

	framer := NewFramer(conn, conn)

	if err := framer.Send(FrameHello, ours); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	theirFrame, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}

	if theirFrame.Type != FrameHello {
		return nil, fmt.Errorf("expected hello, got %s", theirFrame.Type)
	}

	var theirs Hello
	if err := theirFrame.ParsePayload(&theirs); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}

	if err := ours.Compatible(&theirs); err != nil {
		return nil, fmt.Errorf("incompatible: %w", err)
	}

	return &theirs, nil
}

// isVersionCompatible checks if version meets minimum requirement
func isVersionCompatible(version, minVersion string) bool {
	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	min, err := parseVersion(minVersion)
	if err != nil {
		return false
	}
	return v.Compare(min) >= 0
}

// Version represents a semantic version
type Version struct {
	Major int
	Minor int
	Patch int
}

// parseVersion parses a version string like "1.2.3"
func parseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 3 {
		return v, fmt.Errorf("invalid version format: %s", s)
	}

	var err error
	if v.Major, err = parseVersionPart(parts[0]); err != nil {
		return v, err
	}

	if len(parts) >= 2 {
		if v.Minor, err = parseVersionPart(parts[1]); err != nil {
			return v, err
		}
	}

	if len(parts) >= 3 {
		if v.Patch, err = parseVersionPart(parts[2]); err != nil {
			return v, err
		}
	}

	return v, nil
}

// parseVersionPart parses a single version part, stripping any suffix
func parseVersionPart(s string) (int, error) {
	// Strip any suffix like "-beta", "-rc1"
	for i, c := range s {
		if c < '0' || c > '9' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return 0, nil
	}

	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String returns the version as a string
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
