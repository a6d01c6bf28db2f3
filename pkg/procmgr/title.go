package procmgr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Title tag layout, carried in argv[0] of every managed dev server:
//
//	zenbu:1:<role>:<instance>:<port>:<name>
//
// The format is read back after daemon restarts and must stay stable.
const (
	titlePrefix  = "zenbu"
	titleVersion = "1"
	warmName     = "_"
)

var (
	namePattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	instancePattern = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

// ValidName reports whether name can be used as a project name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ValidInstanceID reports whether id is a well-formed instance id.
func ValidInstanceID(id string) bool {
	return instancePattern.MatchString(id)
}

// Title is the decoded form of a process title tag.
type Title struct {
	Role       Role
	InstanceID string
	Port       int
	Name       string // empty for warm instances
}

// EncodeTitle renders the tag for a managed process.
func EncodeTitle(t Title) string {
	name := t.Name
	tagRole := "project"
	if t.Role == RoleWarm {
		name = warmName
		tagRole = "warm"
	}
	return strings.Join([]string{
		titlePrefix, titleVersion, tagRole, t.InstanceID, strconv.Itoa(t.Port), name,
	}, ":")
}

// IsTitle is a cheap prefix check used to discard foreign processes
// before attempting a full parse.
func IsTitle(s string) bool {
	return strings.HasPrefix(s, titlePrefix+":")
}

// ParseTitle decodes a tag produced by EncodeTitle.
func ParseTitle(s string) (Title, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Title{}, fmt.Errorf("title %q: expected 6 fields, got %d", s, len(parts))
	}
	if parts[0] != titlePrefix {
		return Title{}, fmt.Errorf("title %q: not a managed process", s)
	}
	if parts[1] != titleVersion {
		return Title{}, fmt.Errorf("title %q: unsupported version %q", s, parts[1])
	}

	var t Title
	switch parts[2] {
	case "warm":
		t.Role = RoleWarm
	case "project":
		t.Role = RoleAssigned
	default:
		return Title{}, fmt.Errorf("title %q: unknown role %q", s, parts[2])
	}

	if !ValidInstanceID(parts[3]) {
		return Title{}, fmt.Errorf("title %q: invalid instance id", s)
	}
	t.InstanceID = parts[3]

	port, err := strconv.Atoi(parts[4])
	if err != nil || port < 1 || port > 65535 {
		return Title{}, fmt.Errorf("title %q: invalid port %q", s, parts[4])
	}
	t.Port = port

	switch {
	case t.Role == RoleWarm && parts[5] == warmName:
	case t.Role == RoleAssigned && ValidName(parts[5]):
		t.Name = parts[5]
	default:
		return Title{}, fmt.Errorf("title %q: invalid name %q for role %s", s, parts[5], t.Role)
	}

	return t, nil
}
