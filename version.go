package ripc

import (
	"strconv"

	"github.com/pkg/errors"
)

// Version is the negotiated RIPC protocol version.
type Version int

const (
	Version11 Version = 11
	Version12 Version = 12
	Version13 Version = 13
	Version14 Version = 14

	DefaultVersion = Version14
)

// FragmentIDLen is the width of fragment ids on the wire: two bytes from
// version 13, one byte before.
func (v Version) FragmentIDLen() int {
	if v >= Version13 {
		return 2
	}
	return 1
}

// maxFragmentID is the largest id representable at this version.
func (v Version) maxFragmentID() uint16 {
	if v.FragmentIDLen() == 1 {
		return 0xFF
	}
	return 0xFFFF
}

func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

func (v Version) valid() bool {
	return v >= Version11 && v <= Version14
}

// ParseVersion validates a numeric version.
func ParseVersion(n int) (Version, error) {
	v := Version(n)
	if !v.valid() {
		return 0, errors.Errorf("unsupported ripc version %d", n)
	}
	return v, nil
}
