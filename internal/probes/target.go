package probes

import (
	"fmt"
	"strings"
)

// Target names a function inside an executable or shared library, written
// "<path>:<function>" on the command line.
type Target struct {
	Path     string
	Function string
}

// ParseTarget parses "<path>:<function>". The last colon separates the two
// so paths containing colons still work.
func ParseTarget(s string) (Target, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Target{}, fmt.Errorf("probe %q: want <path>:<function>", s)
	}
	return Target{Path: s[:i], Function: s[i+1:]}, nil
}

// UnmarshalText lets a Target be used directly as a CLI flag value.
func (t *Target) UnmarshalText(text []byte) error {
	parsed, err := ParseTarget(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Target) String() string {
	return t.Path + ":" + t.Function
}
