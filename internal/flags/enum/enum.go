// Package enum provides a pflag value restricted to a fixed set of
// strings, defaulting to the first one.
package enum

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

type value struct {
	allowed []string
	current string
}

var _ pflag.Value = (*value)(nil)

func (v *value) String() string {
	return v.current
}

func (v *value) Set(raw string) error {
	for _, allowed := range v.allowed {
		if raw == allowed {
			v.current = raw
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(v.allowed, ", "))
}

func (v *value) Type() string {
	return "enum"
}

// Var registers an enum flag whose default is the first allowed value.
func Var(flags *pflag.FlagSet, name string, allowed []string, usage string) {
	VarP(flags, name, "", allowed, usage)
}

// VarP is Var with a shorthand.
func VarP(flags *pflag.FlagSet, name, shorthand string, allowed []string, usage string) {
	flags.VarP(&value{allowed: allowed, current: allowed[0]}, name, shorthand, usage)
}

// Get returns the current value of an enum flag.
func Get(flags *pflag.FlagSet, name string) (string, error) {
	flag := flags.Lookup(name)
	if flag == nil {
		return "", fmt.Errorf("flag %q is not defined", name)
	}
	v, ok := flag.Value.(*value)
	if !ok {
		return "", fmt.Errorf("flag %q is not an enum flag", name)
	}
	return v.current, nil
}
