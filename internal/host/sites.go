// Package host describes the logical sites an experiment spans and how a
// command is executed at each of them.
package host

import (
	"fmt"
	"sort"
)

// Logical locations used in handle keys and raw-log names.
const (
	Client = "client"
	Bridge = "bridge"
	Server = "server"
	Host1  = "host_1"
	Host2  = "host_2"
)

// Site is one execution context. An empty Destination means the local host;
// otherwise commands run over ssh on Destination (user@host).
type Site struct {
	Name        string
	Destination string
}

func Local(name string) Site {
	return Site{Name: name}
}

func Remote(name, destination string) Site {
	return Site{Name: name, Destination: destination}
}

func (s Site) IsRemote() bool {
	return s.Destination != ""
}

// Command wraps args for execution at the site.
func (s Site) Command(args ...string) []string {
	if !s.IsRemote() {
		return append([]string(nil), args...)
	}
	cmd := []string{"ssh", "-t", s.Destination}
	return append(cmd, args...)
}

func (s Site) String() string {
	if s.IsRemote() {
		return fmt.Sprintf("%s(%s)", s.Name, s.Destination)
	}
	return s.Name + "(local)"
}

type Sites map[string]Site

func (ss Sites) Get(name string) (Site, error) {
	s, ok := ss[name]
	if !ok {
		return Site{}, fmt.Errorf("unknown site %q", name)
	}
	return s, nil
}

func (ss Sites) Names() []string {
	names := make([]string, 0, len(ss))
	for n := range ss {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
