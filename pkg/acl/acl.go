// Package acl implements ordered allow/deny rules over client addresses.
package acl

import (
	"fmt"
	"net/netip"
	"strings"
)

type action int8

const (
	allow action = iota
	deny
)

type rule struct {
	action action
	prefix netip.Prefix
}

// Checker evaluates rules in declaration order; the first matching rule wins.
// With no rules every peer is allowed. When at least one allow rule exists an
// unmatched peer is denied, otherwise it is allowed.
type Checker struct {
	rules    []rule
	hasAllow bool
}

// Parse builds a Checker from lines of the form "allow <ip|cidr>" or
// "deny <ip|cidr>".
func Parse(lines []string) (*Checker, error) {
	c := &Checker{}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("acl rule '%s' is invalid", line)
		}

		var act action
		switch strings.ToLower(fields[0]) {
		case "allow":
			act = allow
			c.hasAllow = true
		case "deny":
			act = deny
		default:
			return nil, fmt.Errorf("acl action '%s' is invalid", fields[0])
		}

		prefix, err := parseTarget(fields[1])
		if err != nil {
			return nil, fmt.Errorf("acl target '%s' is invalid: %w", fields[1], err)
		}

		c.rules = append(c.rules, rule{action: act, prefix: prefix})
	}

	return c, nil
}

func parseTarget(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Empty reports whether no rules are configured.
func (c *Checker) Empty() bool {
	return len(c.rules) == 0
}

func (c *Checker) Allow(addr netip.Addr) bool {
	if len(c.rules) == 0 {
		return true
	}

	addr = addr.Unmap()

	for _, r := range c.rules {
		if r.prefix.Contains(addr) {
			return r.action == allow
		}
	}

	return !c.hasAllow
}
