// Package request extracts and checks the inputs of incoming plugin
// requests: path and query parameters, and the caller's address.
package request

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// MissingParamsMessage is returned to clients when a validate request lacks
// any of its required parameters.
const MissingParamsMessage = "Missing required parameters: key, pluginName, port, name"

// Validate holds the parameters of a key validation request.
type Validate struct {
	Key    string
	Plugin string
	Port   string
	Name   string
	// Address is the server address the plugin reports for itself (?ip=).
	Address string
	// Extras are all remaining query parameters, echoed back on success.
	Extras map[string]string
}

// reserved query names are consumed by Validate and never echoed.
var reserved = map[string]bool{"port": true, "name": true, "ip": true}

// ParseValidate builds a Validate from the path parameters and the query.
// Repeated query parameters keep their first value.
func ParseValidate(key, plugin string, q url.Values) *Validate {
	v := &Validate{
		Key:     strings.TrimSpace(key),
		Plugin:  strings.TrimSpace(plugin),
		Port:    strings.TrimSpace(q.Get("port")),
		Name:    strings.TrimSpace(q.Get("name")),
		Address: strings.TrimSpace(q.Get("ip")),
	}
	for name, vals := range q {
		if reserved[name] || len(vals) == 0 {
			continue
		}
		if v.Extras == nil {
			v.Extras = make(map[string]string)
		}
		v.Extras[name] = vals[0]
	}
	return v
}

// Problem is returned by filters when a request should be rejected.
type Problem struct {
	Filter string
	Detail string
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Filter, p.Detail)
}

// Filter evaluates a request and returns nil to pass or a Problem to reject.
type Filter func(v *Validate) *Problem

// Pipeline chains multiple filters. Returns the first Problem encountered, or
// nil if all pass.
func Pipeline(filters []Filter, v *Validate) *Problem {
	for _, f := range filters {
		if p := f(v); p != nil {
			return p
		}
	}
	return nil
}

// RequiredFilter rejects requests where any of the named fields is empty.
// The detail lists every missing field, not just the first.
func RequiredFilter() Filter {
	return func(v *Validate) *Problem {
		fields := map[string]string{
			"key":        v.Key,
			"pluginName": v.Plugin,
			"port":       v.Port,
			"name":       v.Name,
		}
		var missing []string
		for name, val := range fields {
			if val == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		sort.Strings(missing)
		return &Problem{"required", "missing " + strings.Join(missing, ", ")}
	}
}

// MaxLengthFilter rejects requests whose key, plugin or name exceed n bytes.
func MaxLengthFilter(n int) Filter {
	return func(v *Validate) *Problem {
		for name, val := range map[string]string{"key": v.Key, "pluginName": v.Plugin, "name": v.Name} {
			if len(val) > n {
				return &Problem{"length", fmt.Sprintf("%s longer than %d bytes", name, n)}
			}
		}
		return nil
	}
}

// DefaultFilters is the pipeline applied to every validate request.
func DefaultFilters() []Filter {
	return []Filter{
		RequiredFilter(),
		MaxLengthFilter(256),
	}
}
