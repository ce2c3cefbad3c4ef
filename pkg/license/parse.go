package license

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is one parsed `name[:count]` term from a license request string.
type Request struct {
	Name  string
	Count int64
}

// Parse accepts "name[:count][,name[:count]]*"; a missing count defaults
// to 1, duplicate names accumulate into a single Request, and whitespace
// or a non-terminal colon rejects the whole string.
func Parse(req string) ([]Request, error) {
	if req == "" {
		return nil, nil
	}

	counts := make(map[string]int64)
	var order []string

	for _, term := range strings.Split(req, ",") {
		if term == "" {
			return nil, fmt.Errorf("license: empty term in request %q", req)
		}
		if strings.ContainsAny(term, " \t") {
			return nil, fmt.Errorf("license: whitespace inside term %q", term)
		}

		name := term
		count := int64(1)
		if idx := strings.Index(term, ":"); idx >= 0 {
			name = term[:idx]
			countStr := term[idx+1:]
			if name == "" || countStr == "" {
				return nil, fmt.Errorf("license: malformed term %q", term)
			}
			n, err := strconv.ParseInt(countStr, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("license: invalid count in term %q", term)
			}
			count = n
		}

		if _, seen := counts[name]; !seen {
			order = append(order, name)
		}
		counts[name] += count
	}

	out := make([]Request, 0, len(order))
	for _, name := range order {
		out = append(out, Request{Name: name, Count: counts[name]})
	}
	return out, nil
}
