package routereg

import (
	"fmt"
	"sort"
)

// Routes maps a route path to whether it requires authentication.
type Routes map[string]bool

// NormalizeRoutes converts a route list or map into Routes. Entries of a
// list get defaultAuth.
func NormalizeRoutes(v any, defaultAuth bool) (Routes, error) {
	switch routes := v.(type) {
	case nil:
		return Routes{}, nil
	case Routes:
		return routes.clone(), nil
	case map[string]bool:
		return Routes(routes).clone(), nil
	case []string:
		return FromList(routes, defaultAuth), nil
	case []any:
		out := make(Routes, len(routes))
		for _, r := range routes {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("route %v is not a string", r)
			}
			out[s] = defaultAuth
		}
		return out, nil
	case map[string]any:
		out := make(Routes, len(routes))
		for path, auth := range routes {
			b, ok := auth.(bool)
			if !ok {
				return nil, fmt.Errorf("route %s has non-boolean auth %v", path, auth)
			}
			out[path] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported routes type %T", v)
	}
}

// FromList returns Routes with every path set to auth.
func FromList(paths []string, auth bool) Routes {
	out := make(Routes, len(paths))
	for _, p := range paths {
		out[p] = auth
	}
	return out
}

// Paths returns the sorted route paths.
func (r Routes) Paths() []string {
	paths := make([]string, 0, len(r))
	for p := range r {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r Routes) clone() Routes {
	out := make(Routes, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
