// Package registry enforces the container image allow-list: every image
// referenced by an Agent or Tool must come from a registry the operator
// trusts. The list is hot-reloaded from a ConfigMap; parsing fails closed.
package registry

import (
	"fmt"
	"strings"
)

// CheckImage verifies that the image reference names a registry on the
// allow-list. Malformed references are rejected rather than matched against
// a best-effort parse.
func CheckImage(image string, allowed []string) error {
	if image == "" {
		return fmt.Errorf("image reference cannot be empty")
	}

	registry, err := ExtractRegistry(image)
	if err != nil {
		return fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	for _, pattern := range allowed {
		if Matches(registry, pattern) {
			return nil
		}
	}

	return fmt.Errorf("registry %s not in allow-list: %v", registry, allowed)
}

// ExtractRegistry returns the registry host (including port, if any) from an
// image reference.
//
// Examples:
//   - "nginx" or "library/nginx"      -> "docker.io" (Docker Hub default)
//   - "gcr.io/project/image:tag"      -> "gcr.io"
//   - "localhost:5000/image"          -> "localhost:5000"
//   - "[2001:db8::1]:5000/image"      -> "[2001:db8::1]:5000"
//
// IPv6 references are validated before anything else is stripped: a missing
// or misplaced bracket is a hard error, never a fall-through to hostname
// parsing.
func ExtractRegistry(image string) (string, error) {
	if strings.HasPrefix(image, "[") {
		closeIdx := strings.Index(image, "]")
		if closeIdx == -1 {
			return "", fmt.Errorf("unterminated IPv6 address: missing ']'")
		}
		if closeIdx == 1 {
			return "", fmt.Errorf("empty IPv6 address")
		}
		rest := image[closeIdx+1:]
		// Host is the bracketed literal plus an optional port. Only a port,
		// path, or digest may follow the closing bracket.
		host := image[:closeIdx+1]
		switch {
		case rest == "", strings.HasPrefix(rest, "/"), strings.HasPrefix(rest, "@"):
		case strings.HasPrefix(rest, ":"):
			portEnd := strings.IndexAny(rest, "/@")
			if portEnd == -1 {
				portEnd = len(rest)
			}
			if portEnd == 1 {
				return "", fmt.Errorf("missing port after ':'")
			}
			host += rest[:portEnd]
		default:
			return "", fmt.Errorf("unexpected text after ']'")
		}
		return host, nil
	}
	if idx := strings.Index(image, "]"); idx != -1 {
		openIdx := strings.Index(image, "[")
		if openIdx == -1 || idx < openIdx {
			return "", fmt.Errorf("unexpected ']' before '['")
		}
	}

	// Strip digest, then tag. A colon before the first slash is a port, not
	// a tag separator.
	if idx := strings.Index(image, "@"); idx != -1 {
		image = image[:idx]
	}
	if idx := strings.Index(image, ":"); idx != -1 {
		slashIdx := strings.Index(image, "/")
		if slashIdx != -1 && idx > slashIdx {
			image = image[:idx]
		}
	}

	parts := strings.Split(image, "/")

	// A single component is a Docker Hub short name.
	if len(parts) == 1 {
		return "docker.io", nil
	}

	// Two components: the first is a registry only if it looks like a host.
	if len(parts) == 2 {
		first := parts[0]
		if strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost" {
			return first, nil
		}
		return "docker.io", nil
	}

	return parts[0], nil
}

// Matches reports whether a registry host matches an allow-list pattern.
// "*.example.com" matches strict subdomains of example.com only; the base
// domain needs its own entry. Suffix matching on the dotted boundary keeps
// "evil-example.com" from sneaking past "*.example.com".
func Matches(registry, pattern string) bool {
	if registry == pattern {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		base := pattern[2:]
		return strings.HasSuffix(registry, "."+base)
	}

	return false
}
