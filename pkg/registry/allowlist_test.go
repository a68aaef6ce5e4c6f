package registry

import (
	"strings"
	"testing"
)

func TestExtractRegistry(t *testing.T) {
	tests := []struct {
		name  string
		image string
		want  string
	}{
		{"short name", "nginx", "docker.io"},
		{"short name with tag", "nginx:1.25", "docker.io"},
		{"implicit library", "library/nginx", "docker.io"},
		{"explicit docker.io", "docker.io/library/nginx", "docker.io"},
		{"gcr with project", "gcr.io/project/image:tag", "gcr.io"},
		{"regional gcr", "us.gcr.io/project/image", "us.gcr.io"},
		{"ecr", "123456789.dkr.ecr.us-west-2.amazonaws.com/image", "123456789.dkr.ecr.us-west-2.amazonaws.com"},
		{"localhost with port", "localhost:5000/image", "localhost:5000"},
		{"host with port and tag", "registry.example.com:443/app:v2", "registry.example.com:443"},
		{"digest reference", "ghcr.io/org/app@sha256:deadbeef", "ghcr.io"},
		{"ipv6 with port", "[2001:db8::1]:5000/image", "[2001:db8::1]:5000"},
		{"ipv6 without port", "[2001:db8::1]/image:tag", "[2001:db8::1]"},
		{"ipv6 with digest", "[::1]:5000/image@sha256:abc", "[::1]:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRegistry(tt.image)
			if err != nil {
				t.Fatalf("ExtractRegistry(%q) returned error: %v", tt.image, err)
			}
			if got != tt.want {
				t.Errorf("ExtractRegistry(%q) = %q, want %q", tt.image, got, tt.want)
			}
		})
	}
}

func TestExtractRegistryRejectsMalformedIPv6(t *testing.T) {
	tests := []struct {
		name    string
		image   string
		wantErr string
	}{
		{"missing closing bracket", "[2001:db8::1/image", "missing ']'"},
		{"missing closing bracket with port", "[::1:5000/image", "missing ']'"},
		{"empty brackets", "[]/image", "empty IPv6 address"},
		{"close before open", "2001]db8[::1/image", "unexpected ']'"},
		{"stray close bracket", "registry]example.com/image", "unexpected ']'"},
		{"colon without port", "[::1]:/image", "missing port"},
		{"garbage after bracket", "[::1]garbage/image", "unexpected text after ']'"},
		{"bracket glued to host", "[2001:db8::1]evil.example.com/image", "unexpected text after ']'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractRegistry(tt.image)
			if err == nil {
				t.Fatalf("ExtractRegistry(%q) should have failed", tt.image)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ExtractRegistry(%q) error = %q, want substring %q", tt.image, err, tt.wantErr)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		pattern  string
		want     bool
	}{
		{"exact match", "docker.io", "docker.io", true},
		{"exact mismatch", "quay.io", "docker.io", false},
		{"wildcard subdomain", "us.gcr.io", "*.gcr.io", true},
		{"wildcard deep subdomain", "a.b.gcr.io", "*.gcr.io", true},
		{"wildcard does not match base domain", "gcr.io", "*.gcr.io", false},
		{"wildcard not fooled by suffix", "evil-gcr.io", "*.gcr.io", false},
		{"wildcard not fooled by embedded", "gcr.io.attacker.com", "*.gcr.io", false},
		{"wildcard ecr", "123456.dkr.ecr.us-west-2.amazonaws.com", "*.amazonaws.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.registry, tt.pattern); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.registry, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestCheckImage(t *testing.T) {
	allowed := []string{"docker.io", "*.gcr.io", "localhost:5000"}

	if err := CheckImage("nginx:latest", allowed); err != nil {
		t.Errorf("docker hub short name should be allowed: %v", err)
	}
	if err := CheckImage("us.gcr.io/proj/app", allowed); err != nil {
		t.Errorf("gcr subdomain should be allowed: %v", err)
	}
	if err := CheckImage("gcr.io/proj/app", allowed); err == nil {
		t.Error("base domain must not match the wildcard entry")
	}
	if err := CheckImage("quay.io/org/app", allowed); err == nil {
		t.Error("unlisted registry should be rejected")
	}
	if err := CheckImage("", allowed); err == nil {
		t.Error("empty image should be rejected")
	}
	if err := CheckImage("[2001:db8::1/image", allowed); err == nil {
		t.Error("malformed IPv6 reference must be rejected, not matched")
	}
}
