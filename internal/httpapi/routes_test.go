package httpapi

import "testing"

func TestValidID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"simple alnum", "acme-corp", true},
		{"with colon and dot", "acme:prod.v2", true},
		{"underscore", "acme_corp", true},
		{"empty rejected", "", false},
		{"slash rejected", "acme/corp", false},
		{"space rejected", "acme corp", false},
		{"too long rejected", makeRepeated("a", 129), false},
		{"max length accepted", makeRepeated("a", 128), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validID(tt.id); got != tt.valid {
				t.Errorf("validID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestRouteMatching(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		route string
	}{
		{"stream route", "/v1/stream/acme/orders", "stream"},
		{"estuary subscribe route", "/v1/estuary/subscribe/acme/orders", "estuarySubscribe"},
		{"estuary route", "/v1/estuary/acme/aggregate", "estuary"},
		{"config route", "/v1/config/acme", "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := map[string]bool{
				"stream":           streamRoute.MatchString(tt.path),
				"estuarySubscribe": estuarySubscribeRoute.MatchString(tt.path),
				"estuary":          estuaryRoute.MatchString(tt.path),
				"config":           configRoute.MatchString(tt.path),
			}
			if !matched[tt.route] {
				t.Errorf("expected %q to match %s route", tt.path, tt.route)
			}
			for name, didMatch := range matched {
				if name != tt.route && didMatch {
					t.Errorf("%q unexpectedly matched %s route too", tt.path, name)
				}
			}
		})
	}
}

func makeRepeated(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
