package proxy

import "testing"

func TestMatchFirstRouteWins(t *testing.T) {
	r, err := New([]Route{
		{Name: "a", PathPrefix: "/api/"},
		{Name: "b", PathPrefix: "/api/users/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// "a" is declared first and its prefix also matches; first-match-wins
	// means "a" is returned even though "b" is a longer, more specific
	// prefix.
	m := r.Match("/api/users/me")
	if m == nil || m.Name != "a" {
		t.Fatalf("expected first-declared route a, got %#v", m)
	}
}

func TestMatchRemovingEarlierRouteNeverChangesLaterMatch(t *testing.T) {
	routes := []Route{
		{Name: "a", PathPrefix: "/api/users/"},
		{Name: "b", PathPrefix: "/api/"},
	}
	r, err := New(routes)
	if err != nil {
		t.Fatal(err)
	}
	before := r.Match("/api/orders/1")
	if before == nil || before.Name != "b" {
		t.Fatalf("expected b, got %#v", before)
	}

	// Removing a route that never matched this path must not change the result.
	r2, err := New([]Route{routes[1]})
	if err != nil {
		t.Fatal(err)
	}
	after := r2.Match("/api/orders/1")
	if after == nil || after.Name != "b" {
		t.Fatalf("expected b after removing unrelated route, got %#v", after)
	}
}

func TestGlobMatchWildcardSegment(t *testing.T) {
	r, err := New([]Route{
		{Name: "one", PathPatterns: []string{"/api/*/profile"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m := r.Match("/api/u123/profile"); m == nil {
		t.Fatalf("expected match for single wildcard segment")
	}
	if m := r.Match("/api/u123/extra/profile"); m != nil {
		t.Fatalf("expected no match: wildcard matches exactly one segment")
	}
}

func TestGlobMatchDoubleWildcardSuffix(t *testing.T) {
	r, err := New([]Route{
		{Name: "one", PathPatterns: []string{"/api/files/**"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m := r.Match("/api/files/a/b/c.txt"); m == nil {
		t.Fatalf("expected ** to match nested path")
	}
	if m := r.Match("/api/files"); m != nil {
		t.Fatalf("expected no match: ** needs at least one more segment")
	}
}

func TestStripPath(t *testing.T) {
	got := StripPath("/api/users/me", "/api")
	if got != "/users/me" {
		t.Fatalf("expected /users/me, got %q", got)
	}
}
