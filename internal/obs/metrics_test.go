package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                 "/",
		"/metrics":                         "/metrics",
		"/healthz":                         "/healthz",
		"/v1/access/mfa/abc123":            "/v1/access/mfa/:token",
		"/v1/access/qr/abc123":             "/v1/access/qr/:token",
		"/v1/access/mfa/abc123/identity":   "/v1/access/mfa/:token/identity",
		"/v1/access/portal/abc123/login":   "/v1/access/portal/:token/login",
		"/v1/access/abc123/download":       "/v1/access/:token/download",
		"/v1/grants":                       "/v1/grants",
		"/v1/grants/01ABC":                 "/v1/grants/:id",
		"/v1/grants/01ABC/audit":           "/v1/grants/:id/audit",
		"/v1/orders/ord-9/grants":          "/v1/orders/:ref/grants",
		"/v1/admin/sweep":                  "/v1/admin/sweep",
		"/v1/admin/stream":                 "/v1/admin/stream",
		"/v1/grants/01ABC?include=docs":    "/v1/grants/:id",
		"/v1/access/mfa/abc123?identity=x": "/v1/access/mfa/:token",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
