package observability

import "testing"

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/v1/jobs":      "/v1/jobs",
		"/v1/jobs/42":   "/v1/jobs/{jobId}",
		"/v1/jobs/abc":  "/v1/jobs/{jobId}",
		"/livez":        "/livez",
		"/readyz":       "/readyz",
		"/v1/jobsearch": "/v1/jobsearch",
	}
	for path, want := range cases {
		if got := normalizePath(path); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestStatusAttrGroups(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		404: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		attr := statusAttr(code)
		if attr.Value.AsString() != want {
			t.Errorf("statusAttr(%d) = %s, want %s", code, attr.Value.AsString(), want)
		}
	}
}
