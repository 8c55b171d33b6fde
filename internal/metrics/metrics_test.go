package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://lens.google.com/v3/upload", "lens.google.com"},
		{"standard https", "https://Lens.Google.com/path", "lens.google.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if jobsSubmittedTotal == nil || jobsCompletedTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		queueDepth == nil || rateLimitDelaysSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveJobSubmitted("lens_images", "rest")
	if val := testutil.ToFloat64(jobsSubmittedTotal.WithLabelValues("lens_images", "rest")); val != 1 {
		t.Errorf("Expected jobsSubmittedTotal to be 1, got %f", val)
	}

	ObserveJobCompleted("lens_text", "done", 1500*time.Millisecond)
	if val := testutil.ToFloat64(jobsCompletedTotal.WithLabelValues("lens_text", "done")); val != 1 {
		t.Errorf("Expected jobsCompletedTotal to be 1, got %f", val)
	}

	SetQueueDepth("lens_images", 4)
	if val := testutil.ToFloat64(queueDepth.WithLabelValues("lens_images")); val != 4 {
		t.Errorf("Expected queueDepth to be 4, got %f", val)
	}

	ObserveEvictions(3)
	ObserveEvictions(0)
	if val := testutil.ToFloat64(resultsEvictedTotal); val != 3 {
		t.Errorf("Expected resultsEvictedTotal to be 3, got %f", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://lens.google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
