package image

import "testing"

func TestPolicyDecide(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		policy Policy
		size   int
		want   Action
	}{
		{"under cap", Policy{MaxBytes: 100}, 50, Keep},
		{"at cap", Policy{MaxBytes: 100}, 100, Keep},
		{"over cap drops", Policy{MaxBytes: 100}, 101, Drop},
		{"over cap offloads", Policy{MaxBytes: 100, OffloadEnabled: true}, 101, Offload},
		{"zero cap disables", Policy{}, 1 << 30, Keep},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Decide(tc.size); got != tc.want {
				t.Fatalf("Decide(%d) = %v, want %v", tc.size, got, tc.want)
			}
		})
	}
}
