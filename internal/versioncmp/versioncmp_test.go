package versioncmp

import "testing"

func TestCompare_Laws(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"reflexive equal", "1.2.3", "1.2.3", 0},
		{"ragged trailing zero", "1.2", "1.2.0", 0},
		{"numeric not lexicographic", "1.10", "1.9", 1},
		{"rc lower than release", "2.0-rc.1", "2.0", -1},
		{"prerelease ordering", "1.0-alpha", "1.0-beta", -1},
		{"antisymmetric", "1.9", "1.10", -1},
		{"major difference", "2.0.0", "1.99.99", 1},
		{"equal with both prerelease", "1.0-rc.1", "1.0-rc.1", 0},
		{"prerelease numeric segment", "1.0-rc.2", "1.0-rc.10", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.a, tt.b)
			if got != tt.want {
				t.Fatalf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompare_Transitive(t *testing.T) {
	versions := []string{"1.0-alpha", "1.0-beta", "1.0-rc.1", "1.0", "1.2", "1.2.0", "1.9", "1.10", "2.0.0"}
	for i := 0; i < len(versions)-1; i++ {
		if Compare(versions[i], versions[i+1]) > 0 {
			t.Fatalf("expected %q <= %q in ascending order", versions[i], versions[i+1])
		}
	}
}

func TestIsNewer(t *testing.T) {
	if !IsNewer("1.2.1", "1.2.0") {
		t.Fatal("want 1.2.1 newer than 1.2.0")
	}
	if IsNewer("1.2.0", "1.2.0") {
		t.Fatal("equal versions must not be newer")
	}
	if IsNewer("1.2.0-rc.1", "1.2.0") {
		t.Fatal("a prerelease of the same version must not be newer")
	}
}
