package names

import (
	"strings"
	"testing"

	"k8s.io/apimachinery/pkg/util/validation"
)

func TestJoinWithConstraints(t *testing.T) {
	tests := map[string]struct {
		parts []string
		want  string
	}{
		"short name keeps parts and appends hash": {
			parts: []string{"acme", "blog"},
			want:  "acme-blog-13d5007c",
		},
		"upper case is lowered": {
			parts: []string{"ACME", "blog"},
			want:  "acme-blog-" + Hash([]string{"ACME", "blog"}),
		},
		"invalid first character gets a prefix": {
			parts: []string{"-acme", "blog"},
			want:  "x-acme-blog-" + Hash([]string{"-acme", "blog"}),
		},
		"long name is truncated with mark": {
			parts: []string{strings.Repeat("t", 40), strings.Repeat("s", 40)},
			want:  strings.Repeat("t", 40) + "-" + strings.Repeat("s", 11) + "---3bcc2eb7",
		},
		"no parts": {
			parts: nil,
			want:  "",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := JoinWithConstraints(NamespaceConstraints, tc.parts...)
			if got != tc.want {
				t.Errorf("JoinWithConstraints() = %q, want %q", got, tc.want)
			}
			if len(got) > NamespaceConstraints.MaxLength {
				t.Errorf("length %d exceeds %d", len(got), NamespaceConstraints.MaxLength)
			}
		})
	}
}

func TestHashSeparatesParts(t *testing.T) {
	if Hash([]string{"a-b", "c"}) == Hash([]string{"a", "b-c"}) {
		t.Error("rearranged parts must hash differently")
	}
	if Hash([]string{"a-b", "c"}) != "44c49e31" {
		t.Errorf("Hash() = %q, want stable value 44c49e31", Hash([]string{"a-b", "c"}))
	}
}

func TestSiteNamespaceIsValidLabel(t *testing.T) {
	inputs := [][2]string{
		{"acme", "blog"},
		{"tenant-with-a-rather-long-namespace-name", "and-an-even-longer-site-slug-value-here"},
		{"x", "-"},
	}
	for _, in := range inputs {
		ns := SiteNamespace(in[0], in[1])
		if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
			t.Errorf("SiteNamespace(%q, %q) = %q is not a valid label: %v", in[0], in[1], ns, errs)
		}
		if again := SiteNamespace(in[0], in[1]); again != ns {
			t.Errorf("SiteNamespace is not deterministic: %q != %q", again, ns)
		}
	}
}

func TestJoinWithConstraintsPanicsOnTinyMax(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for MaxLength below minimum")
		}
	}()
	JoinWithConstraints(Constraints{MaxLength: 5, ValidFirstChar: isLowercaseAlphanumeric}, "a")
}
