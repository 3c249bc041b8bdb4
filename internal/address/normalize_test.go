package address

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"blank", "   \t ", ""},
		{"leading number", "84 White St, Civic Center, Manhattan, NY 10013", "84 White St"},
		{"comma after number", "84,  White   St, New York", "84 White St"},
		{"letter suffix", "12A Main Street, Springfield", "12A Main Street"},
		{
			"administrative labels",
			"Tribeca, Manhattan Community Board 1, New York, NY",
			"Tribeca, Manhattan Community Board 1",
		},
		{
			"long address keeps first segment",
			"The Old Schoolhouse Building at the Corner of Main and Elm Streets, Springfield, Illinois",
			"The Old Schoolhouse Building at the Corner of Main and Elm Streets",
		},
		{
			"noise stripped",
			"Empire State Building (Main Entrance),, New York ,NY, USA",
			"Empire State Building, New York, NY",
		},
		{"plain place", "  Flatiron   Building ", "Flatiron Building"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Normalize(tc.input))
		})
	}
}

func TestStreetOnly(t *testing.T) {
	t.Parallel()

	require.Equal(t, "84 White St", StreetOnly("84 White St, Civic Center, Manhattan, NY 10013"))
	require.Equal(t, "Flatiron Building", StreetOnly("Flatiron Building (lobby), New York, USA"))
	require.Empty(t, StreetOnly(""))
}

func TestStructured(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  string
	}{
		{"84 White St, Civic Center, Manhattan, NY 10013", "84 White St, Manhattan 10013"},
		{"100 Main St, Springfield 62701", "100 Main St, Springfield 62701"},
		{"100 Main St, Springfield, IL", "100 Main St, Springfield"},
		{"100 Main St, IL", "100 Main St"},
		{"100 Main St, Council District 4, Brooklyn, NY 11201, USA", "100 Main St, Brooklyn 11201"},
		{"100 Main St", "100 Main St"},
		{"", ""},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, Structured(tc.input), "input %q", tc.input)
	}
}

// FuzzNormalize checks the normalizer is total.
func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{"84 White St", ",,,", "(", "1 ,", strings.Repeat("a,", 60)} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		out := Normalize(in)
		if strings.TrimSpace(in) == "" && out != "" {
			t.Fatalf("Normalize(%q) = %q, want empty", in, out)
		}
		_ = StreetOnly(in)
		_ = Structured(in)
	})
}
