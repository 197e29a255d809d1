package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaxAgeHint(t *testing.T) {
	cases := map[string]struct {
		header string
		want   time.Duration
	}{
		"empty":               {header: "", want: 0},
		"max-age":             {header: "max-age=300", want: 300 * time.Second},
		"quoted max-age":      {header: `max-age="60"`, want: time.Minute},
		"uppercase":           {header: "MAX-AGE=120", want: 2 * time.Minute},
		"shared only":         {header: "s-maxage=600", want: 0},
		"private is fine":     {header: "private, max-age=30", want: 30 * time.Second},
		"no-cache":            {header: "no-cache", want: revalidateAlways},
		"no-store wins":       {header: "max-age=300, no-store", want: revalidateAlways},
		"zero max-age":        {header: "max-age=0", want: revalidateAlways},
		"invalid max-age":     {header: "max-age=abc", want: 0},
		"negative max-age":    {header: "max-age=-5", want: 0},
		"bare max-age":        {header: "max-age", want: 0},
		"unknown directives":  {header: "immutable, stale-while-revalidate=30", want: 0},
		"must-revalidate too": {header: "must-revalidate, max-age=10", want: 10 * time.Second},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, MaxAgeHint(tc.header))
		})
	}
}
