package remote

import (
	"strconv"
	"strings"
	"time"
)

// revalidateAlways is the max-age hint for responses that must not be served
// as fresh. The records are still kept so offline reads can show them as stale.
const revalidateAlways = time.Nanosecond

// cacheDirectives holds the Cache-Control directives a private device cache
// honors.
type cacheDirectives struct {
	maxAge  *int
	noCache bool
	noStore bool
}

// parseCacheControl reads a Cache-Control header. s-maxage and private are
// ignored: they only constrain shared caches.
func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "max-age":
			if !hasValue {
				continue
			}
			seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
			if err == nil && seconds >= 0 {
				d.maxAge = &seconds
			}
		case "no-cache":
			d.noCache = true
		case "no-store":
			d.noStore = true
		}
	}
	return d
}

// MaxAgeHint converts a Cache-Control header into a TTL ceiling for the entry.
// Zero means the backend expressed no preference.
func MaxAgeHint(header string) time.Duration {
	if strings.TrimSpace(header) == "" {
		return 0
	}
	d := parseCacheControl(header)
	if d.noCache || d.noStore {
		return revalidateAlways
	}
	if d.maxAge == nil {
		return 0
	}
	if *d.maxAge == 0 {
		return revalidateAlways
	}
	return time.Duration(*d.maxAge) * time.Second
}
