package remote

import (
	"net/url"
	"strings"
)

// NextLink parses RFC 8288 Link headers for a rel="next" reference. Relative
// references resolve against base.
func NextLink(values []string, base *url.URL) string {
	for _, headerVal := range values {
		for _, part := range strings.Split(headerVal, ",") {
			segment := strings.TrimSpace(part)
			if segment == "" {
				continue
			}
			sections := strings.Split(segment, ";")
			target := strings.TrimSpace(sections[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			if !hasRel(sections[1:], "next") {
				continue
			}
			ref, err := url.Parse(strings.Trim(target, "<>"))
			if err != nil {
				continue
			}
			if ref.IsAbs() || base == nil {
				return ref.String()
			}
			return base.ResolveReference(ref).String()
		}
	}
	return ""
}

// hasRel reports whether the link params name rel. A rel value may list
// several space-separated relation types.
func hasRel(params []string, rel string) bool {
	for _, attr := range params {
		name, value, ok := strings.Cut(strings.TrimSpace(attr), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
			continue
		}
		for _, candidate := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
			if strings.EqualFold(candidate, rel) {
				return true
			}
		}
	}
	return false
}
