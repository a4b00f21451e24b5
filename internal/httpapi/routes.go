package httpapi

import "regexp"

// idCharset matches spec.md §3's charset for both projectId and
// streamId (and, per §4.6, estuaryId): [A-Za-z0-9_\-:.]{1,128}.
var idCharset = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

func validID(s string) bool {
	return idCharset.MatchString(s)
}

var (
	streamRoute           = regexp.MustCompile(`^/v1/stream/([^/]+)/([^/]+)$`)
	estuarySubscribeRoute = regexp.MustCompile(`^/v1/estuary/subscribe/([^/]+)/([^/]+)$`)
	estuaryRoute          = regexp.MustCompile(`^/v1/estuary/([^/]+)/([^/]+)$`)
	configRoute           = regexp.MustCompile(`^/v1/config/([^/]+)$`)

	// ttlRegex matches a non-negative integer with no leading zeros
	// (other than the literal "0"), used for the Stream-TTL header.
	ttlRegex = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)
)
