package remote

// MaxFingerprints is the most relay fingerprints a single "/tor/server/fp/"
// or "/tor/extra/fp/" resource may name before it risks overflowing
// intermediate proxies' URL length limits (spec.md section 4.6).
const MaxFingerprints = 96

// MaxMicrodescriptorHashes is the equivalent limit for "/tor/micro/d/"
// resources.
const MaxMicrodescriptorHashes = 90

// defaultBlacklistedAuthorities names directory authorities whose DirPort
// is known to throttle requests badly enough that a client can hang for
// hours waiting on them. This is the built-in default; spec.md section 9
// open question (b) asks that the blacklist be configurable rather than
// hard-coded, so callers that disagree can pass their own set to
// AuthorityEndpoints or persist one via SaveEndpointCache.
var defaultBlacklistedAuthorities = map[string]bool{
	"tor26": true,
	"Serge": true,
}

// authority is a hardcoded fallback directory authority, matching the set
// tor ships in its default torrc.
type authority struct {
	Nickname  string
	Address   string
	DirPort   int
	ORPort    int
	V3Ident   string
}

// defaultAuthorities is the built-in fallback list consulted when a caller
// does not supply explicit endpoints.
var defaultAuthorities = []authority{
	{Nickname: "moria1", Address: "128.31.0.39", DirPort: 9131, ORPort: 9101, V3Ident: "D586D18309DED4CD6D57C18FDB97EFA96D330566"},
	{Nickname: "tor26", Address: "217.196.147.77", DirPort: 80, ORPort: 443, V3Ident: "F533C81CEF6A888BA7EF9A6DDB5165DC18A4D7AF"},
	{Nickname: "dizum", Address: "45.66.33.45", DirPort: 80, ORPort: 443, V3Ident: "E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58"},
	{Nickname: "gabelmoo", Address: "131.188.40.189", DirPort: 80, ORPort: 443, V3Ident: "ED03BB616EB2F60BEC80151114BB25CEF515B226"},
	{Nickname: "dannenberg", Address: "193.23.244.244", DirPort: 80, ORPort: 443, V3Ident: "0232AF901C31A04EE9848595AF9BB7620D4C5B2E"},
	{Nickname: "maatuska", Address: "171.25.193.9", DirPort: 443, ORPort: 80, V3Ident: "49015F787433103580E3B66A1707A00E60F2D15B"},
	{Nickname: "longclaw", Address: "199.58.81.140", DirPort: 80, ORPort: 443, V3Ident: "23D15D965BC35114467363C165C4F724B64B4F66"},
	{Nickname: "bastet", Address: "204.13.164.118", DirPort: 80, ORPort: 443, V3Ident: "24E2F139121D4394C54B5BCC368B3B411857C413"},
}

// DefaultAuthorityEndpoints returns the built-in directory authorities as
// DirPort endpoints, skipping the default blacklist.
func DefaultAuthorityEndpoints() []Endpoint {
	return AuthorityEndpoints(defaultBlacklistedAuthorities)
}

// AuthorityEndpoints returns the built-in directory authorities as DirPort
// endpoints, skipping any nickname present in blacklist. A nil or empty
// blacklist returns every known authority.
func AuthorityEndpoints(blacklist map[string]bool) []Endpoint {
	endpoints := make([]Endpoint, 0, len(defaultAuthorities))
	for _, a := range defaultAuthorities {
		if blacklist[a.Nickname] {
			continue
		}
		endpoints = append(endpoints, DirPort{Address: a.Address, Port: a.DirPort})
	}
	return endpoints
}

// KeyCertificateAuthorityV3Idents returns the v3 identity fingerprints of
// every known directory authority, for building "/tor/keys/fp/..."
// resources.
func KeyCertificateAuthorityV3Idents() []string {
	idents := make([]string, 0, len(defaultAuthorities))
	for _, a := range defaultAuthorities {
		idents = append(idents, a.V3Ident)
	}
	return idents
}
