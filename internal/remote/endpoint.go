package remote

// Endpoint holds the two addresses an instance may be reached on.
type Endpoint struct {
	External string
	Internal string
}

// NewEndpoint returns an endpoint reachable on ip from both sides.
func NewEndpoint(ip string) Endpoint {
	return Endpoint{External: ip, Internal: ip}
}

// Resolve picks the internal address when useInternal is set, the external
// one otherwise.
func (e Endpoint) Resolve(useInternal bool) string {
	if useInternal {
		return e.Internal
	}
	return e.External
}
