package gateway

import (
	"strings"
)

// Token sources, in the priority order the handshake honors.
const (
	TokenSourceHeader      = "authorization_header"
	TokenSourceSubprotocol = "subprotocol"
	TokenSourceQuery       = "query"
)

// ExtractToken pulls the JWT from the handshake request in priority order: Authorization header, subprotocol list,
// then the legacy ?token= query parameter. Returns the token and where it came from, or empty strings.
func ExtractToken(authHeader, protocolHeader, queryToken string) (token, source string) {
	if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok && after != "" {
		return after, TokenSourceHeader
	}
	for _, candidate := range SplitProtocols(protocolHeader) {
		if looksLikeJWT(candidate) {
			return candidate, TokenSourceSubprotocol
		}
	}
	if queryToken != "" {
		return queryToken, TokenSourceQuery
	}
	return "", ""
}

// SplitProtocols parses a Sec-WebSocket-Protocol header into its entries.
func SplitProtocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NegotiateSubprotocol applies the negotiation rule: an empty client list means no subprotocol; a non-empty list must
// intersect the allowed set or the handshake fails with HTTP 400. Token entries smuggled through the protocol header
// do not count as a real offer.
func NegotiateSubprotocol(offered, allowed []string) (selected string, ok bool) {
	realOffer := false
	for _, o := range offered {
		if looksLikeJWT(o) {
			continue
		}
		realOffer = true
		for _, a := range allowed {
			if o == a {
				return o, true
			}
		}
	}
	if !realOffer {
		return "", true
	}
	return "", false
}

// looksLikeJWT reports whether s has the three-part dotted shape of a compact JWT. Deliberately shallow; real
// validation happens in the auth package.
func looksLikeJWT(s string) bool {
	first := strings.IndexByte(s, '.')
	if first <= 0 {
		return false
	}
	second := strings.IndexByte(s[first+1:], '.')
	if second <= 0 {
		return false
	}
	rest := s[first+1+second+1:]
	return rest != "" && !strings.Contains(rest, ".")
}
