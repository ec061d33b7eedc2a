package imposter

import "encoding/json"

// Imposter is the JSON object describing a mock server instance. Apart from
// the port it is opaque to the storage layer: protocol configuration is
// written and read back verbatim.
type Imposter map[string]any

// Port returns the imposter's port, which doubles as its identity.
// JSON numbers decode as float64; values constructed in code may be ints.
func (i Imposter) Port() (int, bool) {
	switch p := i["port"].(type) {
	case int:
		return p, true
	case int64:
		return int(p), true
	case float64:
		return int(p), true
	case json.Number:
		n, err := p.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// Stub is a predicates→responses rule as supplied by the matching engine.
// Predicates are never interpreted here; they are matched by the caller via
// a PredicateFilter.
type Stub struct {
	Predicates []json.RawMessage `json:"predicates,omitempty"`
	Responses  []Response        `json:"responses,omitempty"`
}

// Response is a single reply payload. The storage layer inspects only the
// repeat behavior and the proxy-recording marker.
type Response map[string]any

// Repeat returns how many consecutive cycle positions this response
// occupies. Values below one, or anything that is not a number, count as
// one.
func (r Response) Repeat() int {
	behaviors, ok := r["_behaviors"].(map[string]any)
	if !ok {
		return 1
	}
	n, ok := asInt(behaviors["repeat"])
	if !ok || n < 1 {
		return 1
	}
	return n
}

// IsProxyRecording reports whether this response was recorded by a proxy,
// marked by a _proxyResponseTime field inside "is".
func (r Response) IsProxyRecording() bool {
	is, ok := r["is"].(map[string]any)
	if !ok {
		return false
	}
	v, ok := is["_proxyResponseTime"]
	return ok && v != nil
}

// EmptyResponse is the canonical response returned when no stub matches.
func EmptyResponse() Response {
	return Response{"is": map[string]any{}}
}

// Request is a recorded incoming request. The storage layer stamps a
// timestamp onto it before persisting; everything else passes through.
type Request map[string]any

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
