package mailbox

// Marker is the dispatch-type tag carried in a frame's metadata map. The set
// is closed; inbound classification is an exhaustive switch so new markers are
// compile-time-checked.
type Marker string

const (
	MarkerFragmentRequest    Marker = "FRAGMENT_REQUEST"
	MarkerFragmentResponse   Marker = "FRAGMENT_RESPONSE"
	MarkerErrorResponse      Marker = "ERROR_RESPONSE"
	MarkerKeyAllowed         Marker = "PUBLIC_KEY_ALLOWED"
	MarkerKeyAllowedResponse Marker = "PUBLIC_KEY_ALLOWED_RESPONSE"
)

// ParseMarker maps a metadata tag onto the closed marker set. Unrecognized
// markers are acknowledged and dropped with a warning, never fatal.
func ParseMarker(s string) (Marker, bool) {
	switch m := Marker(s); m {
	case MarkerFragmentRequest, MarkerFragmentResponse, MarkerErrorResponse,
		MarkerKeyAllowed, MarkerKeyAllowedResponse:
		return m, true
	}
	return "", false
}
