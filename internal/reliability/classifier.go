package reliability

// IsRetryableHTTPStatus classifies HTTP status codes that indicate a
// transient upstream condition.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
