package poller

import "strings"

// errorKind splits poll failures into those worth retrying and those that
// only an operator can fix.
type errorKind int

const (
	errTransient errorKind = iota
	errConfig
	errAuth
)

// configPatterns mark errors caused by missing or invalid instance
// configuration. Retrying cannot fix these.
var configPatterns = []string{
	"No URL configured",
	"URL and API key required",
	"URL and token required",
	"No instance found",
}

// authPatterns mark credential failures. Upstreams differ in how they
// phrase a 401; the adapter normalizes status errors to the last two forms.
var authPatterns = []string{
	"Authentication failed",
	"Request failed with status code 401",
	"Request failed with status code 403",
}

func classifyError(err error) errorKind {
	if err == nil {
		return errTransient
	}
	msg := err.Error()
	for _, p := range configPatterns {
		if strings.Contains(msg, p) {
			return errConfig
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return errAuth
		}
	}
	return errTransient
}
