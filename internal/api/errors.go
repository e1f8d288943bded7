package api

import "fmt"

// Error is a failed API call, classified by the response status. Resource
// names what was being fetched, for the message.
type Error struct {
	Status   int
	Resource string
}

func (e *Error) Error() string {
	switch {
	case e.Status == 401:
		return "unauthorized: your token is invalid or expired"
	case e.Status == 403:
		return "forbidden: you don't have access to this resource"
	case e.Status == 404:
		return fmt.Sprintf("%s not found", e.Resource)
	case e.Status == 429:
		return "rate limited: too many requests"
	case e.Status >= 500:
		return fmt.Sprintf("server error (HTTP %d)", e.Status)
	default:
		return fmt.Sprintf("unexpected HTTP status %d fetching %s", e.Status, e.Resource)
	}
}

// Hint returns a one-line suggestion for the user, or "" when there is
// nothing actionable to say.
func (e *Error) Hint() string {
	switch {
	case e.Status == 401:
		return "Run `hooklistener login` to re-authenticate."
	case e.Status == 403:
		return "Check that your account has access to this resource."
	case e.Status == 404:
		return "Verify the resource exists in your Hooklistener dashboard."
	case e.Status == 429:
		return "Wait a moment and try again."
	case e.Status >= 500:
		return "The Hooklistener server may be temporarily unavailable. Try again shortly."
	default:
		return ""
	}
}

func classifyStatus(status int, resource string) error {
	return &Error{Status: status, Resource: resource}
}
