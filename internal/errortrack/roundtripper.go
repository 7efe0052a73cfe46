package errortrack

import (
	"bytes"
	"io"
	"net/http"
)

const maxCapturedResponse = 4 << 10

// RoundTripper wraps next and reports failed requests to the tracker:
// responses with status >= 400 and requests that got no response at all.
// The response and error are returned unchanged; a response body is
// re-assembled after its prefix is read for the report.
//
// Don't wrap the client the tracker's own sink uses, or failed telemetry
// posts will be reported as errors.
func (t *Tracker) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &apiErrorTransport{next: next, tracker: t}
}

type apiErrorTransport struct {
	next    http.RoundTripper
	tracker *Tracker
}

func (a *apiErrorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	resp, err := a.next.RoundTrip(req)
	if err != nil {
		a.tracker.CaptureAPIError(url, req.Method, 0, err.Error(), map[string]any{
			"networkError": true,
		})
		return resp, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var prefix []byte
		if resp.Body != nil {
			prefix, _ = io.ReadAll(io.LimitReader(resp.Body, maxCapturedResponse))
			resp.Body = &replayBody{
				Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body),
				Closer: resp.Body,
			}
		}
		a.tracker.CaptureAPIError(url, req.Method, resp.StatusCode, string(prefix), nil)
	}
	return resp, nil
}

type replayBody struct {
	io.Reader
	io.Closer
}
