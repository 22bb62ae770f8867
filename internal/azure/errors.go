package azure

import (
	"encoding/json"
	"fmt"
	"net/http"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
)

// upstreamError is the common Azure error envelope.
type upstreamError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyResponse maps a failed data plane response onto the error taxonomy.
// 401 and 403 mean the scoped token was rejected and the cached credential
// should be dropped. 429 and 5xx are transient. Everything else is a problem
// with the request itself and is handed back to the caller unretried.
func classifyResponse(op string, status int, body []byte) error {
	var ue upstreamError
	_ = json.Unmarshal(body, &ue)

	detail := ue.Error.Message
	if detail == "" {
		detail = http.StatusText(status)
	}
	if ue.Error.Code != "" {
		detail = ue.Error.Code + ": " + detail
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gwerrors.Authentication(op,
			fmt.Errorf("scoped token rejected: %s", detail)).WithStatusCode(status)
	case status == http.StatusTooManyRequests || status >= 500:
		return gwerrors.UpstreamUnavailable(op,
			fmt.Errorf("service returned %d: %s", status, detail)).WithStatusCode(status)
	default:
		return gwerrors.InvalidArgument(op,
			fmt.Errorf("%s", detail)).WithStatusCode(status)
	}
}
