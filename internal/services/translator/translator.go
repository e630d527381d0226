package translator

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Format is the wire shape of an inbound request.
type Format string

const (
	FormatGemini Format = "gemini"
	FormatOpenAI Format = "openai"
)

const (
	// ModelDiscovery is the synthetic model name of listing requests.
	ModelDiscovery = "model-discovery"
	// UnknownModel is reported when no model can be extracted.
	UnknownModel = "unknown"

	nativeAuthHeader = "X-Goog-Api-Key"
)

// DetectFormat classifies path, given without a leading slash. Anything that
// mentions openai or starts with v1/ is treated as OpenAI-compatible.
func DetectFormat(path string) Format {
	if strings.Contains(path, "openai") || strings.HasPrefix(path, "v1/") {
		return FormatOpenAI
	}
	return FormatGemini
}

// ExtractModel names the model a request targets, for telemetry only.
func ExtractModel(format Format, path string, body []byte) string {
	switch format {
	case FormatGemini:
		if strings.Contains(path, "models") && !strings.Contains(path, ":") {
			return ModelDiscovery
		}
		last := path[strings.LastIndex(path, "/")+1:]
		if i := strings.Index(last, ":"); i >= 0 {
			last = last[:i]
		}
		return last

	case FormatOpenAI:
		if len(body) > 0 {
			var req struct {
				Model *string `json:"model"`
			}
			if err := json.Unmarshal(body, &req); err != nil || req.Model == nil {
				return UnknownModel
			}
			return *req.Model
		}
		if strings.HasSuffix(path, "/models") {
			return ModelDiscovery
		}
	}
	return UnknownModel
}

// BuildHeaders copies inbound without its host and auth headers and adds the
// one auth header the format expects.
func BuildHeaders(inbound http.Header, format Format, secret string) http.Header {
	out := make(http.Header, len(inbound)+2)
	for k, v := range inbound {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Authorization", nativeAuthHeader:
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	if format == FormatOpenAI {
		out.Set("Authorization", "Bearer "+secret)
	} else {
		out.Set(nativeAuthHeader, secret)
	}
	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	return out
}

// TargetURL joins the upstream base with path and the original query string.
func TargetURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", err
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}
