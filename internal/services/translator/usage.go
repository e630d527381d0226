package translator

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/openai/openai-go/v2"
	"google.golang.org/genai"
)

// Usage is the token accounting of one response.
type Usage struct {
	TokensIn  int64
	TokensOut int64
}

// openAIEnvelope picks the usage block out of an OpenAI-compatible response.
type openAIEnvelope struct {
	Usage *openai.CompletionUsage `json:"usage"`
}

// ExtractTokens reads token usage from a response body. It understands a single
// JSON object, a JSON array of stream chunks and SSE data lines. Anything it
// cannot parse counts as zero.
func ExtractTokens(body []byte) Usage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Usage{}
	}

	switch body[0] {
	case '{':
		u, _ := usageFromObject(body)
		return u
	case '[':
		var chunks []json.RawMessage
		if err := json.Unmarshal(body, &chunks); err != nil {
			return Usage{}
		}
		return lastUsage(chunks)
	}

	return usageFromSSE(body)
}

func usageFromSSE(body []byte) Usage {
	var chunks []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), len(body)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		chunks = append(chunks, append(json.RawMessage(nil), data...))
	}
	return lastUsage(chunks)
}

// lastUsage returns the usage of the last chunk that reports any.
func lastUsage(chunks []json.RawMessage) Usage {
	for i := len(chunks) - 1; i >= 0; i-- {
		if u, ok := usageFromObject(chunks[i]); ok {
			return u
		}
	}
	return Usage{}
}

// usageFromObject prefers the OpenAI usage block and falls back to the
// native usageMetadata block.
func usageFromObject(raw []byte) (Usage, bool) {
	var env openAIEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Usage != nil {
		return Usage{TokensIn: env.Usage.PromptTokens, TokensOut: env.Usage.CompletionTokens}, true
	}

	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.UsageMetadata != nil {
		return Usage{
			TokensIn:  int64(resp.UsageMetadata.PromptTokenCount),
			TokensOut: int64(resp.UsageMetadata.CandidatesTokenCount),
		}, true
	}
	return Usage{}, false
}
