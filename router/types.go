// Package router implements the Coordinator Request Router (spec §4.4): it
// accepts client HTTP, classifies the inference API dialect, routes the
// request through the scheduler's chosen (P, D) pair, forwards it, and
// reassembles the streamed response back to the client.
package router

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/itskum47/mindie-coordinator/agent"
)

// body is the loosely-typed pre-validation shape every inference handler
// parses enough of to classify ReqType and the stream flag (spec §4.4
// table). Unknown extra fields are ignored.
type body struct {
	TextInput  *string         `json:"text_input"`
	Inputs     json.RawMessage `json:"inputs"`
	Data       json.RawMessage `json:"data"`
	Prompt     *string         `json:"prompt"`
	Messages   json.RawMessage `json:"messages"`
	InputID    json.RawMessage `json:"input_id"`
	Stream     *bool           `json:"stream"`
}

// classify determines the ReqType and stream flag for one inbound request,
// following spec §4.4's URL/body-shape table and stream-detection rules.
func classify(urlPath string, raw []byte) (agent.ReqType, bool, error) {
	var b body
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b); err != nil {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
	}

	switch {
	case strings.Contains(urlPath, "/v1/tokenizer"):
		return agent.ReqTypeTokenizer, false, nil

	case strings.Contains(urlPath, "/v2/models/") && strings.HasSuffix(urlPath, "/generate_stream"):
		if !hasTritonShape(b) {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeTriton, true, nil

	case strings.Contains(urlPath, "/v2/models/") && strings.HasSuffix(urlPath, "/generate"):
		if !hasTritonShape(b) {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeTriton, detectStreamFlag(urlPath, b), nil

	case strings.Contains(urlPath, "/v2/models/") && strings.HasSuffix(urlPath, "/infer"):
		if !hasTritonShape(b) {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeTriton, false, nil

	case strings.HasSuffix(urlPath, "/generate_stream"):
		if b.Inputs == nil {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeTGI, true, nil

	case strings.HasSuffix(urlPath, "/generate"):
		switch {
		case b.Inputs != nil:
			return agent.ReqTypeTGI, detectStreamFlag(urlPath, b), nil
		case b.Prompt != nil:
			return agent.ReqTypeVLLM, detectStreamFlag(urlPath, b), nil
		default:
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}

	case strings.HasSuffix(urlPath, "/v1/chat/completions"):
		if b.Messages == nil {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeOpenAI, detectStreamFlag(urlPath, b), nil

	case strings.HasSuffix(urlPath, "/v1/completions"):
		if b.Prompt == nil {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		return agent.ReqTypeOpenAI, detectStreamFlag(urlPath, b), nil

	case strings.HasSuffix(urlPath, "/infer"):
		if b.Inputs == nil && b.InputID == nil {
			return agent.ReqTypeUnknown, false, errInvalidFormat
		}
		// MindIE defaults to non-stream (spec §4.4).
		return agent.ReqTypeMindIE, detectStreamFlagDefault(b, false), nil

	default:
		return agent.ReqTypeUnknown, false, errUnknownURL
	}
}

func hasTritonShape(b body) bool {
	if b.TextInput != nil {
		return true
	}
	return b.Inputs != nil && b.Data != nil
}

// detectStreamFlag applies spec §4.4's rule: URL substring wins, else the
// body's "stream" key.
func detectStreamFlag(urlPath string, b body) bool {
	if strings.Contains(urlPath, "generate_stream") {
		return true
	}
	return detectStreamFlagDefault(b, false)
}

func detectStreamFlagDefault(b body, def bool) bool {
	if b.Stream != nil {
		return *b.Stream
	}
	return def
}

// strTokenRate is the per-ReqType divisor used to approximate a token count
// from a response's string size when the worker does not report an exact
// count (spec §4.4 non-streaming output-token accounting).
var strTokenRate = map[agent.ReqType]float64{
	agent.ReqTypeTriton:    4.0,
	agent.ReqTypeOpenAI:    4.0,
	agent.ReqTypeVLLM:      4.0,
	agent.ReqTypeTGI:       4.0,
	agent.ReqTypeMindIE:    4.0,
	agent.ReqTypeTokenizer: 4.0,
}

// pResponse is the P-side JSON response shape (spec §4.4: "non-error 200
// body is JSON {reqId, output, isLastResp} possibly plus streaming
// fields").
type pResponse struct {
	ReqID      string          `json:"reqId"`
	Output     json.RawMessage `json:"output"`
	IsLastResp bool            `json:"isLastResp"`
}

// countOutputTokens approximates the output token count from a response
// body according to the ReqType's own convention (spec §4.4):
//   - Triton: sum of `data` array lengths, or character count / rate
//   - OpenAI: aggregate message lengths / rate
//   - vLLM: sum of string sizes / rate
//   - TGI/MindIE: generated_text size / rate
func countOutputTokens(t agent.ReqType, output []byte) int {
	rate := strTokenRate[t]
	if rate <= 0 {
		rate = 4.0
	}

	switch t {
	case agent.ReqTypeTriton:
		var shape struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(output, &shape); err == nil && len(shape.Data) > 0 {
			return len(shape.Data)
		}
		return int(float64(len(output)) / rate)

	case agent.ReqTypeOpenAI:
		var shape struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		total := 0
		if err := json.Unmarshal(output, &shape); err == nil {
			for _, c := range shape.Choices {
				total += len(c.Message.Content)
			}
		}
		if total == 0 {
			total = len(output)
		}
		return int(float64(total) / rate)

	case agent.ReqTypeTGI, agent.ReqTypeMindIE:
		var shape struct {
			GeneratedText string `json:"generated_text"`
		}
		if err := json.Unmarshal(output, &shape); err == nil && shape.GeneratedText != "" {
			return int(float64(len(shape.GeneratedText)) / rate)
		}
		return int(float64(len(output)) / rate)

	default: // vLLM and anything else: sum of string sizes / rate
		return int(float64(len(output)) / rate)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
