package router

import (
	"testing"

	"github.com/itskum47/mindie-coordinator/agent"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		urlPath    string
		body       string
		wantType   agent.ReqType
		wantStream bool
		wantErr    bool
	}{
		{
			name:     "tokenizer",
			urlPath:  "/v1/tokenizer",
			body:     `{}`,
			wantType: agent.ReqTypeTokenizer,
		},
		{
			name:     "triton infer",
			urlPath:  "/v2/models/llama/infer",
			body:     `{"inputs":[{"name":"x"}],"data":[1,2,3]}`,
			wantType: agent.ReqTypeTriton,
		},
		{
			name:       "triton generate_stream",
			urlPath:    "/v2/models/llama/generate_stream",
			body:       `{"text_input":"hello"}`,
			wantType:   agent.ReqTypeTriton,
			wantStream: true,
		},
		{
			name:    "triton infer missing shape",
			urlPath: "/v2/models/llama/infer",
			body:    `{"foo":"bar"}`,
			wantErr: true,
		},
		{
			name:     "tgi generate",
			urlPath:  "/generate",
			body:     `{"inputs":"hello"}`,
			wantType: agent.ReqTypeTGI,
		},
		{
			name:       "tgi generate_stream url",
			urlPath:    "/generate_stream",
			body:       `{"inputs":"hello"}`,
			wantType:   agent.ReqTypeTGI,
			wantStream: true,
		},
		{
			name:       "vllm generate with stream flag",
			urlPath:    "/generate",
			body:       `{"prompt":"hello","stream":true}`,
			wantType:   agent.ReqTypeVLLM,
			wantStream: true,
		},
		{
			name:     "openai chat completions",
			urlPath:  "/v1/chat/completions",
			body:     `{"messages":[{"role":"user","content":"hi"}]}`,
			wantType: agent.ReqTypeOpenAI,
		},
		{
			name:     "openai completions",
			urlPath:  "/v1/completions",
			body:     `{"prompt":"hi"}`,
			wantType: agent.ReqTypeOpenAI,
		},
		{
			name:     "mindie infer",
			urlPath:  "/infer",
			body:     `{"input_id":[1,2,3]}`,
			wantType: agent.ReqTypeMindIE,
		},
		{
			name:    "unknown url",
			urlPath: "/banana",
			body:    `{}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			urlPath: "/generate",
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotType, gotStream, err := classify(tc.urlPath, []byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("classify(%q, %q): want error, got none", tc.urlPath, tc.body)
				}
				return
			}
			if err != nil {
				t.Fatalf("classify(%q, %q): unexpected error: %v", tc.urlPath, tc.body, err)
			}
			if gotType != tc.wantType {
				t.Errorf("classify(%q): type = %v, want %v", tc.urlPath, gotType, tc.wantType)
			}
			if gotStream != tc.wantStream {
				t.Errorf("classify(%q): stream = %v, want %v", tc.urlPath, gotStream, tc.wantStream)
			}
		})
	}
}

func TestCountOutputTokensTriton(t *testing.T) {
	out := []byte(`{"data":["a","b","c"]}`)
	if got := countOutputTokens(agent.ReqTypeTriton, out); got != 3 {
		t.Errorf("countOutputTokens(Triton) = %d, want 3", got)
	}
}

func TestCountOutputTokensOpenAI(t *testing.T) {
	out := []byte(`{"choices":[{"message":{"content":"12345678"}}]}`)
	if got := countOutputTokens(agent.ReqTypeOpenAI, out); got != 2 {
		t.Errorf("countOutputTokens(OpenAI) = %d, want 2", got)
	}
}

func TestCountOutputTokensTGI(t *testing.T) {
	out := []byte(`{"generated_text":"12345678"}`)
	if got := countOutputTokens(agent.ReqTypeTGI, out); got != 2 {
		t.Errorf("countOutputTokens(TGI) = %d, want 2", got)
	}
}

func TestCountOutputTokensFallback(t *testing.T) {
	out := []byte("12345678")
	if got := countOutputTokens(agent.ReqTypeVLLM, out); got != 2 {
		t.Errorf("countOutputTokens(vLLM fallback) = %d, want 2", got)
	}
}
