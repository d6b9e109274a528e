package llm

import (
	"errors"
	"math"
	"testing"

	genai "github.com/google/generative-ai-go/genai"

	"github.com/kingrea/cascade/internal/faults"
)

func TestGeminiResponseText(t *testing.T) {
	cases := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{
			name: "first text part",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
				{Content: &genai.Content{Parts: []genai.Part{genai.Text("  [] \n")}}},
				{Content: &genai.Content{Parts: []genai.Part{genai.Text("second")}}},
			}},
			want: "[]",
		},
		{
			name: "skips empty candidates and blob parts",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
				nil,
				{Content: nil},
				{Content: &genai.Content{Parts: []genai.Part{
					genai.Blob{MIMEType: "image/png", Data: []byte{1}},
					genai.Text("done"),
				}}},
			}},
			want: "done",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := responseText(tc.resp)
			if err != nil {
				t.Fatalf("responseText: %v", err)
			}
			if got != tc.want {
				t.Fatalf("text = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGeminiResponseWithoutTextIsMalformed(t *testing.T) {
	responses := map[string]*genai.GenerateContentResponse{
		"nil":           nil,
		"no candidates": {},
		"blob only": {Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Blob{MIMEType: "image/png"}}}},
		}},
		"blank text": {Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("   ")}}},
		}},
	}
	for name, resp := range responses {
		t.Run(name, func(t *testing.T) {
			if got := firstText(resp); name != "blank text" && got != "" {
				t.Fatalf("firstText = %q, want empty", got)
			}
			_, err := responseText(resp)
			var svcErr *faults.ServiceError
			if !errors.As(err, &svcErr) || svcErr.Kind != faults.ServiceMalformed {
				t.Fatalf("expected malformed service error, got %v", err)
			}
		})
	}
}

func TestClampTokens(t *testing.T) {
	cases := map[int]int32{
		-5:                0,
		0:                 0,
		4096:              4096,
		math.MaxInt32:     math.MaxInt32,
		math.MaxInt32 + 1: math.MaxInt32,
	}
	for in, want := range cases {
		if got := clampTokens(in); got != want {
			t.Fatalf("clampTokens(%d) = %d, want %d", in, got, want)
		}
	}
}
