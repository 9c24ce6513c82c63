package llm

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantKey  string
		wantVal  string
		wantErr  bool
	}{
		{
			name:     "plain object",
			response: `{"prediction": "1", "confidence": 72}`,
			wantKey:  "prediction",
			wantVal:  "1",
		},
		{
			name:     "fenced json",
			response: "```json\n{\"prediction\": \"X\"}\n```",
			wantKey:  "prediction",
			wantVal:  "X",
		},
		{
			name:     "prose around object",
			response: "Here is my analysis:\n{\"prediction\": \"2\"}\nLet me know if you need more.",
			wantKey:  "prediction",
			wantVal:  "2",
		},
		{
			name:     "nested objects",
			response: `{"markets": {"btts": "Yes"}, "prediction": "Over"}`,
			wantKey:  "prediction",
			wantVal:  "Over",
		},
		{
			name:     "braces inside strings",
			response: `{"prediction": "1", "reasoning": "expect {pressure} early"}`,
			wantKey:  "prediction",
			wantVal:  "1",
		},
		{
			name:     "no object",
			response: "I cannot produce a prediction for this match.",
			wantErr:  true,
		},
		{
			name:     "unbalanced",
			response: `{"prediction": "1"`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ExtractJSON(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got, _ := String(m, tt.wantKey); got != tt.wantVal {
				t.Errorf("%s = %q, want %q", tt.wantKey, got, tt.wantVal)
			}
		})
	}
}

func TestFloat(t *testing.T) {
	m := map[string]interface{}{
		"confidence": 72.5,
		"asString":   "68",
		"junk":       "not a number",
	}

	if f, ok := Float(m, "confidence"); !ok || f != 72.5 {
		t.Errorf("confidence = %v, %v", f, ok)
	}
	if f, ok := Float(m, "asString"); !ok || f != 68 {
		t.Errorf("asString = %v, %v", f, ok)
	}
	if _, ok := Float(m, "junk"); ok {
		t.Error("junk should not parse")
	}
	if _, ok := Float(m, "missing"); ok {
		t.Error("missing key should not parse")
	}
}

func TestStripCodeFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := StripCodeFences(in); got != `{"a": 1}` {
		t.Errorf("StripCodeFences = %q", got)
	}
	if got := StripCodeFences("no fences"); got != "no fences" {
		t.Errorf("StripCodeFences passthrough = %q", got)
	}
}
