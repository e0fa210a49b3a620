package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

func TestCounter_Count(t *testing.T) {
	c := NewCounter("gpt-4o-mini")

	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}

	got := c.Count("Hello, how are you today?")
	if got < 4 || got > 10 {
		t.Errorf("Count() = %d, want between 4 and 10", got)
	}
}

func TestCounter_Truncate(t *testing.T) {
	c := NewCounter("gpt-4o-mini")
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)

	clipped, ok := c.Truncate(text, 50)
	if !ok {
		t.Fatal("Truncate() did not clip an oversized input")
	}
	if n := c.Count(clipped); n > 50 {
		t.Errorf("clipped text has %d tokens, want <= 50", n)
	}
	if !strings.HasPrefix(text, clipped) {
		t.Error("clipped text is not a prefix of the input")
	}

	same, ok := c.Truncate("short text", 50)
	if ok || same != "short text" {
		t.Errorf("Truncate() changed text under budget: %q, %v", same, ok)
	}

	unlimited, ok := c.Truncate(text, 0)
	if ok || unlimited != text {
		t.Error("Truncate() with max 0 should not clip")
	}
}

func TestCounter_TruncateMultibyte(t *testing.T) {
	c := NewCounter("gpt-4")
	text := strings.Repeat("日本語のテキスト、絵文字🙂を含む。", 100)

	clipped, ok := c.Truncate(text, 17)
	if !ok {
		t.Fatal("expected clipping")
	}
	if !utf8.ValidString(clipped) {
		t.Error("clipped text is not valid UTF-8")
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"gpt-4.1", tokenizer.O200kBase},
		{"gpt-4", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"gemini-1.5-flash", tokenizer.O200kBase},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := modelToEncoding(tt.model); got != tt.want {
				t.Errorf("modelToEncoding(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimator(t *testing.T) {
	e := NewEstimator()

	if got := e.Count("abcdefgh"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	clipped, ok := e.Truncate("ééééééééééé", 2)
	if !ok || clipped != "éééééééé" {
		t.Errorf("Truncate() = %q, %v", clipped, ok)
	}
}
