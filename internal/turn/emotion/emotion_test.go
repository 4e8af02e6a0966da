package emotion

import "testing"

func TestDetect_Keywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"happy", "I'm glad I could help!", "happy"},
		{"sad", "Unfortunately the forecast says rain all week.", "sad"},
		{"laughing", "Haha, that's a good one.", "laughing"},
		{"thinking", "Hmm, let me think about that.", "thinking"},
		{"neutral default", "The capital of France is Paris.", "neutral"},
		{"case insensitive", "WOW that is fast.", "surprised"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, emoji := Detect(tt.text)
			if name != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.text, name, tt.want)
			}
			if emoji == "" {
				t.Error("emoji must never be empty")
			}
		})
	}
}

func TestDetect_EmojiOverridesKeywords(t *testing.T) {
	// The model's own emoji wins even when keywords point elsewhere.
	name, emoji := Detect("I'm glad to see you 😭")
	if name != "crying" {
		t.Errorf("Detect = %q, want crying (explicit emoji)", name)
	}
	if emoji != "😭" {
		t.Errorf("emoji = %q", emoji)
	}
}

func TestEmoji(t *testing.T) {
	if Emoji("happy") != "🙂" {
		t.Errorf("Emoji(happy) = %q", Emoji("happy"))
	}
	if Emoji("nonexistent") != "😶" {
		t.Errorf("Emoji(nonexistent) = %q, want neutral fallback", Emoji("nonexistent"))
	}
}
