// Package emotion maps assistant reply text to a device-displayable emotion.
//
// Devices render a small expression on screen while the reply plays. The
// turn engine calls [Detect] once per turn, on the first non-empty content
// fragment, and forwards the result as a `{type:"llm"}` control message.
//
// Detection is intentionally cheap: if the text already carries one of the
// known expression emojis that emotion wins; otherwise a keyword scan picks
// the closest match, defaulting to "neutral".
package emotion

import "strings"

// emojis maps every emotion name the device firmware understands to the
// emoji it renders.
var emojis = map[string]string{
	"neutral":     "😶",
	"happy":       "🙂",
	"laughing":    "😆",
	"funny":       "😂",
	"sad":         "😔",
	"angry":       "😠",
	"crying":      "😭",
	"loving":      "😍",
	"embarrassed": "😳",
	"surprised":   "😲",
	"shocked":     "😱",
	"thinking":    "🤔",
	"winking":     "😉",
	"cool":        "😎",
	"relaxed":     "😌",
	"delicious":   "🤤",
	"kissy":       "😘",
	"confident":   "😏",
	"sleepy":      "😴",
	"silly":       "😜",
	"confused":    "🙄",
}

// keywordRules is scanned in order; the first rule with a matching keyword
// decides the emotion. Order matters: more specific moods come first so that
// e.g. "laughing" beats the generic "happy".
var keywordRules = []struct {
	name     string
	keywords []string
}{
	{"laughing", []string{"haha", "hehe", "lol", "hilarious"}},
	{"crying", []string{"crying", "tears", "weep"}},
	{"sad", []string{"sad", "sorry", "unfortunately", "regret", "miss you"}},
	{"angry", []string{"angry", "furious", "annoyed", "outrageous"}},
	{"loving", []string{"love", "adore", "sweetheart", "dear"}},
	{"shocked", []string{"shocked", "unbelievable", "no way"}},
	{"surprised", []string{"wow", "surprising", "amazing", "incredible"}},
	{"embarrassed", []string{"embarrass", "awkward", "blush"}},
	{"thinking", []string{"let me think", "hmm", "thinking", "consider"}},
	{"sleepy", []string{"sleepy", "tired", "good night", "yawn"}},
	{"delicious", []string{"delicious", "yummy", "tasty"}},
	{"cool", []string{"cool", "awesome"}},
	{"confident", []string{"of course", "certainly", "no problem", "definitely"}},
	{"confused", []string{"confused", "not sure", "puzzled"}},
	{"relaxed", []string{"relax", "take it easy", "calm"}},
	{"happy", []string{"happy", "glad", "great", "wonderful", "nice", "welcome"}},
}

// Detect returns the emotion name and emoji for a reply fragment.
func Detect(text string) (name, emoji string) {
	// An emoji already present in the text is an explicit signal from the
	// model and overrides keyword inference.
	for n, e := range emojis {
		if strings.Contains(text, e) {
			return n, e
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.name, emojis[rule.name]
			}
		}
	}
	return "neutral", emojis["neutral"]
}

// Emoji returns the emoji for a known emotion name, falling back to the
// neutral expression for unknown names.
func Emoji(name string) string {
	if e, ok := emojis[name]; ok {
		return e
	}
	return emojis["neutral"]
}
