package transcriber

import (
	"fmt"
	"slices"
	"strings"
)

// Factory builds a recognizer for a language and vocabulary. It returns an
// error wrapping ErrNoRecognizer when the combination cannot be served.
type Factory func(language string, vocabulary []string) (Recognizer, error)

// Deepgram nova-3 languages. "multi" is code-switching across the major ones.
var deepgramLanguages = []string{
	"multi", "bg", "ca", "cs", "da", "de", "el", "en", "es", "et", "fi", "fr",
	"hi", "hu", "id", "it", "ja", "ko", "lt", "lv", "ms", "nl", "no", "pl",
	"pt", "ro", "ru", "sk", "sv", "tr", "uk", "vi", "zh",
}

// Whisper-family ISO-639-1 languages accepted by Groq and OpenAI.
var whisperLanguages = []string{
	"af", "ar", "hy", "az", "be", "bs", "bg", "ca", "zh", "hr", "cs", "da",
	"nl", "en", "et", "fi", "fr", "gl", "de", "el", "he", "hi", "hu", "is",
	"id", "it", "ja", "kn", "kk", "ko", "lv", "lt", "mk", "ms", "mr", "mi",
	"ne", "no", "fa", "pl", "pt", "ro", "ru", "sr", "sk", "sl", "es", "sw",
	"sv", "tl", "ta", "th", "tr", "uk", "ur", "vi", "cy",
}

// Providers lists the backends NewFactory knows.
var Providers = []string{"deepgram", "groq", "openai"}

// BaseLanguage reduces a locale such as "en-US" or "pt_BR" to its
// lower-case base tag.
func BaseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}

// SupportsLanguage reports whether provider can recognize lang. An empty
// language means auto-detect, which only the Whisper backends offer.
func SupportsLanguage(provider, lang string) bool {
	base := BaseLanguage(lang)
	switch provider {
	case "deepgram":
		return base != "" && slices.Contains(deepgramLanguages, base)
	case "groq", "openai":
		return base == "" || slices.Contains(whisperLanguages, base)
	}
	return false
}

// NewFactory returns a Factory for the named provider.
func NewFactory(provider, apiKey string) Factory {
	return func(language string, vocabulary []string) (Recognizer, error) {
		if !slices.Contains(Providers, provider) {
			return nil, fmt.Errorf("unknown provider %q: %w", provider, ErrNoRecognizer)
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%s: missing API key: %w", provider, ErrNoRecognizer)
		}
		if !SupportsLanguage(provider, language) {
			return nil, fmt.Errorf("%s: unsupported language %q: %w", provider, language, ErrNoRecognizer)
		}
		base := BaseLanguage(language)
		switch provider {
		case "deepgram":
			return NewDeepgram(apiKey, base, vocabulary), nil
		case "groq":
			return NewGroq(apiKey, base, vocabulary), nil
		default:
			return NewOpenAI(apiKey, base, vocabulary), nil
		}
	}
}
