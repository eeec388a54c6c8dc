package chunked

import (
	"strings"
	"unicode/utf8"
)

// defaultHallucinationRatio is the fraction of a response a known phrase
// must occupy before the whole response is rejected. A short genuine
// response that merely contains a short matching fragment is tolerated.
const defaultHallucinationRatio = 0.3

// hallucinatedPhrases are boilerplate strings batch recognisers emit when
// fed near-silence or ambient noise. The Arabic entries are the phrases
// Arabic-tuned models produce; the English ones come from models trained on
// video captions.
var hallucinatedPhrases = []string{
	"اشتركوا في القناة",
	"لا تنسى الاشتراك",
	"ترجمة نانسي قنقر",
	"شكرا على المشاهدة",
	"thanks for watching",
	"thank you for watching",
	"please subscribe",
	"subscribe to my channel",
	"see you in the next video",
}

// isHallucination reports whether text should be rejected as a model
// hallucination: some known phrase occurs in it and that phrase makes up
// more than ratio of the response's total length.
func isHallucination(text string, ratio float64) bool {
	lower := strings.ToLower(text)
	total := utf8.RuneCountInString(lower)
	if total == 0 {
		return false
	}

	for _, phrase := range hallucinatedPhrases {
		if !strings.Contains(lower, phrase) {
			continue
		}
		if float64(utf8.RuneCountInString(phrase))/float64(total) > ratio {
			return true
		}
	}
	return false
}
