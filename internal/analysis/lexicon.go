package analysis

import (
	"strings"
	"unicode"
)

// Word polarity in [-1, 1].
var positiveWords = map[string]float64{
	"good": 0.6, "great": 0.8, "excellent": 0.9, "perfect": 0.9, "love": 0.9,
	"like": 0.4, "happy": 0.7, "glad": 0.6, "helpful": 0.6, "interested": 0.5,
	"interesting": 0.5, "awesome": 0.8, "amazing": 0.8, "thanks": 0.4, "thank": 0.4,
	"yes": 0.3, "sure": 0.3, "agree": 0.5, "valuable": 0.7, "fantastic": 0.9,
	"nice": 0.5, "easy": 0.5, "impressive": 0.7, "works": 0.3, "exactly": 0.4,
}

var negativeWords = map[string]float64{
	"bad": -0.6, "terrible": -0.9, "awful": -0.9, "hate": -0.9, "expensive": -0.6,
	"problem": -0.5, "issue": -0.4, "difficult": -0.5, "frustrated": -0.8,
	"frustrating": -0.8, "annoyed": -0.7, "angry": -0.8, "disappointed": -0.8,
	"worried": -0.5, "concerned": -0.4, "unhappy": -0.7, "waste": -0.7,
	"confusing": -0.5, "slow": -0.4, "broken": -0.7, "no": -0.3, "never": -0.4,
	"cancel": -0.6, "complicated": -0.5, "poor": -0.6, "worse": -0.7, "worst": -0.9,
}

// A negator flips the polarity of the sentiment words in the next three tokens.
var negators = map[string]bool{
	"not": true, "don't": true, "doesn't": true, "isn't": true, "wasn't": true,
	"aren't": true, "can't": true, "won't": true, "didn't": true, "never": true,
	"hardly": true, "without": true,
}

const negationSpan = 3

var objectionPhrases = []string{
	"too expensive",
	"not interested",
	"no budget",
	"can't afford",
	"not the right time",
	"already have",
	"already using",
	"need to think",
	"send me information",
	"call me back",
	"too busy",
	"price is too high",
	"not a priority",
	"talk to my boss",
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "your": true, "all": true, "any": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "his": true, "how": true, "its": true, "let": true, "may": true,
	"who": true, "did": true, "get": true, "got": true, "just": true, "that": true,
	"this": true, "with": true, "they": true, "them": true, "then": true, "than": true,
	"what": true, "when": true, "where": true, "which": true, "will": true, "would": true,
	"there": true, "their": true, "about": true, "from": true, "been": true, "were": true,
	"into": true, "also": true, "some": true, "very": true, "really": true, "yeah": true,
	"okay": true, "well": true, "like": true, "know": true, "think": true, "going": true,
	"we're": true, "it's": true, "i'm": true, "that's": true, "don't": true, "you're": true,
}

// tokenize lowercases text and splits it into words, keeping apostrophes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// countWords counts whitespace separated words.
func countWords(text string) int {
	return len(strings.Fields(text))
}

// scoreSentiment returns the mean polarity of the sentiment words in tokens,
// or 0 when there are none.
func scoreSentiment(tokens []string) float64 {
	var sum float64
	var hits int
	flip := 0
	for _, tok := range tokens {
		if negators[tok] {
			flip = negationSpan
			continue
		}
		v, ok := positiveWords[tok]
		if !ok {
			v, ok = negativeWords[tok]
		}
		if ok {
			if flip > 0 {
				v = -v
			}
			sum += v
			hits++
		}
		if flip > 0 {
			flip--
		}
	}
	if hits == 0 {
		return 0
	}
	return clamp(sum/float64(hits), -1, 1)
}

// matchObjections returns the objection phrases found in text.
func matchObjections(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, p := range objectionPhrases {
		if strings.Contains(lower, p) {
			found = append(found, p)
		}
	}
	return found
}

// keyTokens filters tokens down to candidate key phrases.
func keyTokens(tokens []string) []string {
	out := tokens[:0:0]
	for _, tok := range tokens {
		if len(tok) < 3 || stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
