package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/dyshay/agentauth/crypto"
)

// scoredAnswer pairs an acceptable answer (hex string) with its credit;
// 1.0 marks the primary interpretation.
type scoredAnswer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
}

// scoredHash is the context form: answer hashes only, so a leaked context
// would still not reveal alternative answers directly.
type scoredHash struct {
	AnswerHash string  `json:"answerHash"`
	Score      float64 `json:"score"`
}

// An ambiguousTemplate renders deliberately underspecified instructions and
// enumerates every defensible reading with its credit.
type ambiguousTemplate struct {
	name     string
	generate func(r *rand.Rand, data []byte, difficulty Difficulty) (string, []scoredAnswer)
}

var ambiguousTemplates = []ambiguousTemplate{
	{name: "lucky-number", generate: luckyNumber},
	{name: "famous-constant", generate: famousConstant},
	{name: "big-small", generate: bigSmall},
}

var ambiguousConfigs = map[Difficulty]struct{ dataSize, parts int }{
	DifficultyEasy:        {8, 1},
	DifficultyMedium:      {16, 1},
	DifficultyHard:        {32, 2},
	DifficultyAdversarial: {64, 3},
}

// luckyNumber hinges on which number counts as "lucky". The primary reading
// is 7; readers assuming 3, 8 or 13 earn partial credit above easy.
func luckyNumber(r *rand.Rand, data []byte, difficulty Difficulty) (string, []scoredAnswer) {
	n := len(data)

	key := 13
	if n == 7 {
		key = 7
	}
	answers := []scoredAnswer{{Answer: hex.EncodeToString(xorBytes(data, key)), Score: 1.0}}

	if difficulty != DifficultyEasy {
		alts := []struct {
			lucky int
			score float64
		}{{3, 0.6}, {8, 0.6}, {13, 0.7}}
		for _, alt := range alts {
			altKey := 13
			if n == alt.lucky {
				altKey = 7
			}
			altHex := hex.EncodeToString(xorBytes(data, altKey))
			if altHex != answers[0].Answer {
				answers = append(answers, scoredAnswer{Answer: altHex, Score: alt.score})
			}
		}
	}

	phrasings := []string{
		fmt.Sprintf("You are given %d bytes of data (base64-encoded).\nIf the number of bytes is a lucky number, XOR each byte with 7.\nOtherwise, XOR each byte with 13.\nReturn the hex-encoded result.", n),
		fmt.Sprintf("The data below contains %d bytes.\nWhen the byte count is lucky, apply XOR 7 to every byte.\nWhen unlucky, apply XOR 13 instead.\nProvide your answer as a hex string.", n),
	}
	return pickOne(r, phrasings), answers
}

// famousConstant asks for "the most famous mathematical constant": pi (31)
// is primary, e (27) and phi (16) earn partial credit.
func famousConstant(r *rand.Rand, data []byte, _ Difficulty) (string, []scoredAnswer) {
	answers := []scoredAnswer{
		{Answer: hex.EncodeToString(xorBytes(data, 31)), Score: 1.0},
		{Answer: hex.EncodeToString(xorBytes(data, 27)), Score: 0.8},
		{Answer: hex.EncodeToString(xorBytes(data, 16)), Score: 0.6},
	}

	phrasings := []string{
		"XOR each byte of the provided data with the most famous mathematical constant's first two digits as an integer.\nReturn the hex-encoded result.",
		"Take the universally recognized mathematical constant, extract its first two digits as a whole number, and XOR every byte of the data with that number.\nProvide the hex-encoded output.",
	}
	return pickOne(r, phrasings), answers
}

// bigSmall never defines "big". The primary threshold is 127; 100 and 200
// are the scored alternative readings.
func bigSmall(r *rand.Rand, data []byte, _ Difficulty) (string, []scoredAnswer) {
	first := data[0]

	outcome := func(threshold byte) string {
		if first > threshold {
			out := slices.Clone(data)
			slices.Reverse(out)
			return hex.EncodeToString(out)
		}
		out := slices.Clone(data)
		slices.Sort(out)
		return hex.EncodeToString(out)
	}

	answers := []scoredAnswer{{Answer: outcome(127), Score: 1.0}}
	alt100 := outcome(100)
	alt200 := outcome(200)
	if alt100 != answers[0].Answer {
		answers = append(answers, scoredAnswer{Answer: alt100, Score: 0.8})
	}
	if alt200 != answers[0].Answer && alt200 != alt100 {
		answers = append(answers, scoredAnswer{Answer: alt200, Score: 0.7})
	}

	phrasings := []string{
		"If the first byte of the data is big, reverse the entire byte array.\nOtherwise, sort all bytes in ascending order.\nReturn the hex-encoded result.",
		"Examine the first byte. If it is a big value, flip the array end-to-end.\nIf it is small, arrange bytes from lowest to highest.\nProvide the hex-encoded output.",
	}
	return pickOne(r, phrasings), answers
}

// AmbiguousLogic generates challenges whose instructions admit several
// defensible readings. Verification accepts only the primary reading; the
// scored alternatives are kept in context for partial-credit policies.
type AmbiguousLogic struct {
	// Rand supplies structural randomness. Leave nil for the shared
	// source; a set source is not safe for concurrent Generate calls.
	Rand *rand.Rand
}

// NewAmbiguousLogic returns an ambiguous-logic driver.
func NewAmbiguousLogic() *AmbiguousLogic { return &AmbiguousLogic{} }

func (d *AmbiguousLogic) Name() string { return TypeAmbiguousLogic }

func (d *AmbiguousLogic) Dimensions() []Dimension {
	return []Dimension{DimensionReasoning, DimensionAmbiguity}
}

func (d *AmbiguousLogic) EstimatedHumanTimeMs() int64 { return 45000 }
func (d *AmbiguousLogic) EstimatedAITimeMs() int64    { return 1000 }

// Generate builds an ambiguous-logic challenge; hard and adversarial chain
// several templates, each consuming the previous part's primary answer.
func (d *AmbiguousLogic) Generate(difficulty Difficulty) (*Payload, error) {
	cfg, ok := ambiguousConfigs[difficulty]
	if !ok {
		return nil, fmt.Errorf("ambiguous-logic: unknown difficulty %q", difficulty)
	}
	data, err := crypto.RandomBytes(cfg.dataSize)
	if err != nil {
		return nil, fmt.Errorf("ambiguous-logic: %w", err)
	}

	templates := d.selectTemplates(cfg.parts)
	if len(templates) == 1 {
		return d.generateSingle(templates[0], data, difficulty), nil
	}
	return d.generateChained(templates, data, difficulty)
}

// Solve returns the recorded primary answer.
func (d *AmbiguousLogic) Solve(p *Payload) (string, error) {
	primary, ok := p.Context["primaryAnswer"].(string)
	if !ok {
		return "", fmt.Errorf("ambiguous-logic: payload context has no primary answer")
	}
	return primary, nil
}

// ComputeAnswerHash hashes the canonical answer string.
func (d *AmbiguousLogic) ComputeAnswerHash(p *Payload) (string, error) {
	return answerHash(d, p)
}

// Verify reports whether submitted matches the stored answer hash. Only the
// primary reading passes; alternatives carry score weight in context but do
// not authenticate.
func (d *AmbiguousLogic) Verify(hash string, submitted any) bool {
	return verifyAnswer(hash, submitted)
}

func (d *AmbiguousLogic) selectTemplates(count int) []ambiguousTemplate {
	shuffled := slices.Clone(ambiguousTemplates)
	shuffle(d.Rand, shuffled)
	return shuffled[:min(count, len(shuffled))]
}

func (d *AmbiguousLogic) generateSingle(tmpl ambiguousTemplate, data []byte, difficulty Difficulty) *Payload {
	instructions, answers := tmpl.generate(d.Rand, data, difficulty)
	return &Payload{
		Type:         TypeAmbiguousLogic,
		Instructions: instructions,
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        1,
		Context: map[string]any{
			"templateName":  tmpl.name,
			"primaryAnswer": answers[0].Answer,
			"scoredAnswers": hashScoredAnswers(answers),
		},
	}
}

func (d *AmbiguousLogic) generateChained(templates []ambiguousTemplate, data []byte, difficulty Difficulty) (*Payload, error) {
	current := data
	parts := make([]string, 0, len(templates))
	var all []scoredAnswer

	for i, tmpl := range templates {
		instructions, answers := tmpl.generate(d.Rand, current, difficulty)
		parts = append(parts, fmt.Sprintf("--- Part %d ---\n%s", i+1, instructions))

		if i == 0 {
			all = answers
		} else {
			// Every surviving interpretation branches through every
			// reading of this part; credit multiplies along the chain.
			var chained []scoredAnswer
			for _, prev := range all {
				prevData, err := hex.DecodeString(prev.Answer)
				if err != nil {
					return nil, fmt.Errorf("ambiguous-logic: chaining: %w", err)
				}
				_, branches := tmpl.generate(d.Rand, prevData, difficulty)
				for _, br := range branches {
					chained = append(chained, scoredAnswer{Answer: br.Answer, Score: prev.Score * br.Score})
				}
			}
			all = chained
		}

		next, err := hex.DecodeString(all[0].Answer)
		if err != nil {
			return nil, fmt.Errorf("ambiguous-logic: chaining: %w", err)
		}
		current = next
	}

	deduped := dedupeScored(all)

	var b strings.Builder
	b.WriteString("This is a multi-part ambiguous logic challenge.\nApply each part's transformation in order, using the output of the previous part as input for the next.\n\n")
	for i, part := range parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(part)
	}

	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.name
	}
	return &Payload{
		Type:         TypeAmbiguousLogic,
		Instructions: b.String(),
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(templates),
		Context: map[string]any{
			"templateNames": names,
			"primaryAnswer": deduped[0].Answer,
			"scoredAnswers": hashScoredAnswers(deduped),
		},
	}, nil
}

// dedupeScored keeps the best score per distinct answer and orders the
// survivors score-descending with the answer string as tie-break, which
// pins the full-primary chain (the only score-1.0 entry) first.
func dedupeScored(all []scoredAnswer) []scoredAnswer {
	best := make(map[string]float64, len(all))
	for _, a := range all {
		if s, seen := best[a.Answer]; !seen || a.Score > s {
			best[a.Answer] = a.Score
		}
	}
	out := make([]scoredAnswer, 0, len(best))
	for answer, score := range best {
		out = append(out, scoredAnswer{Answer: answer, Score: score})
	}
	slices.SortFunc(out, func(a, b scoredAnswer) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.Answer, b.Answer)
	})
	return out
}

func hashScoredAnswers(answers []scoredAnswer) []scoredHash {
	out := make([]scoredHash, len(answers))
	for i, a := range answers {
		out[i] = scoredHash{AnswerHash: crypto.SHA256Hex([]byte(a.Answer)), Score: a.Score}
	}
	return out
}
