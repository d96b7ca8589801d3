package challenge

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/dyshay/agentauth/crypto"
)

// stepKind identifies one multi-step operation. Results flow between steps
// as lowercase hex strings.
type stepKind string

const (
	stepSHA256 stepKind = "sha256"
	stepXOR    stepKind = "xor"
	stepHMAC   stepKind = "hmac"
	stepSlice  stepKind = "slice"
	stepRecall stepKind = "memory_recall"
	stepApply  stepKind = "memory_apply"
)

// stepDef is one step of a multi-step challenge. Step and ByteIndex are
// 0-based references to earlier steps.
type stepDef struct {
	Kind      stepKind `json:"type"`
	Key       int      `json:"key,omitempty"`
	KeyHex    string   `json:"key_hex,omitempty"`
	Start     int      `json:"start,omitempty"`
	End       int      `json:"end,omitempty"`
	Step      int      `json:"step,omitempty"`
	ByteIndex int      `json:"byte_index,omitempty"`
}

type stepResult struct {
	Def    stepDef `json:"def"`
	Result string  `json:"result"` // hex
}

var multiStepConfigs = map[Difficulty]struct {
	total, dataSize, compute, recall, apply int
}{
	DifficultyEasy:        {3, 32, 3, 0, 0},
	DifficultyMedium:      {4, 32, 3, 1, 0},
	DifficultyHard:        {5, 64, 3, 1, 1},
	DifficultyAdversarial: {7, 64, 4, 2, 1},
}

var msSHA256Phrasings = []func(ref string) string{
	func(ref string) string { return fmt.Sprintf("Compute the SHA-256 hash of %s. Your result is", ref) },
	func(ref string) string { return fmt.Sprintf("Hash %s using SHA-256. Your result is", ref) },
	func(ref string) string { return fmt.Sprintf("Apply SHA-256 to %s. Your result is", ref) },
}

var msXORPhrasings = []func(ref string, key int) string{
	func(ref string, key int) string {
		return fmt.Sprintf("XOR each byte of %s with 0x%02X. Your result is", ref, key)
	},
	func(ref string, key int) string {
		return fmt.Sprintf("Apply exclusive-or with the value %d to every byte of %s. Your result is", key, ref)
	},
	func(ref string, key int) string {
		return fmt.Sprintf("Bitwise XOR each byte of %s using the key 0x%02x. Your result is", ref, key)
	},
}

var msHMACPhrasings = []func(keyRef, msgRef string) string{
	func(keyRef, msgRef string) string {
		return fmt.Sprintf("Compute HMAC-SHA256 with %s as key and %s as message. Your result is", keyRef, msgRef)
	},
	func(keyRef, msgRef string) string {
		return fmt.Sprintf("Use %s as an HMAC-SHA256 key to sign %s. Your result is", keyRef, msgRef)
	},
}

var msSlicePhrasings = []func(ref string, start, end int) string{
	func(ref string, start, end int) string {
		return fmt.Sprintf("Take bytes %d through %d (inclusive) from %s. Your result is", start, end-1, ref)
	},
	func(ref string, start, end int) string {
		return fmt.Sprintf("Extract the first %d bytes of %s starting at offset %d. Your result is", end-start, ref, start)
	},
}

var msRecallPhrasings = []func(stepNum, byteIndex int) string{
	func(stepNum, byteIndex int) string {
		return fmt.Sprintf("What was byte %d (0-indexed) of your result R%d? Express as a 2-digit hex value. Your result is", byteIndex, stepNum)
	},
	func(stepNum, byteIndex int) string {
		return fmt.Sprintf("Recall the value of byte at position %d in R%d, written as two hex digits. Your result is", byteIndex, stepNum)
	},
}

var msApplyPhrasings = []func(stepNum int, prevRef string) string{
	func(stepNum int, prevRef string) string {
		return fmt.Sprintf("Apply the same operation you performed in step %d to %s. Your result is", stepNum, prevRef)
	},
	func(stepNum int, prevRef string) string {
		return fmt.Sprintf("Repeat the operation from step %d, but this time on %s. Your result is", stepNum, prevRef)
	},
}

// MultiStep chains hash, XOR, HMAC and slice operations with labelled
// intermediate results, plus recall steps that force the solver to keep
// earlier results in working memory.
type MultiStep struct {
	// Rand supplies structural randomness. Leave nil for the shared
	// source; a set source is not safe for concurrent Generate calls.
	Rand *rand.Rand
}

// NewMultiStep returns a multi-step driver.
func NewMultiStep() *MultiStep { return &MultiStep{} }

func (d *MultiStep) Name() string { return TypeMultiStep }

func (d *MultiStep) Dimensions() []Dimension {
	return []Dimension{DimensionReasoning, DimensionExecution, DimensionMemory}
}

func (d *MultiStep) EstimatedHumanTimeMs() int64 { return 120000 }
func (d *MultiStep) EstimatedAITimeMs() int64    { return 2000 }

// Generate builds a multi-step challenge for the given difficulty.
func (d *MultiStep) Generate(difficulty Difficulty) (*Payload, error) {
	cfg, ok := multiStepConfigs[difficulty]
	if !ok {
		return nil, fmt.Errorf("multi-step: unknown difficulty %q", difficulty)
	}
	data, err := crypto.RandomBytes(cfg.dataSize)
	if err != nil {
		return nil, fmt.Errorf("multi-step: %w", err)
	}
	inputHex := hex.EncodeToString(data)

	steps, results, err := d.generateSteps(difficulty, inputHex)
	if err != nil {
		return nil, fmt.Errorf("multi-step: %w", err)
	}

	expected := make([]string, len(results))
	for i, r := range results {
		expected[i] = r.Result
	}
	return &Payload{
		Type:         TypeMultiStep,
		Instructions: d.renderInstructions(steps),
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(steps),
		Context: map[string]any{
			"stepDefs":        steps,
			"expectedResults": expected,
			"expectedAnswer":  finalAnswer(results),
		},
	}, nil
}

// Solve re-executes the stored step definitions and returns the canonical
// answer string.
func (d *MultiStep) Solve(p *Payload) (string, error) {
	steps, ok := p.Context["stepDefs"].([]stepDef)
	if !ok {
		return "", fmt.Errorf("multi-step: payload context has no step definitions")
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return "", fmt.Errorf("multi-step: decoding data: %w", err)
	}
	inputHex := hex.EncodeToString(data)

	results := make([]stepResult, 0, len(steps))
	for i, def := range steps {
		res, err := execStep(i, def, inputHex, results)
		if err != nil {
			return "", fmt.Errorf("multi-step: step %d: %w", i+1, err)
		}
		results = append(results, stepResult{Def: def, Result: res})
	}
	return finalAnswer(results), nil
}

// ComputeAnswerHash hashes the canonical answer string.
func (d *MultiStep) ComputeAnswerHash(p *Payload) (string, error) {
	return answerHash(d, p)
}

// Verify reports whether submitted matches the stored answer hash.
func (d *MultiStep) Verify(hash string, submitted any) bool {
	return verifyAnswer(hash, submitted)
}

// finalAnswer hashes the concatenation of every step result, each rendered
// as lowercase hex, no separators.
func finalAnswer(results []stepResult) string {
	var b strings.Builder
	for _, r := range results {
		b.WriteString(r.Result)
	}
	return crypto.SHA256Hex([]byte(b.String()))
}

// execStep evaluates one step. Compute steps read the previous result (the
// initial data at index 0); HMAC always signs the initial data; recall
// extracts one byte of an earlier result; apply re-runs an earlier compute
// definition at the current position.
func execStep(index int, def stepDef, inputHex string, prior []stepResult) (string, error) {
	prev := inputHex
	if index > 0 {
		prev = prior[index-1].Result
	}

	switch def.Kind {
	case stepSHA256:
		b, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("sha256 input: %w", err)
		}
		return crypto.SHA256Hex(b), nil

	case stepXOR:
		b, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("xor input: %w", err)
		}
		return hex.EncodeToString(xorBytes(b, def.Key)), nil

	case stepHMAC:
		msg, err := hex.DecodeString(inputHex)
		if err != nil {
			return "", fmt.Errorf("hmac message: %w", err)
		}
		keyHex := def.KeyHex
		if index > 0 {
			keyHex = prior[index-1].Result
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return "", fmt.Errorf("hmac key: %w", err)
		}
		return hex.EncodeToString(crypto.HMACSHA256(msg, key)), nil

	case stepSlice:
		b, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("slice input: %w", err)
		}
		start := min(def.Start, len(b))
		end := min(def.End, len(b))
		return hex.EncodeToString(b[start:end]), nil

	case stepRecall:
		if def.Step >= len(prior) {
			return "", fmt.Errorf("recall references step %d of %d", def.Step+1, len(prior))
		}
		b, err := hex.DecodeString(prior[def.Step].Result)
		if err != nil {
			return "", fmt.Errorf("recall target: %w", err)
		}
		if def.ByteIndex >= len(b) {
			return "", fmt.Errorf("recall byte %d of a %d-byte result", def.ByteIndex, len(b))
		}
		return fmt.Sprintf("%02x", b[def.ByteIndex]), nil

	case stepApply:
		if def.Step >= len(prior) {
			return "", fmt.Errorf("apply references step %d of %d", def.Step+1, len(prior))
		}
		return execStep(index, prior[def.Step].Def, inputHex, prior[:index])
	}
	return "", fmt.Errorf("unknown step type %q", def.Kind)
}

func (d *MultiStep) generateSteps(difficulty Difficulty, inputHex string) ([]stepDef, []stepResult, error) {
	cfg := multiStepConfigs[difficulty]
	steps := make([]stepDef, 0, cfg.total)
	results := make([]stepResult, 0, cfg.total)

	add := func(def stepDef) error {
		res, err := execStep(len(steps), def, inputHex, results)
		if err != nil {
			return err
		}
		steps = append(steps, def)
		results = append(results, stepResult{Def: def, Result: res})
		return nil
	}

	for i := 0; i < cfg.compute; i++ {
		def, err := d.computeStep(i, cfg.dataSize, results)
		if err != nil {
			return nil, nil, err
		}
		if err := add(def); err != nil {
			return nil, nil, err
		}
	}
	for i := 0; i < cfg.recall; i++ {
		def, err := d.recallStep(results)
		if err != nil {
			return nil, nil, err
		}
		if err := add(def); err != nil {
			return nil, nil, err
		}
	}
	for i := 0; i < cfg.apply; i++ {
		if err := add(d.applyStep(results)); err != nil {
			return nil, nil, err
		}
	}
	return steps, results, nil
}

// computeStep draws a compute step. The first step avoids HMAC and slice so
// the pipeline starts from the full provided data.
func (d *MultiStep) computeStep(index, dataSize int, prior []stepResult) (stepDef, error) {
	kinds := []stepKind{stepSHA256, stepXOR, stepHMAC, stepSlice}
	if index == 0 {
		kinds = []stepKind{stepSHA256, stepXOR}
	}

	switch pickOne(d.Rand, kinds) {
	case stepXOR:
		return stepDef{Kind: stepXOR, Key: intIn(d.Rand, 1, 255)}, nil

	case stepHMAC:
		if index == 0 {
			key, err := crypto.RandomBytes(16)
			if err != nil {
				return stepDef{}, err
			}
			return stepDef{Kind: stepHMAC, KeyHex: hex.EncodeToString(key)}, nil
		}
		return stepDef{Kind: stepHMAC}, nil

	case stepSlice:
		prevLen := dataSize
		if index > 0 {
			b, err := hex.DecodeString(prior[index-1].Result)
			if err != nil {
				return stepDef{}, fmt.Errorf("slice bounds: %w", err)
			}
			if len(b) > 0 {
				prevLen = len(b)
			} else {
				prevLen = 32
			}
		}
		maxEnd := max(prevLen, 4)
		start := intIn(d.Rand, 0, maxEnd/4)
		end := intIn(d.Rand, start+2, min(start+maxEnd/2, maxEnd))
		return stepDef{Kind: stepSlice, Start: start, End: end}, nil

	default:
		return stepDef{Kind: stepSHA256}, nil
	}
}

func (d *MultiStep) recallStep(prior []stepResult) (stepDef, error) {
	idx := intN(d.Rand, len(prior))
	b, err := hex.DecodeString(prior[idx].Result)
	if err != nil {
		return stepDef{}, fmt.Errorf("recall target: %w", err)
	}
	if len(b) == 0 {
		return stepDef{}, fmt.Errorf("recall target step %d is empty", idx+1)
	}
	return stepDef{Kind: stepRecall, Step: idx, ByteIndex: intN(d.Rand, len(b))}, nil
}

// applyStep targets a random earlier compute step.
func (d *MultiStep) applyStep(prior []stepResult) stepDef {
	var compute []int
	for i, r := range prior {
		if r.Def.Kind != stepRecall && r.Def.Kind != stepApply {
			compute = append(compute, i)
		}
	}
	if len(compute) == 0 {
		return stepDef{Kind: stepApply}
	}
	return stepDef{Kind: stepApply, Step: pickOne(d.Rand, compute)}
}

func (d *MultiStep) renderStep(index int, def stepDef) string {
	num := index + 1
	label := fmt.Sprintf("R%d", num)
	ref := "the provided data"
	if index > 0 {
		ref = fmt.Sprintf("R%d", index)
	}

	var body string
	switch def.Kind {
	case stepSHA256:
		body = pickOne(d.Rand, msSHA256Phrasings)(ref)
	case stepXOR:
		body = pickOne(d.Rand, msXORPhrasings)(ref, def.Key)
	case stepHMAC:
		keyRef := fmt.Sprintf("R%d", index)
		if index == 0 {
			keyRef = fmt.Sprintf("the hex key %q", def.KeyHex)
		}
		body = pickOne(d.Rand, msHMACPhrasings)(keyRef, "the provided data")
	case stepSlice:
		body = pickOne(d.Rand, msSlicePhrasings)(ref, def.Start, def.End)
	case stepRecall:
		body = pickOne(d.Rand, msRecallPhrasings)(def.Step+1, def.ByteIndex)
	case stepApply:
		body = pickOne(d.Rand, msApplyPhrasings)(def.Step+1, ref)
	}
	return fmt.Sprintf("Step %d: %s %s.", num, body, label)
}

func (d *MultiStep) renderInstructions(steps []stepDef) string {
	lines := make([]string, len(steps))
	refs := make([]string, len(steps))
	for i, def := range steps {
		lines[i] = d.renderStep(i, def)
		refs[i] = fmt.Sprintf("R%d", i+1)
	}
	footer := fmt.Sprintf("\nYour final answer: SHA-256 of the concatenation of %s (all as lowercase hex strings, concatenated without separators).", strings.Join(refs, " + "))
	return strings.Join(lines, "\n") + footer
}
