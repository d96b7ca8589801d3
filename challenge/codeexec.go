package challenge

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/dyshay/agentauth/crypto"
)

// bug is one deliberately planted defect; the description lives in context
// for auditability, never in the instructions.
type bug struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	bugOffByOne    = bug{Name: "off_by_one", Description: "Uses % 255 instead of % 256 in modulo operation"}
	bugWrongOp     = bug{Name: "wrong_operator", Description: "Uses + (addition) instead of ^ (XOR) as the accumulator operator"}
	bugMissingStep = bug{Name: "missing_step", Description: "Missing byte reversal between hash rounds"}
	bugWrongInit   = bug{Name: "wrong_init", Description: "Accumulator initialized to 1 instead of 0"}
	bugWrongPad    = bug{Name: "wrong_pad", Description: "padStart uses length 1 instead of 2 for hex encoding"}
	bugWrongShift  = bug{Name: "wrong_shift", Description: "Shift amount is 7 instead of 8 in bit shifting"}
)

// templateInput is the generated input for one code template.
type templateInput struct {
	Data   string         `json:"data"` // base64
	Params map[string]any `json:"params"`
}

// A codeTemplate renders JavaScript with selected bugs applied and computes
// the output of the CORRECT program, which is what the agent must submit.
type codeTemplate struct {
	name    string
	bugs    []bug
	input   func(r *rand.Rand) (templateInput, error)
	source  func(in templateInput, active []bug) string
	correct func(in templateInput) (string, error)
}

var codeTemplates = []codeTemplate{
	{
		name:    "byte_transform",
		bugs:    []bug{bugOffByOne, bugWrongShift},
		input:   byteTransformInput,
		source:  byteTransformSource,
		correct: byteTransformOutput,
	},
	{
		name:    "array_processing",
		bugs:    []bug{bugWrongOp, bugWrongInit, bugWrongPad},
		input:   arrayProcessingInput,
		source:  arrayProcessingSource,
		correct: arrayProcessingOutput,
	},
	{
		name:    "hash_chain",
		bugs:    []bug{bugMissingStep, bugOffByOne},
		input:   hashChainInput,
		source:  hashChainSource,
		correct: hashChainOutput,
	},
}

var codeExecConfigs = map[Difficulty]struct {
	bugCount  int
	templates []string
	hint      bool
}{
	DifficultyEasy:        {1, []string{"byte_transform", "array_processing"}, false},
	DifficultyMedium:      {1, []string{"byte_transform", "array_processing", "hash_chain"}, false},
	DifficultyHard:        {2, []string{"byte_transform", "array_processing", "hash_chain"}, false},
	DifficultyAdversarial: {3, []string{"byte_transform", "array_processing", "hash_chain"}, true},
}

func byteTransformInput(r *rand.Rand) (templateInput, error) {
	data, err := crypto.RandomBytes(intIn(r, 8, 16))
	if err != nil {
		return templateInput{}, err
	}
	return templateInput{Data: base64.StdEncoding.EncodeToString(data), Params: map[string]any{}}, nil
}

func byteTransformSource(_ templateInput, active []bug) string {
	mod := "256"
	if hasBug(active, "off_by_one") {
		mod = "255"
	}
	multiplier := "(i + 1)"
	if hasBug(active, "wrong_shift") {
		multiplier = "((i + 1) << 7)"
	}
	return fmt.Sprintf(`function transform(data) {
  // data is a Uint8Array
  const result = [];
  for (let i = 0; i < data.length; i++) {
    result.push((data[i] * %s) %% %s);
  }
  // Return the SHA-256 hex digest of the resulting byte array
  return sha256hex(Uint8Array.from(result));
}`, multiplier, mod)
}

func byteTransformOutput(in templateInput) (string, error) {
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return "", fmt.Errorf("byte_transform input: %w", err)
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = byte((int(data[i]) * (i + 1)) % 256)
	}
	return crypto.SHA256Hex(out), nil
}

func arrayProcessingInput(r *rand.Rand) (templateInput, error) {
	data, err := crypto.RandomBytes(intIn(r, 8, 24))
	if err != nil {
		return templateInput{}, err
	}
	return templateInput{Data: base64.StdEncoding.EncodeToString(data), Params: map[string]any{}}, nil
}

func arrayProcessingSource(_ templateInput, active []bug) string {
	operator := "^"
	if hasBug(active, "wrong_operator") {
		operator = "+"
	}
	initVal := "0"
	if hasBug(active, "wrong_init") {
		initVal = "1"
	}
	padLen := "2"
	if hasBug(active, "wrong_pad") {
		padLen = "1"
	}
	return fmt.Sprintf(`function process(data) {
  // data is a Uint8Array
  let acc = %s;
  for (const byte of data) {
    acc = (acc %s byte) & 0xFF;
  }
  return acc.toString(16).padStart(%s, '0');
}`, initVal, operator, padLen)
}

func arrayProcessingOutput(in templateInput) (string, error) {
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return "", fmt.Errorf("array_processing input: %w", err)
	}
	acc := 0
	for _, b := range data {
		acc = (acc ^ int(b)) & 0xFF
	}
	return fmt.Sprintf("%02x", acc), nil
}

func hashChainInput(r *rand.Rand) (templateInput, error) {
	data, err := crypto.RandomBytes(intIn(r, 8, 16))
	if err != nil {
		return templateInput{}, err
	}
	return templateInput{
		Data:   base64.StdEncoding.EncodeToString(data),
		Params: map[string]any{"rounds": intIn(r, 2, 4)},
	}, nil
}

func hashChainSource(in templateInput, active []bug) string {
	rounds, _ := in.Params["rounds"].(int)
	loopEnd := fmt.Sprintf("%d", rounds)
	if hasBug(active, "off_by_one") {
		loopEnd = fmt.Sprintf("%d - 1", rounds)
	}
	reverseLine := "      current = current.reverse();"
	if hasBug(active, "missing_step") {
		reverseLine = "      // (no reversal step)"
	}
	return fmt.Sprintf(`function hashChain(data, rounds) {
  // data is a Uint8Array, rounds = %d
  let current = data;
  for (let i = 0; i < %s; i++) {
    current = sha256(current); // returns Uint8Array
%s
  }
  return hex(current); // returns hex string
}`, rounds, loopEnd, reverseLine)
}

func hashChainOutput(in templateInput) (string, error) {
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return "", fmt.Errorf("hash_chain input: %w", err)
	}
	rounds, ok := in.Params["rounds"].(int)
	if !ok {
		return "", fmt.Errorf("hash_chain input has no round count")
	}
	current := data
	for i := 0; i < rounds; i++ {
		sum := sha256.Sum256(current)
		next := sum[:]
		slices.Reverse(next)
		current = next
	}
	return hex.EncodeToString(current), nil
}

func hasBug(active []bug, name string) bool {
	for _, b := range active {
		if b.Name == name {
			return true
		}
	}
	return false
}

// CodeExecution presents deliberately buggy JavaScript; the agent must spot
// the defects, mentally run the FIXED program and return its output.
type CodeExecution struct {
	// Rand supplies structural randomness. Leave nil for the shared
	// source; a set source is not safe for concurrent Generate calls.
	Rand *rand.Rand
}

// NewCodeExecution returns a code-execution driver.
func NewCodeExecution() *CodeExecution { return &CodeExecution{} }

func (d *CodeExecution) Name() string { return TypeCodeExecution }

func (d *CodeExecution) Dimensions() []Dimension {
	return []Dimension{DimensionReasoning, DimensionExecution}
}

func (d *CodeExecution) EstimatedHumanTimeMs() int64 { return 120000 }
func (d *CodeExecution) EstimatedAITimeMs() int64    { return 2000 }

// Generate builds a code-execution challenge for the given difficulty.
func (d *CodeExecution) Generate(difficulty Difficulty) (*Payload, error) {
	cfg, ok := codeExecConfigs[difficulty]
	if !ok {
		return nil, fmt.Errorf("code-execution: unknown difficulty %q", difficulty)
	}

	eligible := make([]codeTemplate, 0, len(codeTemplates))
	for _, tmpl := range codeTemplates {
		if slices.Contains(cfg.templates, tmpl.name) {
			eligible = append(eligible, tmpl)
		}
	}
	tmpl := pickOne(d.Rand, eligible)

	input, err := tmpl.input(d.Rand)
	if err != nil {
		return nil, fmt.Errorf("code-execution: %w", err)
	}
	bugs := d.selectBugs(tmpl, cfg.bugCount)
	correct, err := tmpl.correct(input)
	if err != nil {
		return nil, fmt.Errorf("code-execution: %w", err)
	}
	inputBytes, err := base64.StdEncoding.DecodeString(input.Data)
	if err != nil {
		return nil, fmt.Errorf("code-execution: decoding input: %w", err)
	}

	paramLines := ""
	if rounds, ok := input.Params["rounds"]; ok {
		paramLines = fmt.Sprintf("Rounds: %v\n", rounds)
	}
	hint := ""
	if cfg.hint {
		hint = "\n\nNote: Pay close attention to boundary conditions, operator precedence, and off-by-one errors."
	}

	instructions := fmt.Sprintf(`The following JavaScript function contains bug(s). Your task is to:
1. Identify and fix all bugs in the code
2. Mentally execute the fixed code with the provided input
3. Return the correct output

## Code
`+"```javascript\n%s\n```"+`

## Input
Data (hex): %s
%s
## Notes
- sha256hex() / sha256() compute SHA-256 and return hex string / Uint8Array respectively
- hex() converts a Uint8Array to a hex string
- All arithmetic on bytes should stay within 0-255 range%s

Return the exact output of the fixed function.`, tmpl.source(input, bugs), hex.EncodeToString(inputBytes), paramLines, hint)

	return &Payload{
		Type:         TypeCodeExecution,
		Instructions: instructions,
		Data:         input.Data,
		Steps:        len(bugs),
		Context: map[string]any{
			"templateName":  tmpl.name,
			"bugs":          bugs,
			"correctOutput": correct,
			"inputParams":   input.Params,
		},
	}, nil
}

// Solve returns the recorded correct output.
func (d *CodeExecution) Solve(p *Payload) (string, error) {
	out, ok := p.Context["correctOutput"].(string)
	if !ok {
		return "", fmt.Errorf("code-execution: payload context has no correct output")
	}
	return out, nil
}

// ComputeAnswerHash hashes the canonical answer string.
func (d *CodeExecution) ComputeAnswerHash(p *Payload) (string, error) {
	return answerHash(d, p)
}

// Verify reports whether submitted matches the stored answer hash.
func (d *CodeExecution) Verify(hash string, submitted any) bool {
	return verifyAnswer(hash, submitted)
}

// selectBugs samples without replacement, clamped to what the template has.
func (d *CodeExecution) selectBugs(tmpl codeTemplate, count int) []bug {
	available := slices.Clone(tmpl.bugs)
	count = min(count, len(available))
	selected := make([]bug, 0, count)
	for i := 0; i < count; i++ {
		idx := intN(d.Rand, len(available))
		selected = append(selected, available[idx])
		available = slices.Delete(available, idx, idx+1)
	}
	return selected
}
