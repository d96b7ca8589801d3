package challenge

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/dyshay/agentauth/crypto"
)

// Op identifies one transformation in a crypto-nl pipeline.
type Op string

const (
	OpXOR          Op = "xor"
	OpReverse      Op = "reverse"
	OpSlice        Op = "slice"
	OpSort         Op = "sort"
	OpRotate       Op = "rotate"
	OpSHA256       Op = "sha256"
	OpBitwiseNot   Op = "bitwise_not"
	OpRepeat       Op = "repeat"
	OpHMAC         Op = "hmac"
	OpBase64Encode Op = "base64_encode"
)

// ByteOp is a pipeline operation with its rendered parameters.
type ByteOp struct {
	Op     Op                `json:"op"`
	Params map[string]string `json:"params,omitempty"`
}

var cryptoNLPools = func() map[Difficulty][]Op {
	basic := []Op{OpXOR, OpReverse, OpSlice, OpSort, OpRotate}
	medium := append(slices.Clone(basic), OpSHA256, OpBitwiseNot)
	all := append(slices.Clone(medium), OpRepeat, OpHMAC, OpBase64Encode)
	return map[Difficulty][]Op{
		DifficultyEasy:        basic,
		DifficultyMedium:      medium,
		DifficultyHard:        all,
		DifficultyAdversarial: all,
	}
}()

var cryptoNLConfigs = map[Difficulty]struct{ ops, dataSize int }{
	DifficultyEasy:        {1, 16},
	DifficultyMedium:      {2, 32},
	DifficultyHard:        {4, 64},
	DifficultyAdversarial: {6, 128},
}

// Each op carries a few interchangeable English phrasings so repeated
// challenges do not read identically.
var cryptoNLPhrasings = map[Op][]func(p map[string]string) string{
	OpXOR: {
		func(p map[string]string) string {
			return fmt.Sprintf("XOR each byte with 0x%s", p["keyHex"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Apply exclusive-or with the value %s to every byte", p["key"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Bitwise XOR each octet using the key %s", p["key"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("For every byte, flip bits using 0x%s as mask", p["keyHex"])
		},
	},
	OpReverse: {
		func(map[string]string) string { return "Reverse the byte order" },
		func(map[string]string) string { return "Flip the sequence end-to-end" },
		func(map[string]string) string { return "Mirror the byte array so the last byte becomes first" },
		func(map[string]string) string { return "Invert the positional ordering of all bytes" },
	},
	OpSlice: {
		func(p map[string]string) string {
			return fmt.Sprintf("Take bytes from offset %s to %s", p["start"], p["end"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Extract the slice [%s:%s] from the data", p["start"], p["end"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Isolate bytes at positions %s through the byte before %s", p["start"], p["end"])
		},
	},
	OpSort: {
		func(map[string]string) string { return "Sort all bytes in ascending order" },
		func(map[string]string) string { return "Arrange the bytes from smallest to largest value" },
		func(map[string]string) string { return "Order the octets numerically, lowest first" },
	},
	OpRotate: {
		func(p map[string]string) string {
			return fmt.Sprintf("Rotate the bytes left by %s positions", p["positions"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Shift all bytes %s positions to the left, wrapping around", p["positions"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Circular left-shift the array by %s", p["positions"])
		},
	},
	OpSHA256: {
		func(map[string]string) string {
			return "Compute the SHA-256 hash of the current data (producing 32 raw bytes)"
		},
		func(map[string]string) string {
			return "Hash the byte array with SHA-256, replacing it with the 32-byte digest"
		},
		func(map[string]string) string {
			return "Apply SHA-256 to the data -- the result is the raw 32-byte hash"
		},
	},
	OpBitwiseNot: {
		func(map[string]string) string {
			return "Flip every bit in each byte (bitwise NOT, masked to 8 bits)"
		},
		func(map[string]string) string {
			return "Apply bitwise complement to every byte (~byte & 0xFF)"
		},
		func(map[string]string) string {
			return "Invert all bits in the array -- each byte becomes its one's complement"
		},
	},
	OpRepeat: {
		func(p map[string]string) string {
			return fmt.Sprintf("Concatenate the array with itself %s times (total %sx copies)", p["times"], p["times"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Repeat the data %s times by appending it to itself", p["times"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Duplicate the byte sequence so it appears %s times in a row", p["times"])
		},
	},
	OpHMAC: {
		func(p map[string]string) string {
			return fmt.Sprintf("Compute HMAC-SHA256 of the data using the hex key %s (producing 32 raw bytes)", p["keyHex"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("HMAC the byte array with SHA-256 and key 0x%s, yielding 32 bytes", p["keyHex"])
		},
		func(p map[string]string) string {
			return fmt.Sprintf("Apply HMAC-SHA256 using the secret key (hex) %s -- the result is 32 raw bytes", p["keyHex"])
		},
	},
	OpBase64Encode: {
		func(map[string]string) string {
			return "Base64-encode the data, then treat the resulting ASCII string as a new byte array"
		},
		func(map[string]string) string {
			return "Encode the bytes as a base64 string and reinterpret its characters as byte values"
		},
		func(map[string]string) string {
			return "Convert the data to base64 and use the encoded string's character codes as the new bytes"
		},
	},
}

// CryptoNL describes a pipeline of byte operations in natural language over
// random data and asks for the SHA-256 hex digest of the final buffer.
type CryptoNL struct {
	// Rand supplies structural randomness (op choice, parameters,
	// phrasings). Leave nil for the shared source; a set source is not
	// safe for concurrent Generate calls.
	Rand *rand.Rand
}

// NewCryptoNL returns a crypto-nl driver.
func NewCryptoNL() *CryptoNL { return &CryptoNL{} }

func (d *CryptoNL) Name() string { return TypeCryptoNL }

func (d *CryptoNL) Dimensions() []Dimension {
	return []Dimension{DimensionReasoning, DimensionExecution}
}

func (d *CryptoNL) EstimatedHumanTimeMs() int64 { return 60000 }
func (d *CryptoNL) EstimatedAITimeMs() int64    { return 500 }

// Generate builds a pipeline challenge for the given difficulty.
func (d *CryptoNL) Generate(difficulty Difficulty) (*Payload, error) {
	cfg, ok := cryptoNLConfigs[difficulty]
	if !ok {
		return nil, fmt.Errorf("crypto-nl: unknown difficulty %q", difficulty)
	}
	data, err := crypto.RandomBytes(cfg.dataSize)
	if err != nil {
		return nil, fmt.Errorf("crypto-nl: %w", err)
	}
	ops, err := d.generateOps(cfg.ops, cfg.dataSize, difficulty)
	if err != nil {
		return nil, fmt.Errorf("crypto-nl: %w", err)
	}
	return &Payload{
		Type:         TypeCryptoNL,
		Instructions: d.renderInstructions(ops) + "\n\nThen compute the SHA-256 hex digest of the final result.",
		Data:         base64.StdEncoding.EncodeToString(data),
		Steps:        len(ops),
		Context:      map[string]any{"ops": ops},
	}, nil
}

// Solve re-executes the recorded pipeline against the payload data and
// returns the canonical answer string.
func (d *CryptoNL) Solve(p *Payload) (string, error) {
	ops, ok := p.Context["ops"].([]ByteOp)
	if !ok {
		return "", fmt.Errorf("crypto-nl: payload context has no op list")
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return "", fmt.Errorf("crypto-nl: decoding data: %w", err)
	}
	out, err := runPipeline(data, ops)
	if err != nil {
		return "", fmt.Errorf("crypto-nl: %w", err)
	}
	return crypto.SHA256Hex(out), nil
}

// ComputeAnswerHash hashes the canonical answer string.
func (d *CryptoNL) ComputeAnswerHash(p *Payload) (string, error) {
	return answerHash(d, p)
}

// Verify reports whether submitted matches the stored answer hash.
func (d *CryptoNL) Verify(hash string, submitted any) bool {
	return verifyAnswer(hash, submitted)
}

// generateOps draws count operations from the difficulty's pool. Slice and
// rotate bounds are sized against the initial data length; later ops may
// shrink the buffer, so execution clamps.
func (d *CryptoNL) generateOps(count, dataSize int, difficulty Difficulty) ([]ByteOp, error) {
	pool := cryptoNLPools[difficulty]
	ops := make([]ByteOp, 0, count)
	for i := 0; i < count; i++ {
		switch op := pickOne(d.Rand, pool); op {
		case OpXOR:
			key := intIn(d.Rand, 1, 255)
			ops = append(ops, ByteOp{Op: op, Params: map[string]string{
				"key":    strconv.Itoa(key),
				"keyHex": fmt.Sprintf("%02X", key),
			}})
		case OpSlice:
			start := intIn(d.Rand, 0, dataSize/4)
			end := intIn(d.Rand, start+4, min(start+dataSize/2, dataSize))
			ops = append(ops, ByteOp{Op: op, Params: map[string]string{
				"start": strconv.Itoa(start),
				"end":   strconv.Itoa(end),
			}})
		case OpRotate:
			ops = append(ops, ByteOp{Op: op, Params: map[string]string{
				"positions": strconv.Itoa(intIn(d.Rand, 1, dataSize/2)),
			}})
		case OpRepeat:
			ops = append(ops, ByteOp{Op: op, Params: map[string]string{
				"times": strconv.Itoa(intIn(d.Rand, 2, 3)),
			}})
		case OpHMAC:
			key, err := crypto.RandomBytes(16)
			if err != nil {
				return nil, err
			}
			ops = append(ops, ByteOp{Op: op, Params: map[string]string{
				"keyHex": hex.EncodeToString(key),
			}})
		default:
			ops = append(ops, ByteOp{Op: op})
		}
	}
	return ops, nil
}

func (d *CryptoNL) renderInstructions(ops []ByteOp) string {
	var b strings.Builder
	for i, op := range ops {
		if i > 0 {
			b.WriteByte('\n')
		}
		phrase := pickOne(d.Rand, cryptoNLPhrasings[op.Op])(op.Params)
		fmt.Fprintf(&b, "Step %d: %s", i+1, phrase)
	}
	return b.String()
}

// runPipeline applies ops to data in order.
func runPipeline(data []byte, ops []ByteOp) ([]byte, error) {
	out := data
	for i, op := range ops {
		var err error
		out, err = applyByteOp(out, op)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, op.Op, err)
		}
	}
	return out, nil
}

func applyByteOp(data []byte, op ByteOp) ([]byte, error) {
	switch op.Op {
	case OpXOR:
		key, err := strconv.Atoi(op.Params["key"])
		if err != nil {
			return nil, fmt.Errorf("xor key: %w", err)
		}
		return xorBytes(data, key), nil

	case OpReverse:
		out := slices.Clone(data)
		slices.Reverse(out)
		return out, nil

	case OpSlice:
		start, err := strconv.Atoi(op.Params["start"])
		if err != nil {
			return nil, fmt.Errorf("slice start: %w", err)
		}
		end, err := strconv.Atoi(op.Params["end"])
		if err != nil {
			return nil, fmt.Errorf("slice end: %w", err)
		}
		start = min(start, len(data))
		end = min(end, len(data))
		return slices.Clone(data[start:end]), nil

	case OpSort:
		out := slices.Clone(data)
		slices.Sort(out)
		return out, nil

	case OpRotate:
		pos, err := strconv.Atoi(op.Params["positions"])
		if err != nil {
			return nil, fmt.Errorf("rotate positions: %w", err)
		}
		if len(data) == 0 {
			return data, nil
		}
		pos %= len(data)
		out := make([]byte, len(data))
		for i := range data {
			out[i] = data[(i+pos)%len(data)]
		}
		return out, nil

	case OpSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil

	case OpBitwiseNot:
		out := make([]byte, len(data))
		for i := range data {
			out[i] = ^data[i]
		}
		return out, nil

	case OpRepeat:
		times, err := strconv.Atoi(op.Params["times"])
		if err != nil {
			return nil, fmt.Errorf("repeat times: %w", err)
		}
		return bytes.Repeat(data, times), nil

	case OpHMAC:
		key, err := hex.DecodeString(op.Params["keyHex"])
		if err != nil {
			return nil, fmt.Errorf("hmac key: %w", err)
		}
		return crypto.HMACSHA256(data, key), nil

	case OpBase64Encode:
		return []byte(base64.StdEncoding.EncodeToString(data)), nil
	}
	return nil, fmt.Errorf("unknown operation %q", op.Op)
}
