package txbuilder

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/agentspay/agentspay/internal/keys"
)

// MaxMultisigKeys caps the embedded key count at what a single-opcode OP_N
// can express.
const MaxMultisigKeys = 16

// MultisigLockingScript builds a bare m-of-n CHECKMULTISIG locking script.
//
// Caller-supplied keys are lower-cased, deduplicated, and lexicographically
// sorted before embedding, so two parties who hold the same logical key set
// derive byte-identical scripts regardless of the order they list the keys in.
// Shape: OP_m <sortedPub1>...<sortedPubN> OP_n OP_CHECKMULTISIG.
func MultisigLockingScript(pubKeyHexes []string, required int) ([]byte, error) {
	sorted, err := normalizePubKeys(pubKeyHexes)
	if err != nil {
		return nil, err
	}
	if len(sorted) < 2 {
		return nil, fmt.Errorf("%w: multisig needs at least 2 distinct public keys, got %d", ErrInvalidScript, len(sorted))
	}
	if len(sorted) > MaxMultisigKeys {
		return nil, fmt.Errorf("%w: at most %d public keys, got %d", ErrInvalidScript, MaxMultisigKeys, len(sorted))
	}
	if required < 1 || required > len(sorted) {
		return nil, fmt.Errorf("%w: required signatures %d out of range [1,%d]", ErrInvalidScript, required, len(sorted))
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(required))
	for _, pk := range sorted {
		raw, _ := hex.DecodeString(pk) // validated by normalizePubKeys
		builder.AddData(raw)
	}
	builder.AddInt64(int64(len(sorted)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return script, nil
}

// normalizePubKeys validates, lower-cases, dedupes, and sorts hex public keys.
func normalizePubKeys(pubKeyHexes []string) ([]string, error) {
	seen := make(map[string]bool, len(pubKeyHexes))
	var out []string
	for _, pk := range pubKeyHexes {
		norm := strings.ToLower(strings.TrimSpace(pk))
		if seen[norm] {
			continue
		}
		if _, err := keys.ParsePublicKeyHex(norm); err != nil {
			return nil, fmt.Errorf("%w: bad public key %q", ErrInvalidScript, pk)
		}
		seen[norm] = true
		out = append(out, norm)
	}
	sort.Strings(out)
	return out, nil
}

// ExtractMultisigPubKeys parses a bare multisig locking script and returns the
// embedded public keys (hex, in script order) and the declared threshold.
func ExtractMultisigPubKeys(script []byte) (pubKeyHexes []string, required int, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	// First opcode: OP_m.
	if !tokenizer.Next() {
		return nil, 0, fmt.Errorf("%w: empty script", ErrInvalidScript)
	}
	required = smallIntFromOp(tokenizer.Opcode())
	if required < 1 {
		return nil, 0, fmt.Errorf("%w: not a multisig script", ErrInvalidScript)
	}

	for tokenizer.Next() {
		op := tokenizer.Opcode()
		if data := tokenizer.Data(); len(data) > 0 {
			pubKeyHexes = append(pubKeyHexes, hex.EncodeToString(data))
			continue
		}
		if n := smallIntFromOp(op); n >= 1 {
			// OP_n key count; next must be CHECKMULTISIG.
			if n != len(pubKeyHexes) {
				return nil, 0, fmt.Errorf("%w: key count %d does not match OP_%d", ErrInvalidScript, len(pubKeyHexes), n)
			}
			if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKMULTISIG {
				return nil, 0, fmt.Errorf("%w: missing OP_CHECKMULTISIG", ErrInvalidScript)
			}
			if tokenizer.Err() != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrInvalidScript, tokenizer.Err())
			}
			if required > len(pubKeyHexes) {
				return nil, 0, fmt.Errorf("%w: threshold %d exceeds key count %d", ErrInvalidScript, required, len(pubKeyHexes))
			}
			return pubKeyHexes, required, nil
		}
		return nil, 0, fmt.Errorf("%w: unexpected opcode 0x%02x", ErrInvalidScript, op)
	}
	return nil, 0, fmt.Errorf("%w: truncated multisig script", ErrInvalidScript)
}

// smallIntFromOp maps OP_1..OP_16 to 1..16, anything else to 0.
func smallIntFromOp(op byte) int {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return int(op-txscript.OP_1) + 1
	}
	return 0
}

// AnchorScript builds a zero-value data-carrier locking script:
// OP_FALSE OP_RETURN <data>.
func AnchorScript(data []byte) ([]byte, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_RETURN).
		AddData(data).
		Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return script, nil
}
