package verify

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"metersentry/internal/model"
)

const messagePrefix = "\x19Ethereum Signed Message:\n"

// Verifier performs stateless schema validation and signer recovery. It is the
// only place raw JSON is parsed; everything downstream sees model.Reading.
type Verifier struct{}

func New() *Verifier {
	return &Verifier{}
}

// Verify checks structure, canonicalizes the payload without its signature and
// recovers the signer identity. The returned Reject kind is invalid-schema or
// invalid-signature; both are terminal for the event.
func (v *Verifier) Verify(raw []byte) (model.Reading, *model.Reject) {
	obj, err := DecodePayload(raw)
	if err != nil {
		return model.Reading{}, model.NewReject(model.KindInvalidSchema, "malformed-json")
	}
	reading, rej := validateSchema(obj)
	if rej != nil {
		return model.Reading{}, rej
	}

	signable := make(map[string]any, len(obj))
	for k, val := range obj {
		if k == "signature" {
			continue
		}
		signable[k] = val
	}
	canonical, err := CanonicalJSON(signable)
	if err != nil {
		return model.Reading{}, model.NewReject(model.KindInvalidSchema, "uncanonicalizable-payload")
	}

	recovered, err := RecoverSigner(canonical, reading.Signature)
	if err != nil {
		return model.Reading{}, model.NewReject(model.KindInvalidSignature, "recovery-failed")
	}
	if !strings.EqualFold(recovered, reading.SourceID) {
		return model.Reading{}, model.NewReject(model.KindInvalidSignature, "signer-mismatch")
	}
	reading.Raw = raw
	return reading, nil
}

func validateSchema(obj map[string]any) (model.Reading, *model.Reject) {
	var r model.Reading

	src, ok := obj["sourceID"].(string)
	if !ok || src == "" {
		return r, model.NewReject(model.KindInvalidSchema, "missing-sourceID")
	}
	seq, ok := intField(obj, "seq")
	if !ok {
		return r, model.NewReject(model.KindInvalidSchema, "invalid-seq")
	}
	ts, ok := intField(obj, "ts")
	if !ok {
		return r, model.NewReject(model.KindInvalidSchema, "invalid-ts")
	}
	value, ok := floatField(obj, "value")
	if !ok {
		return r, model.NewReject(model.KindInvalidSchema, "invalid-value")
	}
	sig, ok := obj["signature"].(string)
	if !ok || !wellFormedSignature(sig) {
		return r, model.NewReject(model.KindInvalidSchema, "invalid-signature-format")
	}

	r.SourceID = src
	r.Seq = seq
	r.Ts = ts
	r.Value = value
	r.Signature = sig
	return r, nil
}

func intField(obj map[string]any, key string) (int64, bool) {
	num, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatField(obj map[string]any, key string) (float64, bool) {
	num, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(num.String(), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func wellFormedSignature(sig string) bool {
	if !strings.HasPrefix(sig, "0x") {
		return false
	}
	body := sig[2:]
	if len(body) < 130 || len(body) > 132 {
		return false
	}
	for _, c := range body {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// RecoverSigner recovers the signing address from an r||s||v signature over
// the prefixed keccak hash of the canonical payload bytes.
func RecoverSigner(canonical []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature length %d, want 65", len(sig))
	}

	recID := sig[64]
	if recID >= 27 {
		recID -= 27
	}
	if recID > 3 {
		return "", fmt.Errorf("invalid recovery id %d", sig[64])
	}
	// RecoverCompact wants the header byte first.
	compact := make([]byte, 65)
	compact[0] = 27 + recID
	copy(compact[1:], sig[:64])

	hash := prefixedHash(canonical)
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("recover pubkey: %w", err)
	}
	return pubkeyAddress(pub), nil
}

func prefixedHash(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(messagePrefix))
	h.Write([]byte(strconv.Itoa(len(msg))))
	h.Write(msg)
	return h.Sum(nil)
}

func pubkeyAddress(pub *secp256k1.PublicKey) string {
	raw := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(raw[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}
