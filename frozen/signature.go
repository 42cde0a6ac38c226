package frozen

import (
	"errors"
	"regexp"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignatures rejects value-moving requests whose co-signatures do
// not both verify and agree on the author address.
var ErrInvalidSignatures = errors.New("frozen: invalid signatures")

// sigPattern is the canonical 65-byte hex signature format clients submit.
var sigPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// ValidSignatureFormat reports whether s looks like an r||s||v signature.
func ValidSignatureFormat(s string) bool {
	return sigPattern.MatchString(s)
}

// RecoverSigner recovers the author address of an EIP-191 personal-sign
// signature over data. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(data []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("frozen: signature must be 65 bytes")
	}
	norm := make([]byte, crypto.SignatureLength)
	copy(norm, sig)
	if norm[crypto.RecoveryIDOffset] >= 27 {
		norm[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), norm)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyDualSignature enforces the two-key policy on value-moving
// operations: the wallet signature must recover the user's address, and the
// graph-store signature must verify against the supplied graph public key,
// whose derived address must be the same user. Failing either check fails
// the whole operation.
func VerifyDualSignature(message string, walletSig, graphSig, graphPub []byte, user common.Address) error {
	if len(message) == 0 || len(graphPub) == 0 {
		return ErrInvalidSignatures
	}
	walletAddr, err := RecoverSigner([]byte(message), walletSig)
	if err != nil || walletAddr != user {
		return ErrInvalidSignatures
	}
	graphAddr, err := RecoverSigner([]byte(message), graphSig)
	if err != nil || graphAddr != user {
		return ErrInvalidSignatures
	}
	pub, err := crypto.DecompressPubkey(graphPub)
	if err != nil {
		if pub2, err2 := crypto.UnmarshalPubkey(graphPub); err2 == nil {
			pub = pub2
		} else {
			return ErrInvalidSignatures
		}
	}
	if crypto.PubkeyToAddress(*pub) != user {
		return ErrInvalidSignatures
	}
	return nil
}
