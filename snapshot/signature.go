package snapshot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedisct1/go-minisign"
	"github.com/mezonai/combinedb/logx"
)

// SignatureExt is appended to a snapshot path to name its detached minisign signature.
const SignatureExt = ".minisig"

var ErrBadSignature = errors.New("snapshot signature does not verify")

// Verifier checks the detached signatures of snapshot files against one key.
type Verifier struct {
	key minisign.PublicKey
}

// NewVerifier accepts either the base64 key line or the full content of a
// minisign .pub file.
func NewVerifier(publicKey string) (*Verifier, error) {
	publicKey = strings.TrimSpace(publicKey)
	var (
		key minisign.PublicKey
		err error
	)
	if strings.Contains(publicKey, "\n") {
		key, err = minisign.DecodePublicKey(publicKey)
	} else {
		key, err = minisign.NewPublicKey(publicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// VerifyFile checks path against the signature stored at path+SignatureExt.
func (v *Verifier) VerifyFile(path string) error {
	sig, err := minisign.NewSignatureFromFile(path + SignatureExt)
	if err != nil {
		return fmt.Errorf("read signature of %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	if ok, err := v.key.Verify(data, sig); !ok {
		if err != nil {
			return fmt.Errorf("%s: %w: %v", path, ErrBadSignature, err)
		}
		return fmt.Errorf("%s: %w", path, ErrBadSignature)
	}
	logx.Info("SNAPSHOT", "verified signature of ", path, " (", sig.TrustedComment, ")")
	return nil
}
