// Package chainlog implements the append-only signed block log capability
// (market.Chain): every order, cancellation, and settlement step a trader
// takes is recorded as a block in their own chain, signed with a secp256k1
// identity key, and gossiped to peers over the market protocol's public
// announcement topic.
package chainlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// LoadOrCreateIdentity loads the secp256k1 signing key for this trader's
// chain from a BIP39 mnemonic stored at path, generating and persisting a
// new 24-word mnemonic if the file doesn't exist yet. This mirrors how a
// wallet derives its HD master key from a seed phrase, but the chain log
// only ever needs one flat key: block order is enforced by SequenceNumber,
// not by key rotation or derivation paths.
func LoadOrCreateIdentity(path string) (*btcec.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read chain identity file: %w", err)
		}
		return createIdentity(path)
	}

	mnemonic := string(data)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("chain identity file %s does not contain a valid mnemonic", path)
	}
	return keyFromMnemonic(mnemonic), nil
}

func createIdentity(path string) (*btcec.PrivateKey, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("generate chain identity entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate chain identity mnemonic: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create chain identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(mnemonic), 0600); err != nil {
		return nil, fmt.Errorf("write chain identity file: %w", err)
	}

	return keyFromMnemonic(mnemonic), nil
}

func keyFromMnemonic(mnemonic string) *btcec.PrivateKey {
	seed := bip39.NewSeed(mnemonic, "")
	priv, _ := btcec.PrivKeyFromBytes(seed[:32])
	return priv
}
