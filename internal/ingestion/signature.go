package ingestion

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common/hexutil"
	sol "github.com/gagliardetto/solana-go"
)

// DecodeSignature turns a wire signature into raw bytes: 0x-prefixed hex
// on EVM deployments, base58 on Solana deployments.
func DecodeSignature(c chain.Chain, encoded string) ([]byte, error) {
	switch c {
	case chain.ChainEVM:
		sig, err := hexutil.Decode(encoded)
		if err != nil {
			return nil, errs.Authorization("bad_signature", "decode hex signature: %v", err)
		}
		return sig, nil
	case chain.ChainSolana:
		sig, err := sol.SignatureFromBase58(encoded)
		if err != nil {
			return nil, errs.Authorization("bad_signature", "decode base58 signature: %v", err)
		}
		return sig[:], nil
	default:
		return nil, errs.Validation("unknown_chain", "no signature scheme for chain %q", c)
	}
}

// VerifyBody checks that account signed body with the deployment's native scheme.
func VerifyBody(adapter chain.Adapter, account string, body []byte, encoded string) error {
	if encoded == "" {
		return errs.Authorization("missing_signature", "request for %s is not signed", account)
	}
	sig, err := DecodeSignature(adapter.Chain(), encoded)
	if err != nil {
		return err
	}
	return adapter.VerifySignature(account, body, sig)
}
