package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types
	SubTypePoolReserve AccountSubType = iota
	SubTypeProtocolFees
	SubTypeDiscountReserve

	// External sub-types
	SubTypeWallet
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetBase     AssetID = 1
	AssetDiscount AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"BASE":     AssetBase,
		"DISCOUNT": AssetDiscount,
	}
	idToAsset = map[AssetID]string{
		AssetBase:     "BASE",
		AssetDiscount: "DISCOUNT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking.
// Owner is the chain-canonical account string for external accounts and
// empty for system accounts.
type AccountKey struct {
	Scope   AccountScope
	Owner   string
	SubType AccountSubType
	AssetID AssetID
}

// NewSystemAccountKey creates a key for a protocol-owned account
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for a participant wallet on the boundary.
// Its balance is the negated net flow from that wallet into the protocol.
func NewExternalAccountKey(owner string, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		Owner:   owner,
		SubType: SubTypeWallet,
		AssetID: assetID,
	}
}

// PoolReserve is the account whose base balance equals pool TVL.
func PoolReserve() AccountKey {
	return NewSystemAccountKey(SubTypePoolReserve, AssetBase)
}

func ProtocolFees() AccountKey {
	return NewSystemAccountKey(SubTypeProtocolFees, AssetBase)
}

func DiscountReserve() AccountKey {
	return NewSystemAccountKey(SubTypeDiscountReserve, AssetDiscount)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.Owner, k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePoolReserve:
		return "pool_reserve"
	case SubTypeProtocolFees:
		return "protocol_fees"
	case SubTypeDiscountReserve:
		return "discount_reserve"
	case SubTypeWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

var subTypeByName = map[string]AccountSubType{
	"pool_reserve":     SubTypePoolReserve,
	"protocol_fees":    SubTypeProtocolFees,
	"discount_reserve": SubTypeDiscountReserve,
	"wallet":           SubTypeWallet,
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "system":
		sub, ok := subTypeByName[parts[1]]
		asset, okAsset := GetAssetID(parts[2])
		if !ok || !okAsset {
			return AccountKey{}, fmt.Errorf("bad system account path %q", path)
		}
		return NewSystemAccountKey(sub, asset), nil
	case len(parts) == 4 && parts[0] == "external":
		asset, okAsset := GetAssetID(parts[3])
		if parts[1] == "" || parts[2] != "wallet" || !okAsset {
			return AccountKey{}, fmt.Errorf("bad external account path %q", path)
		}
		return NewExternalAccountKey(parts[1], asset), nil
	}
	return AccountKey{}, fmt.Errorf("unrecognised account path %q", path)
}
