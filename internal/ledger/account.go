package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota // collateral outside any trove
	SubTypeDebtToken

	// System sub-types
	SubTypeActivePool    // collateral backing open troves
	SubTypeDefaultPool   // redistributed collateral not yet pulled by troves
	SubTypeStabilityPool // deposits (debt token) and unpaid gains (collateral)
	SubTypeGasPool       // debt-token liquidation reserves

	// External sub-types
	SubTypeCollateralIngress
	SubTypeDebtIssuance

	SubTypeCollSurplusPool // collateral left over from capped liquidations, claimable by the former owner
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetCollateral AssetID = 1
	AssetDebt       AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"ETH": AssetCollateral,
		"USD": AssetDebt,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "ETH",
		AssetDebt:       "USD",
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

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Well-known accounts.

func ActivePool() AccountKey {
	return NewSystemAccountKey("active_pool", SubTypeActivePool, AssetCollateral)
}

func DefaultPool() AccountKey {
	return NewSystemAccountKey("default_pool", SubTypeDefaultPool, AssetCollateral)
}

func StabilityPoolCollateral() AccountKey {
	return NewSystemAccountKey("stability_pool", SubTypeStabilityPool, AssetCollateral)
}

func StabilityPoolDeposits() AccountKey {
	return NewSystemAccountKey("stability_pool", SubTypeStabilityPool, AssetDebt)
}

func GasPool() AccountKey {
	return NewSystemAccountKey("gas_pool", SubTypeGasPool, AssetDebt)
}

func CollSurplusPool() AccountKey {
	return NewSystemAccountKey("coll_surplus", SubTypeCollSurplusPool, AssetCollateral)
}

func CollateralIngress() AccountKey {
	return NewExternalAccountKey(SubTypeCollateralIngress, AssetCollateral)
}

func DebtIssuance() AccountKey {
	return NewExternalAccountKey(SubTypeDebtIssuance, AssetDebt)
}

func UserWallet(owner uuid.UUID) AccountKey {
	return NewUserAccountKey(owner, SubTypeWallet, AssetCollateral)
}

func UserDebtTokens(owner uuid.UUID) AccountKey {
	return NewUserAccountKey(owner, SubTypeDebtToken, AssetDebt)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeDebtToken:
		return "debt_token"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeDefaultPool:
		return "default_pool"
	case SubTypeStabilityPool:
		return "stability_pool"
	case SubTypeGasPool:
		return "gas_pool"
	case SubTypeCollateralIngress:
		return "collateral_ingress"
	case SubTypeDebtIssuance:
		return "debt_issuance"
	case SubTypeCollSurplusPool:
		return "coll_surplus_pool"
	default:
		return "unknown"
	}
}
