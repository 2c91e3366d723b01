package enums

import "fmt"

// ItemType describes the credential carried by an inventory unit.
type ItemType string

const (
	ItemTypeEmail             ItemType = "EMAIL"
	ItemTypeCard              ItemType = "CARD"
	ItemTypeAccount           ItemType = "ACCOUNT"
	ItemTypeKey               ItemType = "KEY"
	ItemTypeKeyLicenseBasic   ItemType = "KEY_LICENSE_BASIC"
	ItemTypeKeyLicensePremium ItemType = "KEY_LICENSE_PREMIUM"
)

var validItemTypes = []ItemType{
	ItemTypeEmail,
	ItemTypeCard,
	ItemTypeAccount,
	ItemTypeKey,
	ItemTypeKeyLicenseBasic,
	ItemTypeKeyLicensePremium,
}

func (i ItemType) String() string {
	return string(i)
}

func (i ItemType) IsValid() bool {
	for _, candidate := range validItemTypes {
		if candidate == i {
			return true
		}
	}
	return false
}

func ParseItemType(value string) (ItemType, error) {
	for _, candidate := range validItemTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid item type %q", value)
}
