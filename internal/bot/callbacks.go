package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback payloads are "command|arg|arg" strings, capped by the platform
// at 64 bytes. Decoding produces one of the closed set of command types
// below; anything else is CmdUnknown and gets acknowledged silently.

// Command is a decoded callback action.
type Command interface{ isCommand() }

type (
	// CmdHome returns to the main menu.
	CmdHome struct{}
	// CmdCities opens the city list.
	CmdCities struct{}
	// CmdCity opens one city's districts.
	CmdCity struct{ City string }
	// CmdDistrict opens one district's product types.
	CmdDistrict struct{ City, District string }
	// CmdVariant reserves one unit of a size variant.
	CmdVariant struct{ City, District, Type, Size string }
	// CmdBasket shows the basket.
	CmdBasket struct{}
	// CmdRemove releases one held product.
	CmdRemove struct{ ProductID int64 }
	// CmdClear empties the basket.
	CmdClear struct{}
	// CmdCheckout opens payment method selection.
	CmdCheckout struct{}
	// CmdEnterCode prompts for a discount code.
	CmdEnterCode struct{}
	// CmdPayCrypto asks which currency to invoice in.
	CmdPayCrypto struct{}
	// CmdCurrency creates the invoice in the chosen currency.
	CmdCurrency struct{ Currency string }
	// CmdPayBalance charges the internal balance.
	CmdPayBalance struct{}
	// CmdRefill prompts for a top-up amount.
	CmdRefill struct{}
	// CmdRefillCurrency invoices the prompted top-up in a currency.
	CmdRefillCurrency struct{ Currency string }
	// CmdLanguage switches the interface language.
	CmdLanguage struct{ Code string }
	// CmdProfile shows balance and purchase history.
	CmdProfile struct{}
	// CmdUnknown is any payload that failed to decode.
	CmdUnknown struct{ Raw string }
)

func (CmdHome) isCommand()           {}
func (CmdCities) isCommand()         {}
func (CmdCity) isCommand()           {}
func (CmdDistrict) isCommand()       {}
func (CmdVariant) isCommand()        {}
func (CmdBasket) isCommand()         {}
func (CmdRemove) isCommand()         {}
func (CmdClear) isCommand()          {}
func (CmdCheckout) isCommand()       {}
func (CmdEnterCode) isCommand()      {}
func (CmdPayCrypto) isCommand()      {}
func (CmdCurrency) isCommand()       {}
func (CmdPayBalance) isCommand()     {}
func (CmdRefill) isCommand()         {}
func (CmdRefillCurrency) isCommand() {}
func (CmdLanguage) isCommand()       {}
func (CmdProfile) isCommand()        {}
func (CmdUnknown) isCommand()        {}

// DecodeCallback parses callback data into a Command.
func DecodeCallback(data string) Command {
	parts := strings.Split(data, "|")
	switch parts[0] {
	case "home":
		return CmdHome{}
	case "cities":
		return CmdCities{}
	case "city":
		if len(parts) == 2 {
			return CmdCity{City: parts[1]}
		}
	case "district":
		if len(parts) == 3 {
			return CmdDistrict{City: parts[1], District: parts[2]}
		}
	case "variant":
		if len(parts) == 5 {
			return CmdVariant{City: parts[1], District: parts[2], Type: parts[3], Size: parts[4]}
		}
	case "basket":
		return CmdBasket{}
	case "remove":
		if len(parts) == 2 {
			if id, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				return CmdRemove{ProductID: id}
			}
		}
	case "clear":
		return CmdClear{}
	case "checkout":
		return CmdCheckout{}
	case "code":
		return CmdEnterCode{}
	case "paycrypto":
		return CmdPayCrypto{}
	case "cur":
		if len(parts) == 2 {
			return CmdCurrency{Currency: parts[1]}
		}
	case "paybalance":
		return CmdPayBalance{}
	case "refill":
		return CmdRefill{}
	case "refillcur":
		if len(parts) == 2 {
			return CmdRefillCurrency{Currency: parts[1]}
		}
	case "lang":
		if len(parts) == 2 {
			return CmdLanguage{Code: parts[1]}
		}
	case "profile":
		return CmdProfile{}
	}
	return CmdUnknown{Raw: data}
}

// Encode builders keep the payload grammar in one place.

func encodeHome() string       { return "home" }
func encodeCities() string     { return "cities" }
func encodeBasket() string     { return "basket" }
func encodeClear() string      { return "clear" }
func encodeCheckout() string   { return "checkout" }
func encodeEnterCode() string  { return "code" }
func encodePayCrypto() string  { return "paycrypto" }
func encodePayBalance() string { return "paybalance" }
func encodeRefill() string     { return "refill" }
func encodeProfile() string    { return "profile" }

func encodeCity(city string) string { return "city|" + city }

func encodeDistrict(city, district string) string {
	return "district|" + city + "|" + district
}

func encodeVariant(city, district, ptype, size string) string {
	return strings.Join([]string{"variant", city, district, ptype, size}, "|")
}

func encodeRemove(productID int64) string {
	return fmt.Sprintf("remove|%d", productID)
}

func encodeCurrency(currency string) string      { return "cur|" + currency }
func encodeRefillCurrency(currency string) string { return "refillcur|" + currency }
func encodeLanguage(code string) string           { return "lang|" + code }
