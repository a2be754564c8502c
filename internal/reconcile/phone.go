// ABOUTME: Brazilian phone normalization, validation and matching.
// ABOUTME: Shared by reconciliation, ingestion and the protocol layer's JID handling.

package reconcile

import (
	"fmt"
	"strconv"
	"strings"
)

// validDDDs is the set of assigned Brazilian area codes (11-99, with gaps).
var validDDDs = map[int]bool{
	// São Paulo
	11: true, 12: true, 13: true, 14: true, 15: true, 16: true, 17: true, 18: true, 19: true,
	// Rio de Janeiro / Espírito Santo
	21: true, 22: true, 24: true, 27: true, 28: true,
	// Minas Gerais
	31: true, 32: true, 33: true, 34: true, 35: true, 37: true, 38: true,
	// Paraná / Santa Catarina
	41: true, 42: true, 43: true, 44: true, 45: true, 46: true, 47: true, 48: true, 49: true,
	// Rio Grande do Sul
	51: true, 53: true, 54: true, 55: true,
	// Centro-Oeste
	61: true, 62: true, 63: true, 64: true, 65: true, 66: true, 67: true,
	// Nordeste
	71: true, 73: true, 74: true, 75: true, 77: true, 79: true,
	81: true, 82: true, 83: true, 84: true, 85: true, 86: true, 87: true, 88: true, 89: true,
	// Norte
	91: true, 92: true, 93: true, 94: true, 95: true, 96: true, 97: true, 98: true, 99: true,
}

// whatsAppServer is the JID host for direct user chats.
const whatsAppServer = "s.whatsapp.net"

// stripNonDigits removes everything but 0-9.
func stripNonDigits(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate checks a Brazilian phone number and returns its normalized form
// (country code 55 + DDD + subscriber number, digits only).
func Validate(phone string) (string, error) {
	digits := stripNonDigits(phone)
	if digits == "" {
		return "", fmt.Errorf("empty phone number")
	}

	// Drop an existing country code.
	if strings.HasPrefix(digits, "55") && len(digits) > 11 {
		digits = digits[2:]
	}

	// 10 digits for landlines, 11 for mobiles.
	if len(digits) != 10 && len(digits) != 11 {
		return "", fmt.Errorf("phone must have 10 or 11 digits, got %d", len(digits))
	}

	ddd, err := strconv.Atoi(digits[:2])
	if err != nil || !validDDDs[ddd] {
		return "", fmt.Errorf("invalid area code %q", digits[:2])
	}

	if len(digits) == 11 && digits[2] != '9' {
		return "", fmt.Errorf("mobile number must start with 9 after the area code")
	}

	return "55" + digits, nil
}

// Normalize returns the WhatsApp-compatible form of a phone number
// (5511999999999). Invalid numbers degrade to their digits-only form
// rather than erroring, matching how inbound network identifiers — which
// are not always Brazilian — are stored.
func Normalize(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return ""
	}
	if normalized, err := Validate(phone); err == nil {
		return normalized
	}
	return stripNonDigits(phone)
}

// PhonesMatch reports whether two phone numbers refer to the same line,
// tolerating the Brazilian mobile ninth digit: 55 11 91234 5678 and
// 55 11 1234 5678 are the same subscriber. Anything short of that full
// agreement (area code included) is not a match; bare suffix comparison
// cross-links distinct contacts.
func PhonesMatch(a, b string) bool {
	n1 := stripNonDigits(a)
	n2 := stripNonDigits(b)

	if n1 == "" || n2 == "" {
		return false
	}
	if n1 == n2 {
		return true
	}

	// 13 digits = 55 + DDD + 9-digit mobile; 12 = 55 + DDD + 8 digits.
	if len(n1) == 13 && len(n2) == 12 {
		return n1[:4]+n1[5:] == n2
	}
	if len(n2) == 13 && len(n1) == 12 {
		return n2[:4]+n2[5:] == n1
	}

	return false
}

// FormatJID renders a phone number as a WhatsApp user JID string.
// Numbers without a country code get the Brazilian one.
func FormatJID(phone string) string {
	digits := stripNonDigits(phone)
	if !strings.HasPrefix(digits, "55") && len(digits) <= 11 {
		digits = "55" + digits
	}
	return digits + "@" + whatsAppServer
}

// PhoneFromJID extracts the bare phone number from a JID string.
func PhoneFromJID(jid string) string {
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		jid = jid[:idx]
	}
	// Device/agent suffixes like :12 are not part of the number.
	if idx := strings.IndexByte(jid, ':'); idx >= 0 {
		jid = jid[:idx]
	}
	return stripNonDigits(jid)
}
