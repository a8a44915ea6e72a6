// Package boleto converts between the textual encodings of a Brazilian
// payment identifier: the 44-digit canonical barcode, the 47-digit bank-slip
// line digit and the 48-digit government-collection ("arrecadação") line
// digit.
//
// Conversions are tolerant: malformed input yields ("", false) instead of an
// error, so every call site has to branch on the undecodable case.
package boleto

import "strings"

type Format int

const (
	FormatUnknown Format = iota
	FormatBarcode44
	FormatLineDigit47
	FormatLineDigit48
)

func (f Format) String() string {
	switch f {
	case FormatBarcode44:
		return "barcode44"
	case FormatLineDigit47:
		return "lineDigit47"
	case FormatLineDigit48:
		return "lineDigit48"
	default:
		return "unknown"
	}
}

// DigitsOnly strips everything that is not an ASCII digit.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// DetectFormat classifies a raw identifier by digit count. 48 digits only
// count as a line digit when the leading digit is 8 (arrecadação segment).
func DetectFormat(text string) Format {
	digits := DigitsOnly(text)
	switch len(digits) {
	case 44:
		return FormatBarcode44
	case 47:
		return FormatLineDigit47
	case 48:
		if digits[0] == '8' {
			return FormatLineDigit48
		}
	}
	return FormatUnknown
}

// Mod10CheckDigit computes the FEBRABAN mod10 check digit for a block:
// weights alternate 2,1 from the rightmost digit, products >= 10 collapse to
// their digit sum, and the check digit completes the total to a multiple of
// ten.
func Mod10CheckDigit(block string) int {
	sum := 0
	weight := 2
	for i := len(block) - 1; i >= 0; i-- {
		product := int(block[i]-'0') * weight
		if product >= 10 {
			product -= 9
		}
		sum += product
		if weight == 2 {
			weight = 1
		} else {
			weight = 2
		}
	}
	return (10 - sum%10) % 10
}

// ToLineDigit47 derives the 47-digit bank-slip line digit from a 44-digit
// barcode. Block payloads follow the boleto layout: the bank/currency prefix
// and the start of the free field form the first block, the rest of the free
// field the second and third; each payload gains a mod10 check digit, then
// the general check digit and the due-factor/value tail are appended.
func ToLineDigit47(barcode string) (string, bool) {
	barcode = DigitsOnly(barcode)
	if len(barcode) != 44 {
		return "", false
	}

	block1 := barcode[0:4] + barcode[19:24]
	block2 := barcode[24:34]
	block3 := barcode[34:44]

	var b strings.Builder
	b.Grow(47)
	b.WriteString(block1)
	b.WriteByte(byte('0' + Mod10CheckDigit(block1)))
	b.WriteString(block2)
	b.WriteByte(byte('0' + Mod10CheckDigit(block2)))
	b.WriteString(block3)
	b.WriteByte(byte('0' + Mod10CheckDigit(block3)))
	b.WriteByte(barcode[4])
	b.WriteString(barcode[5:19])
	return b.String(), true
}

// LineDigit47ToBarcode is the inverse of ToLineDigit47: drop each block's
// check digit and reassemble the 44 digits in barcode order.
func LineDigit47ToBarcode(lineDigit string) (string, bool) {
	lineDigit = DigitsOnly(lineDigit)
	if len(lineDigit) != 47 {
		return "", false
	}

	block1 := lineDigit[0:9]
	block2 := lineDigit[10:20]
	block3 := lineDigit[21:31]
	checkDigit := lineDigit[32]
	factor := lineDigit[33:47]

	var b strings.Builder
	b.Grow(44)
	b.WriteString(block1[0:4])
	b.WriteByte(checkDigit)
	b.WriteString(factor)
	b.WriteString(block1[4:9])
	b.WriteString(block2)
	b.WriteString(block3)
	return b.String(), true
}

// LineDigit48ToBarcode converts the 48-digit arrecadação line digit to its
// 44-digit barcode. Each of the four 12-digit blocks carries 11 payload
// digits plus a trailing check digit; the check digits are dropped, not
// validated (matching the documents produced by the issuing system).
func LineDigit48ToBarcode(lineDigit string) (string, bool) {
	lineDigit = DigitsOnly(lineDigit)
	if len(lineDigit) != 48 || lineDigit[0] != '8' {
		return "", false
	}

	var b strings.Builder
	b.Grow(44)
	for block := 0; block < 4; block++ {
		b.WriteString(lineDigit[block*12 : block*12+11])
	}
	return b.String(), true
}

// ToBarcode normalizes any of the three encodings to the 44-digit barcode.
func ToBarcode(text string) (string, bool) {
	digits := DigitsOnly(text)
	switch DetectFormat(digits) {
	case FormatBarcode44:
		return digits, true
	case FormatLineDigit47:
		return LineDigit47ToBarcode(digits)
	case FormatLineDigit48:
		return LineDigit48ToBarcode(digits)
	default:
		return "", false
	}
}

// GroupLineDigit47 renders a 47-digit line digit the way the printed
// documents group it: "AAAAA.AAAAA BBBBB.BBBBBB CCCCC.CCCCCC D EEEEEEEEEEEEEE".
func GroupLineDigit47(lineDigit string) (string, bool) {
	lineDigit = DigitsOnly(lineDigit)
	if len(lineDigit) != 47 {
		return "", false
	}
	parts := []string{
		lineDigit[0:5] + "." + lineDigit[5:10],
		lineDigit[10:15] + "." + lineDigit[15:21],
		lineDigit[21:26] + "." + lineDigit[26:32],
		lineDigit[32:33],
		lineDigit[33:47],
	}
	return strings.Join(parts, " "), true
}
