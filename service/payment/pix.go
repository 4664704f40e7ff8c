package payment

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxPixKeyLength is the longest key that still fits the two digit length of
// the merchant account field once the "br.gov.bcb.pix" GUI is prepended.
const MaxPixKeyLength = 99 - len("0014br.gov.bcb.pix") - len("0100")

// PixConfig holds the merchant data embedded in PIX charges.
type PixConfig struct {
	Key          string
	MerchantName string
	MerchantCity string
	Timeout      time.Duration
}

// Instructions tell the buyer how to complete a pending payment.
type Instructions struct {
	Type      MethodType      `json:"type"`
	QRCode    string          `json:"qr_code"`               // EMV "copia e cola" payload
	QRCodePNG string          `json:"qr_code_png,omitempty"` // Base64 encoded PNG of QRCode
	PixKey    string          `json:"pix_key"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// BuildPixInstructions creates the PIX payment instructions for a transaction.
// The payload is deterministic in (key, merchant, amount, transaction id); only
// the expiry depends on now.
func BuildPixInstructions(cfg PixConfig, transactionID string, amount decimal.Decimal, now time.Time) Instructions {
	payload := PixPayload(cfg, transactionID, amount)

	png, err := GenerateQRCodePNG(payload)
	if err != nil {
		// QR image is optional, the payload alone is enough to pay
		png = ""
	}

	return Instructions{
		Type:      MethodPix,
		QRCode:    payload,
		QRCodePNG: png,
		PixKey:    cfg.Key,
		Amount:    amount,
		ExpiresAt: now.Add(cfg.Timeout),
	}
}

// PixPayload builds a static BR Code (EMV MPM) payload.
// Layout: 00 format, 26 merchant account (GUI + key), 52 MCC, 53 currency (986 = BRL),
// 54 amount, 58 country, 59 name, 60 city, 62 txid, 63 CRC16.
func PixPayload(cfg PixConfig, transactionID string, amount decimal.Decimal) string {
	account := emv("00", "br.gov.bcb.pix") + emv("01", cfg.Key)

	var b strings.Builder
	b.WriteString(emv("00", "01"))
	b.WriteString(emv("26", account))
	b.WriteString(emv("52", "0000"))
	b.WriteString(emv("53", "986"))
	b.WriteString(emv("54", amount.StringFixed(2)))
	b.WriteString(emv("58", "BR"))
	b.WriteString(emv("59", truncate(asciiFold(cfg.MerchantName), 25)))
	b.WriteString(emv("60", truncate(asciiFold(cfg.MerchantCity), 15)))
	b.WriteString(emv("62", emv("05", pixTxID(transactionID))))
	b.WriteString("6304")

	payload := b.String()
	return payload + fmt.Sprintf("%04X", crc16CCITT([]byte(payload)))
}

// GenerateQRCodePNG renders data as a 256x256 PNG and returns it base64 encoded.
func GenerateQRCodePNG(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}

func emv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// pixTxID keeps the alphanumeric characters of id, at most 25 of them.
// An empty result becomes "***", the BR Code placeholder for "no txid".
func pixTxID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
		if b.Len() == 25 {
			break
		}
	}
	if b.Len() == 0 {
		return "***"
	}
	return b.String()
}

// asciiFold strips diacritics ("São Paulo" becomes "Sao Paulo") and drops
// whatever is still outside printable ASCII, so field lengths count bytes.
func asciiFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if r < ' ' || r > '~' {
			return -1
		}
		return r
	}, folded)
}

// truncate cuts s to at most n bytes. Callers pass ASCII.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// crc16CCITT is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), as required by EMV QR.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
