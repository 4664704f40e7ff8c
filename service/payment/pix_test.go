package payment

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPixConfig = PixConfig{
	Key:          "pagamentos@vitrine.com.br",
	MerchantName: "Vitrine Marketplace Ltda",
	MerchantCity: "Sao Paulo",
	Timeout:      30 * time.Minute,
}

func TestCRC16CCITT(t *testing.T) {
	// Standard check value for CRC-16/CCITT-FALSE.
	assert.Equal(t, uint16(0x29B1), crc16CCITT([]byte("123456789")))
}

func TestPixPayload(t *testing.T) {
	txID := "0b7c1c52-3f7d-4c1e-9a55-2d1f0e6a9b10"
	payload := PixPayload(testPixConfig, txID, d("265"))

	assert.True(t, strings.HasPrefix(payload, "000201"))
	assert.Contains(t, payload, "0014br.gov.bcb.pix")
	assert.Contains(t, payload, "0125pagamentos@vitrine.com.br")
	assert.Contains(t, payload, "5303986")
	assert.Contains(t, payload, "5406265.00")
	assert.Contains(t, payload, "5802BR")
	assert.Contains(t, payload, "5924Vitrine Marketplace Ltda")
	assert.Contains(t, payload, "6009Sao Paulo")
	assert.Contains(t, payload, "0525"+"0b7c1c523f7d4c1e9a552d1f0")

	// The last four characters are the CRC of everything before them.
	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	assert.True(t, strings.HasSuffix(body, "6304"))
	assert.Equal(t, fmt.Sprintf("%04X", crc16CCITT([]byte(body))), crc)
}

func TestPixPayloadDeterministic(t *testing.T) {
	a := PixPayload(testPixConfig, "tx-1", d("10.5"))
	b := PixPayload(testPixConfig, "tx-1", d("10.50"))
	c := PixPayload(testPixConfig, "tx-2", d("10.50"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPixPayloadFoldsMerchantToASCII(t *testing.T) {
	cfg := testPixConfig
	cfg.MerchantName = "Loja da Conceição Ltda™"
	cfg.MerchantCity = "São João del-Rei"
	payload := PixPayload(cfg, "tx-1", d("10"))

	assert.Contains(t, payload, "5922Loja da Conceicao Ltda")
	assert.Contains(t, payload, "6015Sao Joao del-Re")
	for _, r := range payload {
		assert.LessOrEqual(t, r, rune('~'))
	}

	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	assert.Equal(t, fmt.Sprintf("%04X", crc16CCITT([]byte(body))), crc)
}

func TestPixPayloadLongestKey(t *testing.T) {
	cfg := testPixConfig
	cfg.Key = strings.Repeat("k", MaxPixKeyLength)
	payload := PixPayload(cfg, "tx-1", d("10"))

	assert.Contains(t, payload, "2699"+"0014br.gov.bcb.pix"+"0177")
}

func TestPixTxID(t *testing.T) {
	assert.Equal(t, "abc123", pixTxID("a-b_c 1.2.3"))
	assert.Equal(t, "***", pixTxID("---"))
	assert.Len(t, pixTxID(strings.Repeat("x", 40)), 25)
}

func TestBuildPixInstructions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	instr := BuildPixInstructions(testPixConfig, "tx-1", d("265.00"), now)

	assert.Equal(t, MethodPix, instr.Type)
	assert.Equal(t, "265.00", instr.Amount.StringFixed(2))
	assert.Equal(t, testPixConfig.Key, instr.PixKey)
	assert.Equal(t, now.Add(30*time.Minute), instr.ExpiresAt)
	assert.Equal(t, PixPayload(testPixConfig, "tx-1", d("265.00")), instr.QRCode)

	png, err := base64.StdEncoding.DecodeString(instr.QRCodePNG)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}
