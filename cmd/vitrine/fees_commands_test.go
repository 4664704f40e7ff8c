package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteCommand(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		expectErr string
		checkFunc func(t *testing.T, out string)
	}{
		{
			name: "all methods as a table",
			args: []string{"fees", "quote", "--amount", "100"},
			checkFunc: func(t *testing.T, out string) {
				assert.Contains(t, out, "METHOD")
				assert.Contains(t, out, "pix")
				assert.Contains(t, out, "credit_card")
				assert.Contains(t, out, "bank_transfer")
				assert.Contains(t, out, "3.20")
			},
		},
		{
			name: "pix fee is capped",
			args: []string{"--json", "fees", "quote", "--amount", "2000", "--method", "pix"},
			checkFunc: func(t *testing.T, out string) {
				var quotes map[string]map[string]string
				require.NoError(t, json.Unmarshal([]byte(out), &quotes))
				assert.Equal(t, "10", quotes["pix"]["payment_fee"])
				assert.Equal(t, "100", quotes["pix"]["platform_fee"])
				assert.Equal(t, "1890", quotes["pix"]["net_amount"])
			},
		},
		{
			name: "jq selects a field",
			args: []string{"--jq", ".pix.platform_fee", "fees", "quote", "--amount", "250", "-m", "pix"},
			checkFunc: func(t *testing.T, out string) {
				assert.Equal(t, "12.5", firstLine(out))
			},
		},
		{
			name:      "non-numeric amount",
			args:      []string{"fees", "quote", "--amount", "lots"},
			expectErr: "invalid amount",
		},
		{
			name:      "zero amount",
			args:      []string{"fees", "quote", "--amount", "0"},
			expectErr: "amount must be positive",
		},
		{
			name:      "unknown method",
			args:      []string{"fees", "quote", "--amount", "10", "--method", "boleto"},
			expectErr: "unsupported payment method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			require.NoError(t, err)
			tt.checkFunc(t, out)
		})
	}
}
