package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCommands_CardLifecycle(t *testing.T) {
	url := startTestServer(t)

	out, err := run(t, "--server-url", url, "--jq", ".transaction.id",
		"client", "create", "--listing", "listing-1", "--buyer", "buyer-1", "--method", "credit_card")
	require.NoError(t, err)
	id := firstLine(out)
	require.NotEmpty(t, id)

	out, err = run(t, "--server-url", url, "client", "pay",
		"--card-number", "4242424242424242", "--card-holder", "Ana Souza", "--card-expiry", "12/2030", "--card-cvv", "123", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Payment confirmed: stripe_")
	assert.Contains(t, out, "payment_confirmed")

	out, err = run(t, "--server-url", url, "client", "ship", "--tracking", "BR123456789", id)
	require.NoError(t, err)
	assert.Contains(t, out, "shipped")
	assert.Contains(t, out, "BR123456789")

	_, err = run(t, "--server-url", url, "client", "confirm", "--buyer", "buyer-2", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	out, err = run(t, "--server-url", url, "--jq", ".status", "client", "confirm", "--buyer", "buyer-1", id)
	require.NoError(t, err)
	assert.Equal(t, "completed", firstLine(out))

	out, err = run(t, "--server-url", url, "--jq", "[.timeline[].type] | join(\",\")", "client", "get", id)
	require.NoError(t, err)
	assert.Equal(t, "created,payment_confirmed,shipped,delivered,completed", firstLine(out))

	out, err = run(t, "--server-url", url, "client", "list", "--seller", "seller-1")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "265.00")
}

func TestClientCommands_PixCreate(t *testing.T) {
	url := startTestServer(t)

	out, err := run(t, "--server-url", url, "client", "create",
		"--listing", "listing-1", "--buyer", "buyer-1", "--qr")
	require.NoError(t, err)
	assert.Contains(t, out, "pending_payment")
	assert.Contains(t, out, "Pay 265.00 with PIX")
	assert.Contains(t, out, "pagamentos@vitrine.example")
}

func TestClientCommands_DeclinedPayment(t *testing.T) {
	url := startTestServer(t)

	out, err := run(t, "--server-url", url, "--jq", ".transaction.id",
		"client", "create", "--listing", "listing-1", "--buyer", "buyer-1", "--method", "credit_card")
	require.NoError(t, err)
	id := firstLine(out)

	out, err = run(t, "--server-url", url, "--json", "client", "pay",
		"--card-number", "4000000000000002", "--card-expiry", "12/30", "--card-cvv", "123", id)
	require.NoError(t, err)

	var outcome struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.ErrorMessage)
}

func TestClientCommands_Cancel(t *testing.T) {
	url := startTestServer(t)

	out, err := run(t, "--server-url", url, "--jq", ".transaction.id",
		"client", "create", "--listing", "listing-1", "--buyer", "buyer-1")
	require.NoError(t, err)
	id := firstLine(out)

	out, err = run(t, "--server-url", url, "client", "cancel", "--reason", "changed my mind", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
	assert.Contains(t, out, "changed my mind")

	_, err = run(t, "--server-url", url, "client", "get", "missing-txn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClientCommands_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		expectErr string
	}{
		{"get without id", []string{"client", "get"}, "requires exactly one argument"},
		{"pay without id", []string{"client", "pay"}, "requires exactly one argument"},
		{"bad card expiry", []string{"client", "pay", "--card-number", "4242424242424242", "--card-expiry", "2030", "txn-1"}, "invalid card expiry"},
		{"await without id", []string{"client", "await"}, "requires exactly one argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestClientCommands_HelpPutsOptionsBeforeID(t *testing.T) {
	for _, cmd := range []string{"pay", "ship", "confirm", "cancel", "await"} {
		t.Run(cmd, func(t *testing.T) {
			out, err := run(t, "client", cmd, "--help")
			require.NoError(t, err)
			assert.Regexp(t, cmd+` \[command options\] <transaction_id>`, out)
		})
	}
}

func TestParseExpiry(t *testing.T) {
	month, year, err := parseExpiry("07/2031")
	require.NoError(t, err)
	assert.Equal(t, 7, month)
	assert.Equal(t, 2031, year)

	month, year, err = parseExpiry("1/29")
	require.NoError(t, err)
	assert.Equal(t, 1, month)
	assert.Equal(t, 2029, year)

	_, _, err = parseExpiry("july")
	assert.Error(t, err)
}
