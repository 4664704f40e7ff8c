package db

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.01", "265.00", "229.95", "-0.30", "123456789.12"} {
		d := decimal.RequireFromString(s)
		got := decimalFromNumeric(numericFromDecimal(d))
		assert.True(t, d.Equal(got), "%s became %s", s, got)
	}

	assert.True(t, decimal.Zero.Equal(decimalFromNumeric(pgtype.Numeric{})))
}

func TestAddressJSON(t *testing.T) {
	b, err := addressToJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	a, err := addressFromJSON([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, a)

	in := &Address{Street: "Rua Augusta", City: "Sao Paulo", State: "SP", PostalCode: "01304-001"}
	b, err = addressToJSON(in)
	require.NoError(t, err)
	out, err := addressFromJSON(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataJSON(t *testing.T) {
	b, err := metadataToJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	m, err := metadataFromJSON(b)
	require.NoError(t, err)
	assert.Nil(t, m)
}
