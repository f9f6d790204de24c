package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromMajor(t *testing.T) {
	assert.Equal(t, int64(5000), NewFromMajor(50.0, "EUR").AmountMinor)
	assert.Equal(t, int64(1999), NewFromMajor(19.99, "GBP").AmountMinor)
	// Zero-decimal currency
	assert.Equal(t, int64(500), NewFromMajor(500, "JPY").AmountMinor)
	// Float drift must round, not truncate
	assert.Equal(t, int64(4575), NewFromMajor(45.75, "USD").AmountMinor)
}

func TestArithmetic(t *testing.T) {
	a := New(3000, "EUR")
	b := New(2000, "EUR")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, New(5000, "EUR"), sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, New(1000, "EUR"), diff)

	_, err = a.Add(New(100, "USD"))
	assert.Error(t, err, "mixed currencies must not add")

	assert.True(t, a.GreaterThan(b))
	assert.False(t, b.GreaterThan(a))
	assert.True(t, a.Equal(New(3000, "EUR")))
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ValidCurrency("EUR"))
	assert.True(t, ValidCurrency("JPY"))
	assert.False(t, ValidCurrency("eur"))
	assert.False(t, ValidCurrency("EURO"))
	assert.False(t, ValidCurrency(""))
}

func TestString(t *testing.T) {
	assert.Equal(t, "19.99 GBP", New(1999, "GBP").String())
	assert.Equal(t, "500 JPY", New(500, "JPY").String())
}

func TestJSONRoundTrip(t *testing.T) {
	m := New(1999, "GBP")

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount_minor":1999,"currency":"GBP"}`, string(data))

	var decoded Money
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m, decoded)
}
