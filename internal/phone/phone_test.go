package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatWhatsApp(t *testing.T) {
	cases := []struct {
		raw    string
		region string
		want   string
	}{
		{"081234567890", "ID", "6281234567890"},
		{"0812-3456-7890", "ID", "6281234567890"},
		{"+62 812 3456 7890", "ID", "6281234567890"},
		{"+62 812 3456 7890", "BR", "6281234567890"},
		{"(11) 98765-4321", "br", "5511987654321"},
	}

	for _, tc := range cases {
		got, err := FormatWhatsApp(tc.raw, tc.region)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestFormatWhatsAppInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a phone", "12"} {
		_, err := FormatWhatsApp(raw, "ID")
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}
