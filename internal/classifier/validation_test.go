package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLuhn(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"4111111111111111", true},
		{"4111111111111112", false},
		{"5500000000000004", true},
		{"0", false},
		{"41111a1111111111", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, luhn(tt.number), tt.number)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name, gate, value string
		want              bool
	}{
		{"card with separators", "luhn", "4111-1111-1111-1111", true},
		{"card bad check digit", "luhn", "4111 1111 1111 1112", false},
		{"iban spaced", "iban", "GB82 WEST 1234 5698 7654 32", true},
		{"iban lower case", "iban", "de89370400440532013000", true},
		{"iban bad checksum", "iban", "GB82WEST12345698765433", false},
		{"iban short", "iban", "DE8937040044053201300", false},
		{"iban unknown country", "iban", "XX89370400440532013000", false},
		{"iban punctuation", "iban", "DE89-3704-0044-0532-0130", false},
		{"unknown gate", "checksum-v9", "anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validate(tt.gate, tt.value))
		})
	}
}
