package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	t.Run("Primitives", func(t *testing.T) {
		assert.Equal(t, "balance:0xabc:42", GenerateKey("balance", "0xabc", 42))
		assert.Equal(t, "price:LUKAS", GenerateKey("price", "LUKAS"))
		assert.Equal(t, "flag:true:null", GenerateKey("flag", true, nil))
		assert.Equal(t, "ratio:0.0976", GenerateKey("ratio", 0.0976))
		assert.Equal(t, "u:7", GenerateKey("u", uint8(7)))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, "", GenerateKey())
		assert.Equal(t, "single", GenerateKey("single"))
	})

	t.Run("DurationTimeAndError", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		assert.Equal(t, "ttl:1m30s", GenerateKey("ttl", 90*time.Second))
		assert.Equal(t, "at:2024-03-01T12:00:00Z", GenerateKey("at", at))
		assert.Equal(t, "err:boom", GenerateKey("err", errors.New("boom")))
	})

	t.Run("StructuredValuesAreDeterministic", func(t *testing.T) {
		first := GenerateKey("vault", map[string]int{"b": 2, "a": 1, "c": 3})
		second := GenerateKey("vault", map[string]int{"c": 3, "a": 1, "b": 2})

		assert.Equal(t, `vault:{"a":1,"b":2,"c":3}`, first)
		assert.Equal(t, first, second)
		assert.Equal(t, `ids:[1,2,3]`, GenerateKey("ids", []int{1, 2, 3}))
	})

	t.Run("KeyOutlivesParts", func(t *testing.T) {
		address := []byte("0xabc")
		key := GenerateKey("balance", address)

		copy(address, "0xfff")
		keys := map[string]int{key: 1, GenerateKey("balance", address): 2}

		assert.Equal(t, "balance:0xabc", key)
		assert.Len(t, keys, 2)
	})

	t.Run("OrderMatters", func(t *testing.T) {
		assert.NotEqual(t, GenerateKey("a", "b"), GenerateKey("b", "a"))
	})
}
