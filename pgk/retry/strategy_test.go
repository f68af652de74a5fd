package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	base := 60 * time.Second

	tests := []struct {
		name     string
		strategy Strategy
		expected []time.Duration
	}{
		{"fixed", Fixed, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}},
		{"linear", Linear, []time.Duration{60 * time.Second, 120 * time.Second, 180 * time.Second}},
		{"exponential", Exponential, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for i, want := range test.expected {
				assert.Equal(t, want, Delay(i+1, test.strategy, base), "attempt %d", i+1)
			}
		})
	}
}

func TestDelay_Deterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, 40*time.Second, Delay(4, Exponential, 5*time.Second))
	}
}

func TestDelay_Fallback(t *testing.T) {
	assert.Equal(t, 5*time.Second, Delay(1, "", 0))
	assert.Equal(t, 20*time.Second, Delay(3, Linear, 0))
	assert.Equal(t, 10*time.Second, Delay(2, "bogus", time.Minute))
	assert.Equal(t, 10*time.Second, DefaultDelay(2))
}

func TestDelay_AttemptsBelowOne(t *testing.T) {
	assert.Equal(t, time.Second, Delay(0, Linear, time.Second))
	assert.Equal(t, time.Second, Delay(-3, Exponential, time.Second))
}

func TestDelay_Saturates(t *testing.T) {
	assert.Equal(t, time.Duration(math.MaxInt64), Delay(100, Exponential, time.Hour))
	assert.Equal(t, time.Duration(math.MaxInt64), Delay(math.MaxInt32, Linear, time.Duration(math.MaxInt64/2)))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Linear ")
	require.NoError(t, err)
	assert.Equal(t, Linear, s)

	_, err = ParseStrategy("random")
	assert.Error(t, err)

	var decoded Strategy
	require.NoError(t, decoded.UnmarshalText([]byte("EXPONENTIAL")))
	assert.Equal(t, Exponential, decoded)
	assert.Error(t, decoded.UnmarshalText([]byte("nope")))
}
