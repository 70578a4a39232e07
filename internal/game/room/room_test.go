package room_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/room"
)

func TestNewCode_Format(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := room.NewCode()
		if !room.ValidCode(code) {
			rt.Fatalf("invalid code %q", code)
		}
		if room.NormalizeCode(" "+strings.ToLower(code)+"\t") != code {
			rt.Fatalf("normalize did not round trip %q", code)
		}
	})
}

func TestNewCode_LettersApproximatelyUniform(t *testing.T) {
	const samples = 20000
	counts := make(map[byte]int)
	for range samples {
		code := room.NewCode()
		for i := 0; i < len(code); i++ {
			counts[code[i]]++
		}
	}
	assert.Len(t, counts, 26)
	expected := float64(samples*room.CodeLength) / 26
	for letter, n := range counts {
		assert.InDelta(t, expected, float64(n), expected*0.1, "letter %c", letter)
	}
}

func TestValidCode(t *testing.T) {
	assert.True(t, room.ValidCode("ABCDE"))
	assert.False(t, room.ValidCode("ABCD"))
	assert.False(t, room.ValidCode("ABCDEF"))
	assert.False(t, room.ValidCode("abcde"))
	assert.False(t, room.ValidCode("AB1DE"))
}

func TestReconnectDelays_Default(t *testing.T) {
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, room.ReconnectDelays(config.DefaultSync()))
}

// Property: delay n is min(base * 2^(n-1), max) and there are exactly
// attempts delays.
func TestPropertyReconnectDelays(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := config.DefaultSync()
		cfg.ReconnectBase = time.Duration(rapid.IntRange(1, 1000).Draw(rt, "base_ms")) * time.Millisecond
		cfg.ReconnectMax = cfg.ReconnectBase * time.Duration(rapid.IntRange(1, 64).Draw(rt, "max_factor"))
		cfg.ReconnectAttempts = rapid.IntRange(1, 10).Draw(rt, "attempts")

		delays := room.ReconnectDelays(cfg)
		if len(delays) != cfg.ReconnectAttempts {
			rt.Fatalf("got %d delays, want %d", len(delays), cfg.ReconnectAttempts)
		}
		want := cfg.ReconnectBase
		for i, d := range delays {
			if want > cfg.ReconnectMax {
				want = cfg.ReconnectMax
			}
			if d != want {
				rt.Fatalf("delay %d = %v, want %v", i+1, d, want)
			}
			want *= 2
		}
	})
}
