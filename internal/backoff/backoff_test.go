package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayExponentialNoJitter(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Hour}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Base: 5 * time.Minute, Cap: time.Hour}

	assert.Equal(t, time.Hour, p.Delay(10))
	assert.Equal(t, time.Hour, p.Delay(100))
}

func TestDelayClampsRetryBelowOne(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Hour}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Default()
	lo := time.Duration(float64(p.Base) * (1 - p.Jitter))
	hi := time.Duration(float64(p.Base) * (1 + p.Jitter))

	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}
