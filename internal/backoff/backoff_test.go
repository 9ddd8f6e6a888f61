package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_ExponentialAndCapped(t *testing.T) {
	p := Policy{MaxRetries: 5, Base: time.Second, Max: 5 * time.Second, NoJitter: true}

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}

	for range 100 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestDelay_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Policy{}.Delay(3))
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, DefaultBase, p.Base)
	assert.Equal(t, DefaultMax, p.Max)
}

func TestSleep_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestSleep_Elapses(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
