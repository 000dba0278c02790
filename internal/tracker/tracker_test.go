package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTierList_DropsMalformedURLsAndEmptyTiers(t *testing.T) {
	tl := NewTierList([][]string{
		{"http://a.example/announce", "://not-a-url"},
		{},
	})
	require.False(t, tl.Empty())

	cur, ok := tl.Current()
	require.True(t, ok)
	assert.Equal(t, "a.example", cur.Host)
}

func TestCurrent_FalseWhenEmpty(t *testing.T) {
	tl := NewTierList(nil)
	assert.True(t, tl.Empty())
	_, ok := tl.Current()
	assert.False(t, ok)
}

func TestSucceed_ResetsFailureCountAndKeepsUrlAtFront(t *testing.T) {
	tl := NewTierList([][]string{{"http://a.example/"}})
	cur, _ := tl.Current()

	tl.Failed(Outcome{}, 100)
	tl.Succeed(Outcome{Interval: 30 * time.Minute})

	assert.Zero(t, tl.tiers[0][0].fails)
	after, ok := tl.Current()
	require.True(t, ok)
	assert.Equal(t, cur, after)
}

func TestFailed_RotatesWithinTierBeforeRotatingTiers(t *testing.T) {
	tl := NewTierList([][]string{
		{"http://a.example/", "http://b.example/"},
	})
	first, _ := tl.Current()

	exhausted := tl.Failed(Outcome{}, 100)
	assert.False(t, exhausted, "single URL failure should not exhaust a two-URL tier")

	second, _ := tl.Current()
	assert.NotEqual(t, first, second)

	exhausted = tl.Failed(Outcome{}, 100)
	assert.True(t, exhausted, "every URL in the tier has now failed once")

	third, _ := tl.Current()
	assert.Equal(t, first, third, "rotation should cycle back to the first URL")
}

func TestFailed_RotatesTierToBackOnceExhausted(t *testing.T) {
	tl := NewTierList([][]string{
		{"http://a.example/"},
		{"http://b.example/"},
	})
	first, _ := tl.Current()

	tl.Failed(Outcome{}, 100)

	second, _ := tl.Current()
	assert.NotEqual(t, first, second, "exhausting the head tier should promote the next tier")
}

func TestCanAnnounce_FalseUntilBackoffElapses(t *testing.T) {
	tl := NewTierList([][]string{{"http://a.example/"}})
	tl.Failed(Outcome{}, 100)

	assert.False(t, tl.CanAnnounce(time.Now()))
	assert.True(t, tl.CanAnnounce(time.Now().Add(2*time.Hour)))
}

func TestBackoff_GrowsWithFailuresAndIsBounded(t *testing.T) {
	small := backoff(1, time.Second, 100)
	large := backoff(5, time.Second, 100)
	assert.Less(t, small, large)
	assert.LessOrEqual(t, large, MaxRetryDelay+time.Second)
	assert.GreaterOrEqual(t, small, MinRetryDelay)
}

func TestBackoff_NeverBelowRetryInterval(t *testing.T) {
	d := backoff(0, 90*time.Minute, 100)
	assert.GreaterOrEqual(t, d, 90*time.Minute)
}

func TestBackoff_MatchesLiteralFormula(t *testing.T) {
	// (MinRetryDelay + fails^2 * MinRetryDelay) * backoffRatio/100
	assert.Equal(t, 10*time.Second, backoff(1, 0, 100))
	assert.Equal(t, 5*time.Second, backoff(1, 0, 50))
}

func TestHistory_CappedAtMaxHistorySize(t *testing.T) {
	tl := NewTierList([][]string{{"http://a.example/"}})
	for i := 0; i < MaxHistorySize+2; i++ {
		tl.Failed(Outcome{Error: "timeout"}, 100)
	}
	e := tl.tiers[0][0]
	assert.Len(t, e.history, MaxHistorySize)
}
