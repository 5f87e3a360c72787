package utils_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, utils.Mean(values), 1e-12)
	assert.InDelta(t, 4.5, utils.Median(values), 1e-12)
	assert.InDelta(t, 2.138, utils.StdDev(values), 1e-3)

	assert.Equal(t, 0.0, utils.Mean(nil))
	assert.Equal(t, 0.0, utils.StdDev([]float64{1}))
	assert.Equal(t, 0.0, utils.Median(nil))
}

func TestCorrelation(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.0, utils.Correlation(xs, []float64{2, 4, 6, 8}), 1e-12)
	assert.InDelta(t, -1.0, utils.Correlation(xs, []float64{8, 6, 4, 2}), 1e-12)
	assert.Equal(t, 0.0, utils.Correlation(xs, []float64{5, 5, 5, 5}))
	assert.Equal(t, 0.0, utils.Correlation(xs, []float64{1, 2}))
}

func TestIsFiniteAndRounding(t *testing.T) {
	assert.True(t, utils.IsFinite(1.5))
	assert.False(t, utils.IsFinite(math.NaN()))
	assert.False(t, utils.IsFinite(math.Inf(1)))

	assert.Equal(t, 1.23, utils.RoundTo(1.2345, 2))
	assert.Equal(t, "$1234.50", utils.FormatMoney(1234.499, "$"))
	assert.Equal(t, "n/a", utils.FormatMoney(math.Inf(1), "$"))
}

func TestRetry(t *testing.T) {
	attempts := 0
	result, err := utils.Retry(utils.RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, attempts)

	_, err = utils.Retry(utils.RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}, func() (int, error) {
		return 0, errors.New("permanent")
	})
	require.Error(t, err)
}

func TestGenerateID(t *testing.T) {
	id := utils.GenerateExecutionID()
	assert.Contains(t, id, "exec_")
	assert.NotEqual(t, id, utils.GenerateExecutionID())
}
