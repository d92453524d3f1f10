package utils_test

import (
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/xingchen-labs/emotion-companion/internal/utils"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical direction", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6})
		gt.NoError(t, err).Required()
		gt.Bool(t, math.Abs(float64(sim)-1) < 1e-6).True()
	})

	t.Run("orthogonal", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		gt.NoError(t, err).Required()
		gt.Value(t, sim).Equal(float32(0))
	})

	t.Run("zero vector", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		gt.NoError(t, err).Required()
		gt.Value(t, sim).Equal(float32(0))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := utils.CosineSimilarity(nil, []float32{1})
		gt.Bool(t, errors.Is(err, utils.ErrEmptyVector)).True()
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := utils.CosineSimilarity([]float32{1, 2}, []float32{1})
		gt.Bool(t, errors.Is(err, utils.ErrDimensionMismatch)).True()
	})
}
