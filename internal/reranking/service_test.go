package reranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigmoidRange(t *testing.T) {
	tests := []struct {
		name    string
		input   float64
		wantMin float64
		wantMax float64
	}{
		{"positive large", 10, 0.9999, 1.0},
		{"positive small", 1, 0.7, 0.8},
		{"zero", 0, 0.4999, 0.5001},
		{"negative small", -1, 0.2, 0.3},
		{"negative large", -10, 0, 0.0001},
		{"clamped positive", 25, 1.0, 1.0},
		{"clamped negative", -25, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sigmoid(tt.input)
			assert.GreaterOrEqual(t, got, tt.wantMin)
			assert.LessOrEqual(t, got, tt.wantMax)
		})
	}
}

func TestSigmoidMonotone(t *testing.T) {
	prev := sigmoid(-5)
	for x := -4.0; x <= 5; x++ {
		cur := sigmoid(x)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestNewServiceRequiresPaths(t *testing.T) {
	_, err := NewService(Config{})
	require.Error(t, err)

	_, err = NewService(Config{ModelPath: "/tmp/model.onnx"})
	require.Error(t, err)
}

func TestFillTruncates(t *testing.T) {
	dst := make([]int64, 3)
	fill(dst, []int{1, 2, 3, 4, 5})
	assert.Equal(t, []int64{1, 2, 3}, dst)

	dst = make([]int64, 4)
	fill(dst, []int{7})
	assert.Equal(t, []int64{7, 0, 0, 0}, dst)
}
