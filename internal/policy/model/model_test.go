package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTensorInfo_Materialize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		shape []int64
		want  []int64
		elems int
	}{
		{"fixed", []int64{1, 48}, []int64{1, 48}, 48},
		{"dynamic batch", []int64{-1, 48}, []int64{1, 48}, 48},
		{"zero as unknown", []int64{0, 1, 64}, []int64{1, 1, 64}, 64},
		{"scalar", nil, []int64{1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TensorInfo{Name: "x", Shape: tc.shape}.Materialize()
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.elems, Elements(got))
		})
	}
}

func TestTensorInfo_Last(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(16), TensorInfo{Shape: []int64{1, 16}}.Last())
	assert.Equal(t, int64(-1), TensorInfo{}.Last())
	assert.Equal(t, 3, TensorInfo{Shape: []int64{1, 1, 8}}.Rank())
}
