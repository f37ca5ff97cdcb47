package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateMessages_GrowsWithContent(t *testing.T) {
	c := NewTokenCounter()
	short := []Message{{Role: "user", Content: "P5 Math"}}
	long := []Message{{Role: "user", Content: strings.Repeat("P5 Math at Tampines, $40/h. ", 40)}}

	a := c.EstimateMessages("qwen2.5-7b-instruct", short)
	b := c.EstimateMessages("qwen2.5-7b-instruct", long)
	assert.Positive(t, a)
	assert.Greater(t, b, a)
}

func TestEstimateMessages_MoreMessagesCostMore(t *testing.T) {
	c := NewTokenCounter()
	one := []Message{{Role: "user", Content: "hello"}}
	three := []Message{
		{Role: "system", Content: "hello"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hello"},
	}
	assert.Greater(t, c.EstimateMessages("any-model", three), c.EstimateMessages("any-model", one))
}

func TestEstimateMessages_CachesPerModel(t *testing.T) {
	c := NewTokenCounter()
	msgs := []Message{{Role: "user", Content: "same input"}}
	first := c.EstimateMessages("some-local-model", msgs)
	second := c.EstimateMessages("some-local-model", msgs)
	assert.Equal(t, first, second)
}
