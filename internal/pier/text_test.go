package pier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Lines("a\r\nb\n"))
	assert.Nil(t, Lines(" \n"))
	assert.Equal(t, []string{"single"}, Lines("single"))
}

func TestLabeledLines(t *testing.T) {
	assert.Equal(t, []string{"<alice> one", "<alice> two"}, LabeledLines("<alice> one\ntwo"))
	assert.Equal(t, []string{"<alice> one", "<alice> two"}, LabeledLines("<alice> one\n<alice> two"))
	assert.Equal(t, []string{"<alice> solo"}, LabeledLines("<alice> solo"))
	assert.Equal(t, []string{"plain", "text"}, LabeledLines("plain\ntext"))
	assert.Equal(t, []string{"<nolabel", "x"}, LabeledLines("<nolabel\nx"))
}
