package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadBySetAndReceipts(t *testing.T) {
	message := Message{Text: "hello", ReadBy: ReadBySet(4)}

	assert.True(t, message.IsReadBy(4))
	assert.False(t, message.IsReadBy(9))

	message.AddReader(9)
	message.AddReader(9)
	assert.Equal(t, []uint{4, 9}, message.ReadByIDs())
}

func TestDisplayTextTombstone(t *testing.T) {
	message := Message{Text: "secret"}
	assert.Equal(t, "secret", message.DisplayText())

	message.DeletedForAll = true
	assert.Equal(t, DeletedMessagePlaceholder, message.DisplayText())
	// original content is retained on the row
	assert.Equal(t, "secret", message.Text)
}
