package tui

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withoutTTY(t *testing.T) {
	old := HasTTY
	HasTTY = false
	t.Cleanup(func() { HasTTY = old })
}

func TestHasTTY(t *testing.T) {
	assert.Contains(t, []bool{true, false}, HasTTY)
}

func TestMessagesWithoutTTY(t *testing.T) {
	withoutTTY(t)
	var buf bytes.Buffer
	ShowSuccess(&buf, "called %s", "predict")
	ShowError(&buf, "failed: %d", 3)
	assert.Equal(t, " ✓ called predict\n ⚠ failed: 3\n", buf.String())
	assert.Equal(t, "ready", State("ready"))
	assert.Equal(t, "idle", Muted("idle"))
}

func TestTable(t *testing.T) {
	withoutTTY(t)
	var buf bytes.Buffer
	Table(&buf, []string{"ID", "STATE"}, [][]string{{"w1", State("ready")}, {"w2", State("dead")}})
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "w1")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "dead")
}

func TestSpinWithoutTTY(t *testing.T) {
	withoutTTY(t)
	boom := errors.New("boom")
	ran := false
	err := Spin(context.Background(), "calling", func(ctx context.Context) error {
		ran = true
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}
