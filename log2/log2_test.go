package log2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	b := &strings.Builder{}
	l := NewWriter(b, LInfo)
	l.SetFlags(0)
	l.Debugf("hidden %d", 1)
	l.Infof("visible %d", 2)
	l.Errorf("visible %d", 3)
	out := b.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible 2")
	assert.Contains(t, out, "error: visible 3")

	l.SetLevel(LDebug)
	l.Debugf("now visible")
	assert.Contains(t, b.String(), "debug: now visible")
}

func TestNilSafe(t *testing.T) {
	t.Parallel()

	var l *Log
	l.Debugf("ignored")
	l.Errorf("ignored")
	l.SetLevel(LAll)
	assert.False(t, l.Enabled(LError))
}
