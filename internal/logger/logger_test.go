package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyFormatterFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logrus.DebugLevel)

	log.WithFields(logrus.Fields{"peer": "abcd", "key": "inference"}).Warn("frame dropped")

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "WARN  frame dropped")
	assert.Less(t, strings.Index(line, "key=inference"), strings.Index(line, "peer=abcd"))
}

func TestPrettyFormatterColors(t *testing.T) {
	f := &PrettyFormatter{}
	out, err := f.Format(&logrus.Entry{Level: logrus.ErrorLevel, Message: "boom", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Contains(t, string(out), colorRed+"ERROR"+colorReset)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)

	level, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
