package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantInfo  bool
		wantDebug bool
	}{
		{"quiet", Options{}, false, false},
		{"verbose", Options{Verbose: true}, true, false},
		{"debug", Options{Debug: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf
			tt.opts.NoColor = true
			log := New(tt.opts)

			log.Debug("debug line")
			log.Info("info line")
			log.Warn("warn line", "records", 3)

			out := buf.String()
			assert.Contains(t, out, "warn line")
			assert.Contains(t, out, "records=3")
			assert.Equal(t, tt.wantInfo, bytes.Contains(buf.Bytes(), []byte("info line")))
			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug line")))
		})
	}
}

func TestNew_NoColor(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Output: &buf, NoColor: true}).Error("boom")
	assert.NotContains(t, buf.String(), "\x1b[")
}
