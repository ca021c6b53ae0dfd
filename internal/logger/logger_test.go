package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T, level string, format OutputFormat, fn func()) string {
	t.Helper()
	buf := &bytes.Buffer{}
	SetTestOutput(buf)
	defer UnsetTestOutput()

	logger = nil
	InitLogger(level, format)

	fn()

	return buf.String()
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logFn    func()
		contains []string
		excludes []string
	}{
		{
			name:  "info log",
			level: "info",
			logFn: func() {
				Info("indexed subdir")
			},
			contains: []string{"indexed subdir"},
		},
		{
			name:  "debug log with debug level",
			level: "debug",
			logFn: func() {
				Debug("early close")
			},
			contains: []string{"early close", "level=DEBUG"},
		},
		{
			name:  "debug log with info level",
			level: "info",
			logFn: func() {
				Debug("early close")
			},
			excludes: []string{"early close"},
		},
		{
			name:  "error log",
			level: "error",
			logFn: func() {
				Error("extract failed")
			},
			contains: []string{"extract failed", "level=ERROR"},
		},
		{
			name:  "warn log with fields",
			level: "warn",
			logFn: func() {
				Warn("not a conda package", Fields{"path": "stray.txt", "size": 42})
			},
			contains: []string{"not a conda package", "level=WARN", "path=stray.txt", "size=42"},
		},
		{
			name:  "formatted info log",
			level: "info",
			logFn: func() {
				Infof("cached %d packages", 3)
			},
			contains: []string{"cached 3 packages"},
		},
		{
			name:  "formatted debug with fields",
			level: "debug",
			logFn: func() {
				DebugfWithFields(Fields{"subdir": "noarch"}, "extract %d packages", 7)
			},
			contains: []string{"extract 7 packages", "subdir=noarch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(t, tt.level, FormatText, tt.logFn)
			for _, want := range tt.contains {
				assert.Contains(t, output, want)
			}
			for _, notWant := range tt.excludes {
				assert.NotContains(t, output, notWant)
			}
		})
	}
}

func TestJSONFormat(t *testing.T) {
	output := captureOutput(t, "info", FormatJSON, func() {
		Info("patched repodata", Fields{
			"subdir":  "linux-64",
			"records": 42,
		})
	})

	assert.Contains(t, output, `"msg":"patched repodata"`)
	assert.Contains(t, output, `"level":"INFO"`)
	assert.Contains(t, output, `"subdir":"linux-64"`)
	assert.Contains(t, output, `"records":42`)
}

func TestSetOutputFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	SetTestOutput(buf)
	defer UnsetTestOutput()

	logger = nil
	InitLogger("debug", FormatText)
	Info("first")
	assert.Contains(t, buf.String(), "first")

	buf.Reset()
	SetOutputFormat(FormatJSON)
	Info("second")
	assert.Contains(t, buf.String(), `"msg":"second"`)
}

func TestGetLogger_InitializesIfNil(t *testing.T) {
	logger = nil
	assert.NotPanics(t, func() {
		lg := GetLogger()
		assert.NotNil(t, lg)
		lg.Info("default logger works")
	})
}

func TestMergeFields(t *testing.T) {
	attrs := mergeFields(Fields{"a": 1}, Fields{"b": "two"})
	result := make(map[string]interface{})
	for i := 0; i < len(attrs); i += 2 {
		result[attrs[i].(string)] = attrs[i+1]
	}
	assert.Equal(t, map[string]interface{}{"a": 1, "b": "two"}, result)
}
