package logger

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// devEncoder renders colorized single-line entries with structured fields
// pretty-printed as indented JSON below the message. It is intended for
// terminals, not log pipelines.
type devEncoder struct {
	zapcore.Encoder
	consoleEncoder zapcore.Encoder
	jsonEncoder    zapcore.Encoder
	pool           buffer.Pool
}

func newDevLogger(cfg *zap.Config) *zap.Logger {
	enc := newDevEncoder(cfg.EncoderConfig)
	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), cfg.Level)
	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(os.Stderr)))
}

func newDevEncoder(encoderConfig zapcore.EncoderConfig) zapcore.Encoder {
	consoleEnc := zapcore.NewConsoleEncoder(encoderConfig)
	return &devEncoder{
		Encoder:        consoleEnc,
		consoleEncoder: consoleEnc,
		jsonEncoder:    zapcore.NewJSONEncoder(encoderConfig),
		pool:           buffer.NewPool(),
	}
}

// Clone keeps derived loggers on the dev encoder.
func (e *devEncoder) Clone() zapcore.Encoder {
	return &devEncoder{
		Encoder:        e.Encoder.Clone(),
		consoleEncoder: e.consoleEncoder.Clone(),
		jsonEncoder:    e.jsonEncoder.Clone(),
		pool:           e.pool,
	}
}

// EncodeEntry formats the header line via the console encoder, colorizes it by
// level, and appends remaining fields as indented JSON.
func (e *devEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	consoleBuf, err := e.consoleEncoder.EncodeEntry(entry, nil)
	if err != nil {
		return nil, err
	}

	line := levelColor(entry.Level)(strings.TrimRight(consoleBuf.String(), "\n"))

	if len(fields) > 0 {
		fieldBuf, encErr := e.jsonEncoder.EncodeEntry(entry, fields)
		if encErr != nil {
			return nil, encErr
		}

		var fieldsMap map[string]any
		if json.Unmarshal(fieldBuf.Bytes(), &fieldsMap) != nil {
			line += " " + fieldBuf.String()
		} else {
			line = appendFields(line, fieldsMap)
		}
	}

	buf := e.pool.Get()
	buf.AppendString(line)
	buf.AppendString("\n")
	return buf, nil
}

func appendFields(line string, fieldsMap map[string]any) string {
	// These are already part of the header line.
	for _, k := range []string{messageKey, levelKey, nameKey, timeKey} {
		delete(fieldsMap, k)
	}

	if len(fieldsMap) == 0 {
		return line
	}

	pretty, err := json.MarshalIndent(fieldsMap, "", "  ")
	if err != nil {
		return line
	}

	return line + "\n" + string(pretty)
}

func levelColor(level zapcore.Level) func(a ...any) string {
	switch level {
	case zapcore.DebugLevel:
		return color.New(color.FgCyan).SprintFunc()
	case zapcore.InfoLevel:
		return color.New(color.FgGreen).SprintFunc()
	case zapcore.WarnLevel:
		return color.New(color.FgYellow).SprintFunc()
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	default:
		return color.New().SprintFunc()
	}
}
