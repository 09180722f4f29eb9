package buslog

import "testing"

func TestSimpleLoggerDoesNotPanic(t *testing.T) {
	l := NewSimpleLogger()
	l.SetLevel("DEBUG")
	withField := l.WithField("request_id", "abc").(ComponentLogger).WithComponent("bus/test")
	withField.Info("hello", "key", "value")
	withField.Debug("debug line")
	withField.Warn("warn line")
	withField.Error("error line")
}
