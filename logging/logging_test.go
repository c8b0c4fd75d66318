package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Infow("cycle", "good_matches", 12)
	logger.Sublogger("matcher").Warn("degraded")

	test.That(t, logs.Len(), test.ShouldEqual, 2)
	entries := logs.All()
	test.That(t, entries[0].Message, test.ShouldEqual, "cycle")
	test.That(t, entries[0].ContextMap()["good_matches"], test.ShouldEqual, int64(12))
	test.That(t, entries[1].Level, test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, entries[1].LoggerName, test.ShouldEqual, "matcher")
	test.That(t, logs.FilterMessage("degraded").Len(), test.ShouldEqual, 1)
}

func TestSubloggerNaming(t *testing.T) {
	logger := FromZapLogger(NewTestLogger(t).Desugar().Named("odometry"))
	sub := logger.Sublogger("engine")
	test.That(t, sub.Desugar().Name(), test.ShouldEqual, "odometry.engine")
}
