package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuelinelabs/cueline-core/internal/bus"
	"github.com/cuelinelabs/cueline-core/internal/engine"
	"github.com/cuelinelabs/cueline-core/internal/protocol"
)

// multiSink fans engine events out to several sinks.
type multiSink []engine.Sink

func (m multiSink) PublishTranscript(t protocol.Transcript) {
	for _, s := range m {
		s.PublishTranscript(t)
	}
}

func (m multiSink) PublishAnchorFired(a protocol.AnchorFired) {
	for _, s := range m {
		s.PublishAnchorFired(a)
	}
}

func (m multiSink) PublishLineAdvanced(l protocol.LineAdvanced) {
	for _, s := range m {
		s.PublishLineAdvanced(l)
	}
}

func (m multiSink) PublishAudioLevel(l protocol.AudioLevel) {
	for _, s := range m {
		s.PublishAudioLevel(l)
	}
}

func (m multiSink) PublishStatus(st protocol.SessionStatus) {
	for _, s := range m {
		s.PublishStatus(st)
	}
}

func (m multiSink) RecognizerRestarted(sessionID, reason string) {
	for _, s := range m {
		s.RecognizerRestarted(sessionID, reason)
	}
}

// busSink publishes engine events on the NATS subjects collaborators
// subscribe to.
type busSink struct {
	client *bus.Client
}

func (s *busSink) PublishTranscript(t protocol.Transcript) {
	subject := protocol.SubjectTranscriptFinal
	if t.Partial {
		subject = protocol.SubjectTranscriptPartial
	}
	s.client.PublishJSON(subject, t)
}

func (s *busSink) PublishAnchorFired(a protocol.AnchorFired) {
	s.client.PublishJSON(protocol.SubjectAnchorFired, a)
}

func (s *busSink) PublishLineAdvanced(l protocol.LineAdvanced) {
	s.client.PublishJSON(protocol.SubjectLineAdvanced, l)
}

func (s *busSink) PublishAudioLevel(l protocol.AudioLevel) {
	s.client.PublishJSON(protocol.SubjectAudioLevel, l)
}

func (s *busSink) PublishStatus(st protocol.SessionStatus) {
	s.client.PublishJSON(protocol.SubjectSessionStatus, st)
}

func (s *busSink) RecognizerRestarted(sessionID, reason string) {}

// metricsSink counts engine events through the OpenTelemetry meter.
type metricsSink struct {
	engine.NopSink

	anchorFires  metric.Int64Counter
	lineAdvances metric.Int64Counter
	restarts     metric.Int64Counter
	audioLevel   metric.Float64Gauge
}

func newMetricsSink(log *slog.Logger) *metricsSink {
	meter := otel.Meter("github.com/cuelinelabs/cueline-core")
	s := &metricsSink{}
	var err error
	if s.anchorFires, err = meter.Int64Counter("cueline_anchor_fires_total",
		metric.WithDescription("Confirmed anchor phrase detections")); err != nil {
		log.Warn("failed to register counter", slog.String("error", err.Error()))
	}
	if s.lineAdvances, err = meter.Int64Counter("cueline_line_advances_total",
		metric.WithDescription("Confirmed forward line moves")); err != nil {
		log.Warn("failed to register counter", slog.String("error", err.Error()))
	}
	if s.restarts, err = meter.Int64Counter("cueline_recognizer_restarts_total",
		metric.WithDescription("Watchdog-triggered recognizer session restarts")); err != nil {
		log.Warn("failed to register counter", slog.String("error", err.Error()))
	}
	if s.audioLevel, err = meter.Float64Gauge("cueline_audio_level",
		metric.WithDescription("Microphone RMS level, normalized to [0, 1]")); err != nil {
		log.Warn("failed to register gauge", slog.String("error", err.Error()))
	}
	return s
}

func (s *metricsSink) PublishAnchorFired(a protocol.AnchorFired) {
	if s.anchorFires != nil {
		s.anchorFires.Add(context.Background(), 1)
	}
}

func (s *metricsSink) PublishLineAdvanced(l protocol.LineAdvanced) {
	if s.lineAdvances != nil {
		s.lineAdvances.Add(context.Background(), 1)
	}
}

func (s *metricsSink) PublishAudioLevel(l protocol.AudioLevel) {
	if s.audioLevel != nil {
		s.audioLevel.Record(context.Background(), l.RMS)
	}
}

func (s *metricsSink) RecognizerRestarted(sessionID, reason string) {
	if s.restarts != nil {
		s.restarts.Add(context.Background(), 1)
	}
}
