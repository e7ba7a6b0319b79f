// Package metrics holds the Prometheus collectors shared by the capture
// pipeline. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vrcap"

// Drop reasons used as the "reason" label of FramesDropped.
const (
	DropNotRecording = "not_recording"
	DropPaused       = "paused"
	DropQueueFull    = "queue_full"
	DropEncoderDone  = "encoder_done"
	DropNoHandler    = "no_handler"
	DropSizeMismatch = "size_mismatch"
)

var (
	PoolOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_overflow_total",
		Help:      "Buffers allocated because the frame pool was empty.",
	})

	PoolRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_rejected_total",
		Help:      "Buffers refused by the frame pool on release.",
	}, []string{"reason"})

	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_captured_total",
		Help:      "Frames produced by a frame source.",
	}, []string{"source"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames released without being encoded.",
	}, []string{"reason"})

	FramesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_written_total",
		Help:      "Frames written to an encoder pipe.",
	})

	PipeWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipe_write_errors_total",
		Help:      "Encoder pipe writes that failed and ended an encode.",
	})

	SessionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_queue_depth",
		Help:      "Frames buffered in the active recording session.",
	})

	TakesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "takes_completed_total",
		Help:      "Takes whose output file was produced.",
	})

	MastersGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "masters_total",
		Help:      "Master concatenations by result.",
	}, []string{"result"})
)
