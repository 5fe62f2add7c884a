package service

import "github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"

// Recorder receives mediation events for metrics.
type Recorder interface {
	ScanVerdict(direction scan.Direction, outcome scan.Outcome)
	ScanError(direction scan.Direction, mode scan.FailureMode)
	Blocked(direction scan.Direction)
	BackendError(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ScanVerdict(scan.Direction, scan.Outcome) {}
func (nopRecorder) ScanError(scan.Direction, scan.FailureMode) {}
func (nopRecorder) Blocked(scan.Direction) {}
func (nopRecorder) BackendError(string) {}
