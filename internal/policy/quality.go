package policy

import "time"

// Quality is the connection quality tier.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Score maps a tier to a gauge value, excellent=3 down to critical=0.
func (q Quality) Score() float64 {
	switch q {
	case QualityExcellent:
		return 3
	case QualityGood:
		return 2
	case QualityPoor:
		return 1
	default:
		return 0
	}
}

// Classify derives the quality tier from disconnection count and the smoothed
// average reconnect time in milliseconds.
func Classify(totalDisconnections int, avgReconnectMs float64) Quality {
	switch {
	case totalDisconnections == 0 && avgReconnectMs < 2000:
		return QualityExcellent
	case totalDisconnections < 3 && avgReconnectMs < 5000:
		return QualityGood
	case totalDisconnections < 10 && avgReconnectMs < 15000:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// Smooth folds a new reconnect duration into the running average:
// the sample itself when old is zero, otherwise (old+sample)/2.
func Smooth(oldMs float64, sample time.Duration) float64 {
	s := float64(sample) / float64(time.Millisecond)
	if oldMs == 0 {
		return s
	}
	return (oldMs + s) / 2
}
