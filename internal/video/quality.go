package video

import (
	"fmt"
	"strings"
)

// Quality is a discrete resolution class. The set is ordered: low < medium < high < 2k < 4k.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	Quality2K     Quality = "2k"
	Quality4K     Quality = "4k"
)

var qualityOrder = []Quality{QualityLow, QualityMedium, QualityHigh, Quality2K, Quality4K}

// Qualities returns every quality tier from lowest to highest.
func Qualities() []Quality {
	out := make([]Quality, len(qualityOrder))
	copy(out, qualityOrder)

	return out
}

// ParseQuality normalizes s into a Quality.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	if !q.Valid() {
		return "", &ClientError{
			Code:    CodeInvalidQuality,
			Message: fmt.Sprintf("unknown quality %q, expected one of low, medium, high, 2k, 4k", s),
		}
	}

	return q, nil
}

// Rank returns the position of q in the quality hierarchy, or -1 when q is unknown.
func (q Quality) Rank() int {
	for i, known := range qualityOrder {
		if q == known {
			return i
		}
	}

	return -1
}

func (q Quality) Valid() bool {
	return q.Rank() >= 0
}

// AtMost reports whether q does not exceed limit.
func (q Quality) AtMost(limit Quality) bool {
	return q.Valid() && limit.Valid() && q.Rank() <= limit.Rank()
}

// Premium reports whether the tier needs a subscription.
func (q Quality) Premium() bool {
	return q.Rank() > QualityHigh.Rank()
}

// Height is the nominal short-side resolution of the tier in pixels.
func (q Quality) Height() int {
	switch q {
	case QualityLow:
		return 480
	case QualityMedium:
		return 720
	case QualityHigh:
		return 1080
	case Quality2K:
		return 1440
	case Quality4K:
		return 2160
	}

	return 0
}

func (q Quality) String() string {
	return string(q)
}

// QualityForHeight maps the short side of a frame to the tier it belongs to.
func QualityForHeight(short int) (Quality, bool) {
	switch {
	case short <= 0:
		return "", false
	case short <= 480:
		return QualityLow, true
	case short <= 720:
		return QualityMedium, true
	case short <= 1080:
		return QualityHigh, true
	case short <= 1440:
		return Quality2K, true
	default:
		return Quality4K, true
	}
}
