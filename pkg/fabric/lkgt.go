package fabric

import (
	"time"

	"github.com/mattersec/fabricnode/pkg/credentials"
)

// lastKnownGoodTime tracks the table's Last Known Good Time: a monotone
// floor on wall-clock time used to validate certificate NotBefore/NotAfter
// windows when no trusted real-time source is available yet (spec.md §4.6).
// It is expressed in Matter epoch seconds so it compares directly against
// credentials.Certificate.NotBefore/NotAfter.
type lastKnownGoodTime struct {
	value uint32
}

// matterEpochFromTime converts a wall-clock time to Matter epoch seconds,
// saturating at 0 for times at or before the Matter epoch.
func matterEpochFromTime(t time.Time) uint32 {
	return credentials.TimeToMatterEpoch(t)
}

// initLastKnownGoodTime computes the initial in-memory LKGT at table
// construction: the larger of whatever was persisted from a prior run and
// the firmware build time, since a device can never legitimately believe
// time is earlier than when its own firmware was built.
func initLastKnownGoodTime(persisted uint32, firmwareBuildTime time.Time) lastKnownGoodTime {
	buildEpoch := matterEpochFromTime(firmwareBuildTime)
	if buildEpoch > persisted {
		return lastKnownGoodTime{value: buildEpoch}
	}
	return lastKnownGoodTime{value: persisted}
}

// asTime returns the Last Known Good Time as a wall-clock time.
func (l lastKnownGoodTime) asTime() time.Time {
	return credentials.MatterEpochStart.Add(time.Duration(l.value) * time.Second)
}

// asEffectiveTime returns the value to pass as VerifyCredentials'
// effectiveTime argument (Matter epoch seconds).
func (l lastKnownGoodTime) asEffectiveTime() int64 {
	return int64(l.value)
}

// advanceForCommit folds in certs newly being committed to the table. The
// floor only ever moves forward: it becomes the later of its current value
// and the earliest NotBefore among the freshly committed certificates,
// so a later SetLastKnownGoodTime or table operation never again treats an
// already-accepted certificate as "not yet valid".
func (l *lastKnownGoodTime) advanceForCommit(certs ...*credentials.Certificate) {
	var minNotBefore uint32
	first := true
	for _, c := range certs {
		if c == nil {
			continue
		}
		if first || c.NotBefore < minNotBefore {
			minNotBefore = c.NotBefore
			first = false
		}
	}
	if !first && minNotBefore > l.value {
		l.value = minNotBefore
	}
}

// set applies an externally-observed wall-clock time (e.g. from a trusted
// time source becoming available). Per spec.md, the floor is monotone: a
// time earlier than the current value is rejected rather than silently
// ignored, so callers can detect a clock that appears to run backward.
func (l *lastKnownGoodTime) set(t time.Time) error {
	epoch := matterEpochFromTime(t)
	if epoch < l.value {
		return ErrLastKnownGoodTimeRegression
	}
	l.value = epoch
	return nil
}
