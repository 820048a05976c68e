package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionLogWrapsAtCapacity(t *testing.T) {
	l := NewDecisionLog(3)
	l.Record(Decision{RequestID: "r1", Candidate: "a", Fit: false})
	l.Record(Decision{RequestID: "r2", Candidate: "b", Fit: true})
	l.Record(Decision{RequestID: "r3", Candidate: "c", Fit: true})
	l.Record(Decision{RequestID: "r4", Candidate: "d", Fit: false})

	recent := l.Recent(10)
	assert.Len(t, recent, 3)
	assert.Equal(t, "r2", recent[0].RequestID)
	assert.Equal(t, "r3", recent[1].RequestID)
	assert.Equal(t, "r4", recent[2].RequestID)
}

func TestDecisionLogRecentLimitsCount(t *testing.T) {
	l := NewDecisionLog(10)
	for i := 0; i < 5; i++ {
		l.Record(Decision{RequestID: "r", Candidate: "x"})
	}
	assert.Len(t, l.Recent(2), 2)
	assert.Len(t, l.Recent(0), 5)
}
