package durablestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordID_Deterministic(t *testing.T) {
	a := recordID("corr-123")
	b := recordID("corr-123")
	assert.Equal(t, a, b)
}

func TestRecordID_DistinctCorrelationIDs(t *testing.T) {
	a := recordID("corr-a")
	b := recordID("corr-b")
	assert.NotEqual(t, a, b)
}
