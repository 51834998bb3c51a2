package traffic

import (
	"testing"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestRecordWarnsOncePerWindow(t *testing.T) {
	tr := NewTracker(&config.TrafficConfig{
		LowTrafficChats: []int64{10},
		Window:          50 * time.Millisecond,
		Threshold:       3,
	}, logger.Discard())

	var warnings []int
	for i := 1; i <= 6; i++ {
		if tr.Record(10) {
			warnings = append(warnings, i)
		}
	}
	assert.Equal(t, []int{4}, warnings)

	time.Sleep(80 * time.Millisecond)
	warnings = nil
	for i := 1; i <= 4; i++ {
		if tr.Record(10) {
			warnings = append(warnings, i)
		}
	}
	assert.Equal(t, []int{4}, warnings)
}

func TestRecordIgnoresOtherChats(t *testing.T) {
	tr := NewTracker(&config.TrafficConfig{
		LowTrafficChats: []int64{10},
		Window:          time.Minute,
		Threshold:       0,
	}, logger.Discard())

	assert.False(t, tr.Record(11))
	assert.True(t, tr.Record(10))
	assert.False(t, tr.Watched(11))
}

func TestTrackerDisabledWithoutChats(t *testing.T) {
	tr := NewTracker(&config.TrafficConfig{Window: time.Minute, Threshold: 0}, logger.Discard())
	assert.False(t, tr.Record(10))
}
