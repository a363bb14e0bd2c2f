package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarker = "<<<<SUMMARY>>>>"

func TestBuildSummaryFresh(t *testing.T) {
	counter := testCounter(t)

	out := BuildSummary(counter, SummaryInput{
		Entries:         []string{"She found the key.", "The door gave way."},
		SplitMarker:     testMarker,
		SafePromptLimit: 3900,
	})

	assert.Contains(t, out, "# Story Segment:")
	assert.NotContains(t, out, "# Previous Summary")
	assert.Contains(t, out, "She found the key.\nThe door gave way.")
	assert.True(t, strings.HasSuffix(out, "\n\n"+testMarker+"\n"))
}

func TestBuildSummaryWithPreviousContext(t *testing.T) {
	counter := testCounter(t)

	out := BuildSummary(counter, SummaryInput{
		Entries:         []string{"A rival appeared."},
		PreviousSummary: "Key found, door opened.",
		SplitMarker:     testMarker,
		SafePromptLimit: 3900,
	})

	assert.Contains(t, out, "# Previous Summary (DO NOT repeat this):\nKey found, door opened.")
	assert.Contains(t, out, "# New Events to Summarize (focus ONLY on what's new):")
	assert.NotContains(t, out, "# Story Segment:")

	prev := strings.Index(out, "Key found, door opened.")
	next := strings.Index(out, "A rival appeared.")
	assert.Less(t, prev, next)
}

func TestBuildSummaryPacksNewestEntries(t *testing.T) {
	counter := testCounter(t)

	entries := make([]string, 30)
	for i := range entries {
		entries[i] = fmt.Sprintf("Entry %02d: %s", i, strings.Repeat("things happened here ", 10))
	}

	out := BuildSummary(counter, SummaryInput{
		Entries:         entries,
		SplitMarker:     testMarker,
		SafePromptLimit: 600,
	})

	assert.LessOrEqual(t, counter.Count(out), 600-Margin)
	assert.Contains(t, out, "Entry 29:")
	assert.NotContains(t, out, "Entry 00:")
}

func TestBuildDeepCompressionOrder(t *testing.T) {
	counter := testCounter(t)

	out := BuildDeepCompression(counter, []string{
		"Existing deep memory.",
		"Chunk one summary.",
		"Chunk two summary.",
	}, testMarker, 3900)

	assert.Contains(t, out, "# Summaries to Compress:")
	assert.Contains(t, out, "Existing deep memory.\n\n---\n\nChunk one summary.\n\n---\n\nChunk two summary.")
	assert.True(t, strings.HasSuffix(out, "\n\n"+testMarker+"\n"))
}

func TestStripSplitMarker(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"marker present", "prompt echo\n" + testMarker + "\nThe answer.", "The answer."},
		{"last occurrence wins", testMarker + " first " + testMarker + "\nsecond", "second"},
		{"no marker", "  plain answer  ", "plain answer"},
		{"marker at end", "text " + testMarker, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripSplitMarker(tt.response, testMarker))
		})
	}
}

func TestStripSplitMarkerFixedPoint(t *testing.T) {
	once := StripSplitMarker("echo\n"+testMarker+"\nanswer", testMarker)
	twice := StripSplitMarker(once, testMarker)
	require.Equal(t, once, twice)
}
