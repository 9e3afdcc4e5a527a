package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMetadata_KeepsScalarsOnly(t *testing.T) {
	raw := map[string]interface{}{
		"owner":    "night-shift",
		"retries":  float64(3),
		"count":    json.Number("12"),
		"ack":      true,
		"cleared":  nil,
		"nested":   map[string]interface{}{"a": 1},
		"list":     []interface{}{"a", "b"},
		"   ":      "blank key",
		"markup":   `<script>alert(1)</script>disk <b>full</b>`,
		"int_like": 7,
	}

	got := SanitizeMetadata(raw).Map()

	assert.Equal(t, "night-shift", got["owner"])
	assert.Equal(t, float64(3), got["retries"])
	assert.Equal(t, float64(12), got["count"])
	assert.Equal(t, true, got["ack"])
	assert.Contains(t, got, "cleared")
	assert.Nil(t, got["cleared"])
	assert.NotContains(t, got, "markup")
	assert.Equal(t, float64(7), got["int_like"])

	assert.NotContains(t, got, "nested")
	assert.NotContains(t, got, "list")
	assert.NotContains(t, got, "")
}

func TestSanitizeMetadata_KeepsPlainTextVerbatim(t *testing.T) {
	raw := map[string]interface{}{
		"runbook":   "https://wiki.example.com/runbooks?svc=pms&step=2",
		"threshold": "latency < 200ms & errors > 0",
		"quoted":    `guest said "room 204 isn't ready"`,
		"escaped":   "already &amp; encoded",
		"tagged":    "R&D <ops>",
		"comment":   "disk <!-- hidden --> full",
	}

	got := SanitizeMetadata(raw).Map()

	assert.Equal(t, "https://wiki.example.com/runbooks?svc=pms&step=2", got["runbook"])
	assert.Equal(t, "latency < 200ms & errors > 0", got["threshold"])
	assert.Equal(t, `guest said "room 204 isn't ready"`, got["quoted"])
	assert.Equal(t, "already &amp; encoded", got["escaped"])
	assert.NotContains(t, got, "tagged")
	assert.NotContains(t, got, "comment")
}

func TestSanitizeMetadata_Limits(t *testing.T) {
	raw := make(map[string]interface{})
	for i := 0; i < 80; i++ {
		raw[fmt.Sprintf("k%02d", i)] = i
	}
	raw[strings.Repeat("x", MaxMetadataKeyLength+1)] = "too long key"

	m := SanitizeMetadata(raw)
	assert.Equal(t, MaxMetadataKeys, m.Len())
	assert.Contains(t, m.Map(), "k00")
	assert.NotContains(t, m.Map(), "k79")

	long := SanitizeMetadata(map[string]interface{}{"v": strings.Repeat("é", MaxMetadataValueLength+10)})
	assert.Equal(t, MaxMetadataValueLength, len([]rune(long.Map()["v"].(string))))
}

func TestSanitizedMetadata_MergeInto(t *testing.T) {
	existing := map[string]interface{}{"owner": "day-shift", "room": "204"}
	merged := SanitizeMetadata(map[string]interface{}{"owner": "night-shift", "bad": []int{1}}).MergeInto(existing)

	assert.Equal(t, map[string]interface{}{"owner": "night-shift", "room": "204"}, merged)
	assert.Equal(t, "day-shift", existing["owner"])
}

func TestSanitizeNote(t *testing.T) {
	assert.Equal(t, "restarted worker", SanitizeNote("  <p>restarted <i>worker</i></p> "))
	assert.Equal(t, "R&D checked 5 < 6", SanitizeNote("<b>R&D</b> checked 5 < 6"))
	assert.Equal(t, MaxNoteLength, len([]rune(SanitizeNote(strings.Repeat("a", MaxNoteLength+5)))))
}
