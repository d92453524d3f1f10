package companion

import (
	"time"

	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

// StatsWindowDays is the look-back of the emotion summary.
const StatsWindowDays = 7

var EmotionLabels = map[core.Emotion]string{
	core.EmotionHappy:     "开心",
	core.EmotionSad:       "难过",
	core.EmotionAngry:     "生气",
	core.EmotionAnxious:   "焦虑",
	core.EmotionFear:      "恐惧",
	core.EmotionSurprised: "惊讶",
	core.EmotionDisgust:   "厌恶",
	core.EmotionNormal:    "平静",
}

type EmotionCount struct {
	Emotion          core.Emotion `json:"emotion"`
	Count            int          `json:"count"`
	AverageIntensity float64      `json:"averageIntensity"`
}

type Stats struct {
	Total            int            `json:"total"`
	Today            int            `json:"today"`
	AverageIntensity float64        `json:"averageIntensity"`
	MostCommon       *EmotionCount  `json:"mostCommon,omitempty"`
	ByEmotion        []EmotionCount `json:"byEmotion"`
}

// EmotionStats summarizes records, which are expected newest first. Ties
// for the most common emotion go to the one seen first.
func EmotionStats(records []store.EmotionRecord, now time.Time) Stats {
	stats := Stats{Total: len(records), ByEmotion: []EmotionCount{}}
	if len(records) == 0 {
		return stats
	}

	index := make(map[core.Emotion]int)
	sums := make(map[core.Emotion]float64)
	var total float64
	y, m, d := now.Date()
	for _, rec := range records {
		total += rec.Intensity
		if ry, rm, rd := rec.Timestamp.In(now.Location()).Date(); ry == y && rm == m && rd == d {
			stats.Today++
		}

		i, ok := index[rec.Emotion]
		if !ok {
			i = len(stats.ByEmotion)
			index[rec.Emotion] = i
			stats.ByEmotion = append(stats.ByEmotion, EmotionCount{Emotion: rec.Emotion})
		}
		stats.ByEmotion[i].Count++
		sums[rec.Emotion] += rec.Intensity
	}
	stats.AverageIntensity = total / float64(len(records))

	for i := range stats.ByEmotion {
		c := &stats.ByEmotion[i]
		c.AverageIntensity = sums[c.Emotion] / float64(c.Count)
		if stats.MostCommon == nil || c.Count > stats.MostCommon.Count {
			stats.MostCommon = c
		}
	}
	if stats.MostCommon != nil {
		most := *stats.MostCommon
		stats.MostCommon = &most
	}
	return stats
}
