package preferences

import (
	"fmt"
	"math"
	"time"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// Thresholds for recommendations.
const (
	minManualAdvances     = 3
	manualAdvanceRatio    = 0.6
	minSkips              = 2
	minHelpRequests       = 3
	slowResponseFraction  = 0.8
	timeoutRaiseFactor    = 1.5
	minResponsesForTiming = 2
)

// Recommendation proposes a preference change backed by observed behaviour.
type Recommendation struct {
	Preference       string      `json:"preference"`
	RecommendedValue interface{} `json:"recommended_value"`
	Rationale        string      `json:"rationale"`
}

// Recommendations inspects the transition log and response metrics of a conversation.
func (m *Manager) Recommendations(conversationID string) []Recommendation {
	return Recommend(m.store.Get(conversationID))
}

// Recommend derives recommendations from s. It never proposes the current value.
func Recommend(s conversation.State) []Recommendation {
	prefs := s.EffectivePreferences()
	out := []Recommendation{}

	manual := s.CountTransitions(conversation.TransitionManualAdvance)
	// Every advance, manual or not, logs exactly one agent transition.
	advances := max(s.CountTransitions(conversation.TransitionAgent), manual)
	if prefs.AutoAdvancePreference != conversation.AutoAdvanceAlways && manual >= minManualAdvances && advances > 0 {
		ratio := float64(manual) / float64(advances)
		if ratio >= manualAdvanceRatio {
			out = append(out, Recommendation{
				Preference:       FieldAutoAdvance,
				RecommendedValue: conversation.AutoAdvanceAlways,
				Rationale:        fmt.Sprintf("%.0f%% of workflow advances were manual continues", ratio*100),
			})
		}
	}

	if skips := s.CountTransitions(conversation.TransitionStepSkipped); !prefs.SkipOptionalSteps && skips >= minSkips {
		out = append(out, Recommendation{
			Preference:       FieldSkipOptional,
			RecommendedValue: true,
			Rationale:        fmt.Sprintf("%d optional steps were skipped by hand", skips),
		})
	}

	metrics := s.PerformanceMetrics
	timeout := time.Duration(prefs.TimeoutForAutoAdvance) * time.Second
	if metrics.ResponsesRecorded >= minResponsesForTiming &&
		float64(metrics.AverageResponseTime) > slowResponseFraction*float64(timeout) &&
		prefs.TimeoutForAutoAdvance < conversation.MaxAutoAdvanceTimeout {
		raised := int(math.Ceil(metrics.AverageResponseTime.Seconds() * timeoutRaiseFactor))
		raised = conversation.ClampAutoAdvanceTimeout(raised)
		if raised > prefs.TimeoutForAutoAdvance {
			out = append(out, Recommendation{
				Preference:       FieldAutoAdvanceTime,
				RecommendedValue: raised,
				Rationale: fmt.Sprintf("answers take %s on average, close to the %ds auto-advance timeout",
					metrics.AverageResponseTime.Round(time.Second), prefs.TimeoutForAutoAdvance),
			})
		}
	}

	if helps := s.CountTransitions(conversation.TransitionHelpRequested); prefs.VerbosityLevel != conversation.VerbosityDetailed && helps >= minHelpRequests {
		out = append(out, Recommendation{
			Preference:       FieldVerbosity,
			RecommendedValue: conversation.VerbosityDetailed,
			Rationale:        fmt.Sprintf("help was requested %d times", helps),
		})
	}
	return out
}
