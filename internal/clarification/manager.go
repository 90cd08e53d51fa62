package clarification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
)

const eventSource = "clarification"

// Manager owns the clarification lifecycle. Gateway failures never fail a call; each
// operation falls back to a conservative default instead.
type Manager struct {
	store   *conversation.Store
	gateway gateway.Gateway
	bus     bus.EventBus
	cfg     config.ClarificationConfig
	logger  *logger.Logger
	now     func() time.Time
}

// NewManager creates a Manager. eventBus may be nil.
func NewManager(store *conversation.Store, gw gateway.Gateway, eventBus bus.EventBus, cfg config.ClarificationConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		gateway: gw,
		bus:     eventBus,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "clarification-manager")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DefaultOptions returns the configured processing options.
func (m *Manager) DefaultOptions() Options {
	return OptionsFromConfig(m.cfg)
}

// errStateChanged reports that a duplicate seen before the update was answered or
// retired by the time the update ran.
var errStateChanged = errors.New("clarification state changed while processing")

const maxProcessAttempts = 3

// ProcessQuestion decides whether req must be put to the user. Identical or semantically
// equivalent questions that were already answered return the earlier answer; identical
// questions still waiting return the pending id. Otherwise the (possibly enriched)
// question is registered as pending and written to out.
func (m *Manager) ProcessQuestion(ctx context.Context, conversationID string, req conversation.ClarificationRequest, modelID string, out sink.Sink, opts Options) (ProcessResult, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return ProcessResult{}, ErrEmptyQuestion
	}
	if !req.Priority.Valid() {
		req.Priority = conversation.PriorityMedium
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = m.now()
	}
	log := m.logger.WithConversationID(conversationID).WithAgent(req.AgentName)
	ctx = logger.ContextWithConversationID(ctx, conversationID)

	var err error
	for attempt := 0; attempt < maxProcessAttempts; attempt++ {
		var result ProcessResult
		result, err = m.process(ctx, log, conversationID, req, modelID, out, opts)
		if !errors.Is(err, errStateChanged) {
			return result, err
		}
	}
	return ProcessResult{}, err
}

func (m *Manager) process(ctx context.Context, log *logger.Logger, conversationID string, req conversation.ClarificationRequest, modelID string, out sink.Sink, opts Options) (ProcessResult, error) {
	fp := Fingerprint(req.Question)
	snapshot := m.store.Get(conversationID)
	failures := 0

	if opts.EnableDeduplication {
		if _, entry, ok := m.exactEntry(snapshot, fp, req.AgentName); ok {
			if _, dup := dedupOutcome(snapshot, entry); dup {
				return m.register(ctx, log, conversationID, fp, req.AgentName, nil, nil, 0, opts, out)
			}
		}

		reused, failed := m.semanticMatch(ctx, log, snapshot, fp, req, opts)
		if failed {
			failures++
		}
		if reused != nil {
			return m.register(ctx, log, conversationID, fp, req.AgentName, nil, reused, failures, opts, out)
		}
	}

	question := conversation.EnrichedQuestion{ClarificationRequest: req, Fingerprint: fp}
	if opts.EnableEnrichment {
		if !m.enrich(ctx, log, &question, snapshot.EffectivePreferences(), opts.UserLevel, modelID) {
			failures++
		}
	}
	return m.register(ctx, log, conversationID, fp, req.AgentName, &question, nil, failures, opts, out)
}

// register commits the outcome of ProcessQuestion. The exact-duplicate check is repeated
// inside the update so concurrent identical questions register only once.
func (m *Manager) register(
	ctx context.Context,
	log *logger.Logger,
	conversationID, fp, agent string,
	question *conversation.EnrichedQuestion,
	reused *ProcessResult,
	failures int,
	opts Options,
	out sink.Sink,
) (ProcessResult, error) {
	var result ProcessResult
	_, err := m.store.Update(ctx, conversationID, func(s *conversation.State) error {
		now := m.now()
		s.PerformanceMetrics.GatewayFailures += failures
		result = ProcessResult{}

		if opts.EnableDeduplication {
			if _, entry, ok := m.exactEntry(*s, fp, agent); ok {
				if res, dup := dedupOutcome(*s, entry); dup {
					result = res
				}
			}
		}
		if result.ReusedAnswer == nil && result.DuplicateOf == "" && reused != nil {
			result = *reused
		}

		switch {
		case result.ReusedAnswer != nil:
			s.PerformanceMetrics.QuestionsReused++
			return nil
		case result.DuplicateOf != "":
			s.PerformanceMetrics.QuestionsDeduplicated++
			return nil
		case question == nil:
			return errStateChanged
		}

		q := *question
		if q.ID == "" || requestIDInUse(*s, q.ID) {
			q.ID = uuid.NewString()
		}
		s.PendingClarifications[q.ID] = q
		s.QuestionHistory[historyKey(*s, fp, agent, q.ID)] = conversation.QuestionHistoryEntry{
			Fingerprint: fp,
			RequestID:   q.ID,
			AgentName:   q.AgentName,
			Question:    q,
			AskedAt:     now,
		}
		s.PerformanceMetrics.QuestionsAsked++
		s.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionClarificationRequested,
			Reason:    q.Question,
			Timestamp: now,
			AgentName: q.AgentName,
		})
		s.Touch(now)

		result = ProcessResult{ShouldAsk: true, ProcessedQuestion: &q}
		return nil
	})
	if err != nil {
		return ProcessResult{}, err
	}

	switch {
	case result.ShouldAsk:
		q := *result.ProcessedQuestion
		log.Info("clarification registered",
			zap.String("request_id", q.ID),
			zap.String("priority", string(q.Priority)),
			zap.Bool("enriched", q.IsEnriched()))
		if err := sink.Emit(ctx, out, sink.ClarificationRequest{Question: q}); err != nil {
			log.Warn("failed to emit clarification request", zap.String("request_id", q.ID), zap.Error(err))
		}
		events.Publish(ctx, m.bus, log, events.ClarificationRequested, eventSource, conversationID, map[string]interface{}{
			"request_id": q.ID,
			"agent":      q.AgentName,
			"priority":   string(q.Priority),
		})
	case result.ReusedAnswer != nil:
		log.Info("reusing earlier answer",
			zap.String("answered_request_id", result.ReusedAnswer.RequestID),
			zap.String("reasoning", result.Reasoning))
		notice := sink.StatusNotice{Agent: agent, Text: "Reusing your earlier answer: " + result.ReusedAnswer.Answer}
		if err := sink.Emit(ctx, out, notice); err != nil {
			log.Warn("failed to emit status notice", zap.Error(err))
		}
		events.Publish(ctx, m.bus, log, events.ClarificationReused, eventSource, conversationID, map[string]interface{}{
			"answered_request_id": result.ReusedAnswer.RequestID,
			"agent":               agent,
		})
	default:
		log.Debug("identical question already pending", zap.String("request_id", result.DuplicateOf))
	}
	return result, nil
}

// exactEntry finds the history entry an identical question from agent resolves to.
func (m *Manager) exactEntry(s conversation.State, fp, agent string) (string, conversation.QuestionHistoryEntry, bool) {
	if e, ok := s.QuestionHistory[scopedKey(fp, agent)]; ok {
		return scopedKey(fp, agent), e, true
	}
	e, ok := s.QuestionHistory[fp]
	if !ok {
		return "", conversation.QuestionHistoryEntry{}, false
	}
	if e.Answered() && !m.cfg.AllowCrossAgentReuse && e.AgentName != agent {
		return "", conversation.QuestionHistoryEntry{}, false
	}
	return fp, e, true
}

// dedupOutcome reports whether entry settles a new identical question: answered entries
// are reused, pending ones are waited on. Entries retired by restart are asked again.
func dedupOutcome(s conversation.State, entry conversation.QuestionHistoryEntry) (ProcessResult, bool) {
	if entry.Answered() {
		answer := *entry.Answer
		return ProcessResult{
			ReusedAnswer: &answer,
			Reasoning:    "an identical question was answered earlier",
		}, true
	}
	if _, pending := s.PendingClarifications[entry.RequestID]; pending {
		return ProcessResult{
			DuplicateOf: entry.RequestID,
			Reasoning:   "an identical question is already waiting for an answer",
		}, true
	}
	return ProcessResult{}, false
}

// historyKey picks the key for a new entry without overwriting an answered or pending one.
func historyKey(s conversation.State, fp, agent, requestID string) string {
	free := func(key string) bool {
		e, ok := s.QuestionHistory[key]
		if !ok {
			return true
		}
		if e.Answered() {
			return false
		}
		_, pending := s.PendingClarifications[e.RequestID]
		return !pending
	}
	for _, key := range []string{fp, scopedKey(fp, agent)} {
		if free(key) {
			return key
		}
	}
	return scopedKey(fp, requestID)
}

func requestIDInUse(s conversation.State, id string) bool {
	if _, ok := s.PendingClarifications[id]; ok {
		return true
	}
	if _, ok := s.ClearedRequests[id]; ok {
		return true
	}
	if _, ok := s.HistoryByRequestID(id); ok {
		return true
	}
	return s.AnsweredRequest(id)
}

// semanticMatch asks the gateway whether an answered question is equivalent to req.
// failed is true when the gateway could not answer.
func (m *Manager) semanticMatch(ctx context.Context, log *logger.Logger, s conversation.State, fp string, req conversation.ClarificationRequest, opts Options) (*ProcessResult, bool) {
	allow := func(e conversation.QuestionHistoryEntry) bool {
		return e.Fingerprint != fp && (m.cfg.AllowCrossAgentReuse || e.AgentName == req.AgentName)
	}
	cands := rankCandidates(req.Question, s.QuestionHistory, allow, m.cfg.MaxSimilarityCandidates)
	if len(cands) == 0 {
		return nil, false
	}

	payload := gateway.SimilarityPayload{
		Question:   req.Question,
		Context:    req.Context,
		AgentName:  req.AgentName,
		Candidates: make([]gateway.SimilarityCandidate, len(cands)),
	}
	for i, c := range cands {
		payload.Candidates[i] = gateway.SimilarityCandidate{
			Fingerprint: c.entry.Fingerprint,
			Question:    c.entry.Question.Question,
			AgentName:   c.entry.AgentName,
			Answer:      c.entry.Answer.Answer,
		}
	}

	res, err := gateway.Analyze[gateway.SimilarityResult](ctx, m.gateway, gateway.KindSimilarity, payload)
	if err != nil {
		log.Warn("similarity check unavailable; asking the question", zap.Error(err))
		return nil, true
	}
	if !res.IsDuplicate || res.Confidence < opts.ConfidenceThreshold {
		log.Debug("no equivalent question found",
			zap.Bool("is_duplicate", res.IsDuplicate),
			zap.Float64("confidence", res.Confidence))
		return nil, false
	}

	for _, c := range cands {
		if c.entry.Fingerprint != res.MatchedFingerprint {
			continue
		}
		answer := *c.entry.Answer
		reasoning := res.Reasoning
		if reasoning == "" {
			reasoning = fmt.Sprintf("equivalent to an earlier question (confidence %.2f)", res.Confidence)
		}
		return &ProcessResult{ReusedAnswer: &answer, Reasoning: reasoning}, false
	}
	log.Warn("similarity check matched an unknown question", zap.String("fingerprint", res.MatchedFingerprint))
	return nil, true
}

// enrich attaches gateway enrichment to q, reporting false when it was unavailable.
func (m *Manager) enrich(ctx context.Context, log *logger.Logger, q *conversation.EnrichedQuestion, prefs conversation.UserPreferences, level UserLevel, modelID string) bool {
	if level == "" {
		level = LevelIntermediate
	}
	limit := maxExamples(level, prefs.VerbosityLevel)
	res, err := gateway.Analyze[gateway.EnrichmentResult](ctx, m.gateway, gateway.KindEnrichment, gateway.EnrichmentPayload{
		Question:    q.Question,
		Context:     q.Context,
		AgentName:   q.AgentName,
		Options:     q.Options,
		UserLevel:   string(level),
		Verbosity:   string(prefs.VerbosityLevel),
		Format:      string(prefs.PreferredQuestionFormat),
		MaxExamples: limit,
	})
	if err != nil {
		log.Warn("enrichment unavailable; asking the plain question", zap.String("model", modelID), zap.Error(err))
		return false
	}

	if len(res.Examples) > limit {
		res.Examples = res.Examples[:limit]
	}
	if res.ContextualHelp != nil && prefs.VerbosityLevel == conversation.VerbosityMinimal {
		help := *res.ContextualHelp
		help.RelatedConcepts = nil
		help.DocumentationLinks = nil
		res.ContextualHelp = &help
	}
	q.ContextualHelp = res.ContextualHelp
	q.Examples = res.Examples
	q.ValidationRules = res.ValidationRules
	q.Dependencies = res.Dependencies
	q.RelatedQuestions = res.RelatedQuestions
	q.FollowUpActions = res.FollowUpActions
	return true
}

// ValidateAnswer checks response against the pending request. A valid answer is
// recorded in the question history and the request stops being pending. Invalid answers
// leave the request pending.
func (m *Manager) ValidateAnswer(ctx context.Context, conversationID, requestID string, response conversation.ClarificationResponse, modelID string, out sink.Sink) (ValidationResult, error) {
	const op = "validate answer"
	log := m.logger.WithConversationID(conversationID).WithFields(zap.String("request_id", requestID))
	ctx = logger.ContextWithConversationID(ctx, conversationID)

	if response.RequestID == "" {
		response.RequestID = requestID
	}
	if response.RequestID != requestID {
		return ValidationResult{}, conversation.NotFound(op, conversationID, response.RequestID, "response references a different request")
	}

	question, err := conversation.LookupPending(m.store.Get(conversationID), op, requestID)
	if err != nil {
		return ValidationResult{}, err
	}

	response.Answer = strings.TrimSpace(response.Answer)
	if local, rejected := checkLocally(question, &response); rejected {
		log.Debug("answer rejected", zap.String("feedback", local.Feedback))
		return local, nil
	}

	result, gatewayFailed := m.assess(ctx, log, question, response, modelID)

	if !result.IsValid {
		if _, err := m.store.Update(ctx, conversationID, func(s *conversation.State) error {
			s.PerformanceMetrics.ValidationFailures++
			return nil
		}); err != nil {
			return ValidationResult{}, err
		}
		if result.Feedback != "" {
			if err := sink.Emit(ctx, out, sink.StatusNotice{Agent: question.AgentName, Text: result.Feedback}); err != nil {
				log.Warn("failed to emit validation feedback", zap.Error(err))
			}
		}
		return result, nil
	}

	var latency time.Duration
	_, err = m.store.Update(ctx, conversationID, func(s *conversation.State) error {
		q, err := conversation.LookupPending(*s, op, requestID)
		if err != nil {
			return err
		}
		now := m.now()
		if gatewayFailed {
			s.PerformanceMetrics.GatewayFailures++
		}

		recorded := response
		if recorded.ID == "" {
			recorded.ID = uuid.NewString()
		}
		if recorded.Timestamp.IsZero() {
			recorded.Timestamp = now
		}
		recorded.AnsweredAt = now
		attachAnswer(s, q, recorded, now)
		delete(s.PendingClarifications, requestID)

		latency = now.Sub(q.Timestamp)
		s.PerformanceMetrics.RecordResponse(latency)
		s.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionClarificationAnswered,
			Reason:    q.Question,
			Timestamp: now,
			AgentName: q.AgentName,
		})
		s.Touch(now)
		return nil
	})
	if err != nil {
		return ValidationResult{}, err
	}

	log.Info("clarification answered",
		zap.Duration("latency", latency),
		zap.Float64("confidence", result.Confidence))
	events.Publish(ctx, m.bus, log, events.ClarificationAnswered, eventSource, conversationID, map[string]interface{}{
		"request_id": requestID,
		"agent":      question.AgentName,
	})
	return result, nil
}

// checkLocally rejects answers that need no model to judge. It may fill the answer text
// from the selected option.
func checkLocally(q conversation.EnrichedQuestion, response *conversation.ClarificationResponse) (ValidationResult, bool) {
	if response.SelectedOption != "" {
		if !q.HasOption(response.SelectedOption) {
			return ValidationResult{
				IsValid:     false,
				Confidence:  1,
				Feedback:    fmt.Sprintf("%q is not one of the offered options", response.SelectedOption),
				Suggestions: append([]string(nil), q.Options...),
			}, true
		}
		if response.Answer == "" {
			response.Answer = response.SelectedOption
		}
	}
	if response.Answer == "" {
		return ValidationResult{
			IsValid:     false,
			Confidence:  1,
			Feedback:    "an answer is required",
			Suggestions: append([]string(nil), q.Options...),
		}, true
	}
	return ValidationResult{}, false
}

// assess asks the gateway to judge the answer. An unavailable validator accepts the
// answer with zero confidence.
func (m *Manager) assess(ctx context.Context, log *logger.Logger, q conversation.EnrichedQuestion, response conversation.ClarificationResponse, modelID string) (ValidationResult, bool) {
	res, err := gateway.Analyze[gateway.ValidationResult](ctx, m.gateway, gateway.KindValidation, gateway.ValidationPayload{
		Question:        q.Question,
		Context:         q.Context,
		Options:         q.Options,
		ValidationRules: q.ValidationRules,
		Answer:          response.Answer,
		SelectedOption:  response.SelectedOption,
	})
	if err != nil {
		log.Warn("answer validator unavailable; accepting answer", zap.String("model", modelID), zap.Error(err))
		return ValidationResult{IsValid: true, Confidence: 0}, true
	}
	return ValidationResult{
		IsValid:      res.IsValid,
		Confidence:   res.Confidence,
		Feedback:     res.Feedback,
		Suggestions:  res.Suggestions,
		QualityScore: res.QualityScore,
	}, false
}

// attachAnswer records response on q's history entry. An answer already recorded is kept.
func attachAnswer(s *conversation.State, q conversation.EnrichedQuestion, response conversation.ClarificationResponse, now time.Time) {
	for key, entry := range s.QuestionHistory {
		if entry.RequestID != q.ID {
			continue
		}
		if entry.Answer == nil {
			entry.Answer = &response
			s.QuestionHistory[key] = entry
		}
		return
	}
	s.QuestionHistory[historyKey(*s, q.Fingerprint, q.AgentName, q.ID)] = conversation.QuestionHistoryEntry{
		Fingerprint: q.Fingerprint,
		RequestID:   q.ID,
		AgentName:   q.AgentName,
		Question:    q,
		AskedAt:     now,
		Answer:      &response,
	}
}

// GenerateFollowUpQuestions proposes new questions following an answered one. They are
// not registered; feed them to ProcessQuestion to ask them. Gateway failures yield none.
func (m *Manager) GenerateFollowUpQuestions(ctx context.Context, conversationID, requestID, modelID string) ([]conversation.ClarificationRequest, error) {
	const op = "generate follow-up questions"
	log := m.logger.WithConversationID(conversationID).WithFields(zap.String("request_id", requestID))
	ctx = logger.ContextWithConversationID(ctx, conversationID)

	s := m.store.Get(conversationID)
	entry, ok := s.HistoryByRequestID(requestID)
	switch {
	case ok && entry.Answered():
	case ok:
		if _, cleared := s.ClearedRequests[requestID]; cleared {
			return nil, conversation.StaleRequest(op, conversationID, requestID)
		}
		return nil, conversation.NotFound(op, conversationID, requestID, "request has not been answered")
	default:
		if _, cleared := s.ClearedRequests[requestID]; cleared {
			return nil, conversation.StaleRequest(op, conversationID, requestID)
		}
		return nil, conversation.NotFound(op, conversationID, requestID, "no such request")
	}

	res, err := gateway.Analyze[gateway.FollowUpResult](ctx, m.gateway, gateway.KindFollowUps, gateway.FollowUpPayload{
		Question:  entry.Question.Question,
		Context:   entry.Question.Context,
		AgentName: entry.AgentName,
		Answer:    entry.Answer.Answer,
	})
	if err != nil {
		log.Warn("follow-up generation unavailable", zap.String("model", modelID), zap.Error(err))
		if _, uerr := m.store.Update(ctx, conversationID, func(s *conversation.State) error {
			s.PerformanceMetrics.GatewayFailures++
			return nil
		}); uerr != nil {
			log.Warn("failed to record gateway failure", zap.Error(uerr))
		}
		return []conversation.ClarificationRequest{}, nil
	}

	now := m.now()
	out := make([]conversation.ClarificationRequest, 0, len(res.Questions))
	for _, fq := range res.Questions {
		priority := fq.Priority
		if priority == "" {
			priority = conversation.PriorityMedium
		}
		out = append(out, conversation.ClarificationRequest{
			ID:        uuid.NewString(),
			AgentName: entry.AgentName,
			Question:  strings.TrimSpace(fq.Question),
			Context:   fq.Context,
			Priority:  priority,
			Timestamp: now,
			Options:   fq.Options,
		})
	}
	return out, nil
}

// Pending returns the pending questions, most urgent first, then oldest first.
func (m *Manager) Pending(conversationID string) []conversation.EnrichedQuestion {
	return SortPending(m.store.Get(conversationID))
}

// SortPending orders s's pending questions by priority then timestamp.
func SortPending(s conversation.State) []conversation.EnrichedQuestion {
	out := make([]conversation.EnrichedQuestion, 0, len(s.PendingClarifications))
	for _, q := range s.PendingClarifications {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
