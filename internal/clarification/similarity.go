package clarification

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// minTermLength drops short words that match almost anything.
const minTermLength = 3

// candidate is an answered history entry considered for semantic reuse.
type candidate struct {
	key   string
	entry conversation.QuestionHistoryEntry
	hits  int // terms of the new question found in this entry
	fuzz  int // summed fuzzy scores of those terms
}

// rankCandidates orders answered history entries by how strongly the terms of question
// fuzzy-match their text and keeps the best limit. Entries matching no term follow,
// newest first.
func rankCandidates(question string, entries map[string]conversation.QuestionHistoryEntry, allow func(conversation.QuestionHistoryEntry) bool, limit int) []candidate {
	cands := make([]candidate, 0, len(entries))
	for key, e := range entries {
		if !e.Answered() || !allow(e) {
			continue
		}
		cands = append(cands, candidate{key: key, entry: e})
	}
	if len(cands) == 0 {
		return nil
	}

	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = Normalize(c.entry.Question.Question)
	}
	for _, term := range terms(question) {
		for _, m := range fuzzy.Find(term, texts) {
			cands[m.Index].hits++
			cands[m.Index].fuzz += m.Score
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].hits != cands[j].hits {
			return cands[i].hits > cands[j].hits
		}
		if cands[i].fuzz != cands[j].fuzz {
			return cands[i].fuzz > cands[j].fuzz
		}
		if !cands[i].entry.AskedAt.Equal(cands[j].entry.AskedAt) {
			return cands[i].entry.AskedAt.After(cands[j].entry.AskedAt)
		}
		return cands[i].key < cands[j].key
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

func terms(question string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(Normalize(question)) {
		w = strings.TrimFunc(w, func(r rune) bool { return strings.ContainsRune(".,;:!?()\"'", r) })
		if len(w) < minTermLength || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
