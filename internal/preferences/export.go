package preferences

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// ExportVersion is the current export format version.
const ExportVersion = 1

// ExportMetadata describes an exported preference set.
type ExportMetadata struct {
	HasCustomizations bool      `json:"has_customizations"`
	ExportedAt        time.Time `json:"exported_at"`
}

// Export is the serialized form of a conversation's preferences.
type Export struct {
	Version     int                          `json:"version"`
	Preferences conversation.UserPreferences `json:"preferences"`
	Metadata    ExportMetadata               `json:"metadata"`
}

// Export serializes the conversation's preferences.
func (m *Manager) Export(conversationID string) ([]byte, error) {
	prefs := m.Get(conversationID)
	return json.Marshal(Export{
		Version:     ExportVersion,
		Preferences: prefs,
		Metadata: ExportMetadata{
			HasCustomizations: HasCustomizations(prefs),
			ExportedAt:        m.now(),
		},
	})
}

// Import replaces the conversation's preferences with an exported set. The set is
// validated with the same rules as Set; nothing is stored when it is rejected.
func (m *Manager) Import(ctx context.Context, conversationID string, data []byte) (conversation.UserPreferences, error) {
	exp, err := DecodeExport(data)
	if err != nil {
		return conversation.UserPreferences{}, err
	}
	return m.commit(ctx, conversationID, "preferences imported", func(prefs *conversation.UserPreferences) []string {
		return PatchFrom(exp.Preferences).apply(prefs)
	})
}

// DecodeExport parses and validates an export. Unknown fields are rejected.
func DecodeExport(data []byte) (Export, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var exp Export
	if err := dec.Decode(&exp); err != nil {
		return Export{}, conversation.InvalidPreference("export", err.Error())
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return Export{}, conversation.InvalidPreference("export", "trailing data after export")
	}
	if exp.Version != ExportVersion {
		return Export{}, conversation.InvalidPreference("version", fmt.Sprintf("unsupported export version %d", exp.Version))
	}
	if err := Validate(exp.Preferences); err != nil {
		return Export{}, err
	}
	return exp, nil
}
