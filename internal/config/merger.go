package config

import "sort"

// ConfigItemSource indicates where a configuration item originated from.
type ConfigItemSource string

const (
	// SourceRCFile indicates the item was loaded from ~/.fundchatrc or equivalent.
	SourceRCFile ConfigItemSource = "rcfile"
	// SourceSettings indicates the item was defined in settings.json.
	SourceSettings ConfigItemSource = "settings"
)

// MergeStrategy defines how items from different sources are combined.
type MergeStrategy int

const (
	// MergeStrategyUnion keeps items from both sources. RC file items win
	// on key conflicts.
	MergeStrategyUnion MergeStrategy = iota

	// MergeStrategyReplace uses only the RC file items when there are any.
	MergeStrategyReplace
)

// MergeResult contains the merged items and which sources contributed.
type MergeResult[T any] struct {
	Items            []T
	HasRCFileItems   bool
	HasSettingsItems bool
}

// KeyFunc extracts a unique key from an item for deduplication purposes.
type KeyFunc[T any] func(item T) string

// SourceSetter sets the source field on an item.
type SourceSetter[T any] func(item *T, source ConfigItemSource)

// GenericMerger merges keyed items from the RC file and settings.json.
type GenericMerger[T any] struct {
	KeyFunc   KeyFunc[T]
	SetSource SourceSetter[T]
	Strategy  MergeStrategy
}

// Merge combines rcfileItems and settingsItems according to the strategy.
func (m *GenericMerger[T]) Merge(rcfileItems, settingsItems []T) MergeResult[T] {
	result := MergeResult[T]{
		HasRCFileItems:   len(rcfileItems) > 0,
		HasSettingsItems: len(settingsItems) > 0,
	}

	if m.Strategy == MergeStrategyReplace {
		if len(rcfileItems) > 0 {
			result.Items = m.copyWithSource(rcfileItems, SourceRCFile)
			result.HasSettingsItems = false
			return result
		}
		result.Items = m.copyWithSource(settingsItems, SourceSettings)
		result.HasRCFileItems = false
		return result
	}

	seen := make(map[string]bool)
	result.Items = make([]T, 0, len(rcfileItems)+len(settingsItems))
	add := func(items []T, source ConfigItemSource) {
		for _, item := range items {
			key := m.KeyFunc(item)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if m.SetSource != nil {
				m.SetSource(&item, source)
			}
			result.Items = append(result.Items, item)
		}
	}
	add(rcfileItems, SourceRCFile)
	add(settingsItems, SourceSettings)
	return result
}

func (m *GenericMerger[T]) copyWithSource(items []T, source ConfigItemSource) []T {
	result := make([]T, len(items))
	for i, item := range items {
		result[i] = item
		if m.SetSource != nil {
			m.SetSource(&result[i], source)
		}
	}
	return result
}

// ModelProvider is one entry of ModelSettings.LLMs or ModelSettings.Embeddings.
type ModelProvider struct {
	Name   string
	Params ModelParams
	Source ConfigItemSource
}

// ModelProviderMerger merges providers by name.
var ModelProviderMerger = &GenericMerger[ModelProvider]{
	KeyFunc: func(p ModelProvider) string {
		return p.Name
	},
	SetSource: func(p *ModelProvider, source ConfigItemSource) {
		p.Source = source
	},
	Strategy: MergeStrategyUnion,
}

// MergeModels combines model settings from the RC file and settings.json.
// RC file providers replace settings providers with the same name, and the
// RC file's llm/embedding selection wins when set. The second result reports
// whether the RC file contributed any provider.
func MergeModels(rcfile, settings ModelSettings) (ModelSettings, bool) {
	llms := ModelProviderMerger.Merge(providers(rcfile.LLMs), providers(settings.LLMs))
	embeddings := ModelProviderMerger.Merge(providers(rcfile.Embeddings), providers(settings.Embeddings))

	merged := ModelSettings{
		LLM:        settings.LLM,
		Embedding:  settings.Embedding,
		LLMs:       providerMap(llms.Items),
		Embeddings: providerMap(embeddings.Items),
	}
	if rcfile.LLM != "" {
		merged.LLM = rcfile.LLM
	}
	if rcfile.Embedding != "" {
		merged.Embedding = rcfile.Embedding
	}
	return merged, llms.HasRCFileItems || embeddings.HasRCFileItems
}

// providers flattens a provider map in name order.
func providers(m map[string]ModelParams) []ModelProvider {
	out := make([]ModelProvider, 0, len(m))
	for name, params := range m {
		out = append(out, ModelProvider{Name: name, Params: params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func providerMap(items []ModelProvider) map[string]ModelParams {
	m := make(map[string]ModelParams, len(items))
	for _, p := range items {
		m[p.Name] = p.Params
	}
	return m
}
