package config

import "testing"

func TestGenericMerger_UnionStrategy(t *testing.T) {
	tests := []struct {
		name        string
		rcfile      []ModelProvider
		settings    []ModelProvider
		wantNames   []string
		wantSources []ConfigItemSource
		wantRCFile  bool
	}{
		{
			name:        "both sources with overlap",
			rcfile:      []ModelProvider{{Name: "ollama"}, {Name: "openai"}},
			settings:    []ModelProvider{{Name: "openai", Params: ModelParams{ModelName: "ignored"}}, {Name: "cohere"}},
			wantNames:   []string{"ollama", "openai", "cohere"},
			wantSources: []ConfigItemSource{SourceRCFile, SourceRCFile, SourceSettings},
			wantRCFile:  true,
		},
		{
			name:        "only settings",
			settings:    []ModelProvider{{Name: "ollama"}},
			wantNames:   []string{"ollama"},
			wantSources: []ConfigItemSource{SourceSettings},
		},
		{
			name:        "empty keys skipped",
			rcfile:      []ModelProvider{{Name: ""}, {Name: "ollama"}},
			wantNames:   []string{"ollama"},
			wantSources: []ConfigItemSource{SourceRCFile},
			wantRCFile:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ModelProviderMerger.Merge(tt.rcfile, tt.settings)
			if len(result.Items) != len(tt.wantNames) {
				t.Fatalf("got %d items, want %d", len(result.Items), len(tt.wantNames))
			}
			for i, item := range result.Items {
				if item.Name != tt.wantNames[i] || item.Source != tt.wantSources[i] {
					t.Errorf("item %d = %s/%s, want %s/%s", i, item.Name, item.Source, tt.wantNames[i], tt.wantSources[i])
				}
			}
			if result.HasRCFileItems != tt.wantRCFile {
				t.Errorf("HasRCFileItems = %v", result.HasRCFileItems)
			}
		})
	}
}

func TestGenericMerger_ReplaceStrategy(t *testing.T) {
	m := &GenericMerger[ModelProvider]{
		KeyFunc:   func(p ModelProvider) string { return p.Name },
		SetSource: func(p *ModelProvider, s ConfigItemSource) { p.Source = s },
		Strategy:  MergeStrategyReplace,
	}

	result := m.Merge([]ModelProvider{{Name: "a"}}, []ModelProvider{{Name: "b"}})
	if len(result.Items) != 1 || result.Items[0].Name != "a" || result.HasSettingsItems {
		t.Errorf("replace with RC items = %+v", result)
	}

	result = m.Merge(nil, []ModelProvider{{Name: "b"}})
	if len(result.Items) != 1 || result.Items[0].Source != SourceSettings || result.HasRCFileItems {
		t.Errorf("replace without RC items = %+v", result)
	}
}

func TestMergeModels(t *testing.T) {
	settings := ModelSettings{
		LLM:       "ollama",
		Embedding: "ollama",
		LLMs:      map[string]ModelParams{"ollama": {ModelName: "llama3"}},
		Embeddings: map[string]ModelParams{
			"ollama": {ModelName: "nomic-embed-text"},
		},
	}

	merged, fromRC := MergeModels(ModelSettings{}, settings)
	if fromRC {
		t.Error("empty RC models should not count as RC items")
	}
	if merged.LLM != "ollama" || merged.LLMs["ollama"].ModelName != "llama3" {
		t.Errorf("merged = %+v", merged)
	}

	rc := ModelSettings{
		Embedding:  "cohere",
		Embeddings: map[string]ModelParams{"cohere": {ModelName: "embed-english-v3.0"}},
	}
	merged, fromRC = MergeModels(rc, settings)
	if !fromRC {
		t.Error("expected RC items")
	}
	if merged.LLM != "ollama" || merged.Embedding != "cohere" {
		t.Errorf("selection = %q/%q", merged.LLM, merged.Embedding)
	}
	if len(merged.Embeddings) != 2 {
		t.Errorf("Embeddings = %v", merged.Embeddings)
	}
}
