package engine

import (
	"fmt"
	"sort"
)

const prefixPreamble = "You are a helpful AI assistant that provides accurate and informative responses. User: "

// DefaultPrompts are the built-in scenarios. The prefix_caching prompts share
// a long common prefix so a server with prefix caching can reuse KV blocks.
var DefaultPrompts = map[string][]string{
	"short": {
		"Hello, how are you today?",
		"What is the capital of France?",
		"Explain quantum computing briefly.",
		"Write a haiku about the moon.",
	},
	"medium": {
		"You are a helpful assistant. Please explain the concept of machine learning in simple terms that a beginner could understand. Include examples of how it's used in everyday life.",
		"Write a short story about a robot learning to paint. The story should include a beginning, middle, and end, with at least one plot twist.",
		"Describe the process of photosynthesis in detail, including the light-dependent and light-independent reactions. Use scientific terminology where appropriate.",
		"Create a detailed travel itinerary for a week-long trip to Japan, including recommendations for food, activities, and accommodations in Tokyo and Kyoto.",
	},
	"long": {
		`You are an expert in artificial intelligence and machine learning. I need you to write a comprehensive guide on transformer architecture.

Please cover the following topics in detail:
1. The historical context and motivation for transformers
2. Self-attention mechanism and how it works
3. Multi-head attention and its benefits
4. Positional encodings and why they're necessary
5. The encoder-decoder architecture
6. Pre-training and fine-tuning strategies
7. Common applications of transformers
8. Recent advances and variations (like GPT, BERT, T5)
9. Challenges and limitations
10. Future directions and research opportunities

Make sure to include mathematical formulations where appropriate and provide intuitive explanations for complex concepts.`,
	},
	"prefix_caching": {
		prefixPreamble + "What is the capital of France?",
		prefixPreamble + "What is the capital of Germany?",
		prefixPreamble + "What is the capital of Italy?",
		prefixPreamble + "What is the capital of Spain?",
		prefixPreamble + "What is the capital of Portugal?",
		prefixPreamble + "What is the capital of Netherlands?",
		prefixPreamble + "What is the capital of Belgium?",
		prefixPreamble + "What is the capital of Austria?",
	},
}

// ScenarioPrompts returns the prompts for a scenario. Configured prompts
// replace or extend the built-in set.
func ScenarioPrompts(scenario string, overrides map[string][]string) ([]string, error) {
	if p, ok := overrides[scenario]; ok && len(p) > 0 {
		return p, nil
	}
	if p, ok := DefaultPrompts[scenario]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown scenario %q (known: %v)", scenario, knownScenarios(overrides))
}

// BatchPrompts takes the first n prompts, cycling through the list when it is
// shorter than the batch.
func BatchPrompts(prompts []string, n int) []string {
	if len(prompts) == 0 || n < 1 {
		return nil
	}
	batch := make([]string, n)
	for i := range batch {
		batch[i] = prompts[i%len(prompts)]
	}
	return batch
}

func knownScenarios(overrides map[string][]string) []string {
	seen := map[string]bool{}
	for name := range DefaultPrompts {
		seen[name] = true
	}
	for name := range overrides {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
