package types

// ModelDescriptor identifies a model bundle and carries the metadata the
// runtime needs to load and budget it. Descriptors are immutable values;
// they are safe to copy and share across goroutines.
type ModelDescriptor struct {
	// Repository-qualified stable identifier.
	// example: tinyllama/tinyllama-1.1b-chat
	ID string `json:"id" example:"tinyllama/tinyllama-1.1b-chat"`
	// Human-friendly name.
	// example: TinyLlama 1.1B Chat
	Name string `json:"name" example:"TinyLlama 1.1B Chat"`
	// Parameter count tag (e.g., 1.1B, 7B).
	// example: 1.1B
	Params string `json:"params,omitempty" example:"1.1B"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Model architecture family (e.g., llama, mistral, phi).
	// example: llama
	Arch string `json:"arch,omitempty" example:"llama"`
	// Maximum context length in tokens.
	// example: 2048
	MaxContext int `json:"max_context,omitempty" example:"2048"`
	// Estimated on-disk / accelerator memory footprint in MB.
	// example: 1200
	EstMemoryMB int `json:"est_memory_mb,omitempty" example:"1200"`
	// Optional default system prompt baked into chat sessions.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// GenerateParams are per-call sampling settings. Zero values mean
// "use the engine default". Value type, no identity.
type GenerateParams struct {
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
}
