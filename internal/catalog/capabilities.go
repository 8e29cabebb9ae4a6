package catalog

// Capability names a model feature the router can require.
type Capability string

const (
	CapText             Capability = "text"
	CapThinking         Capability = "thinking"
	CapFunctionCalling  Capability = "function_calling"
	CapSearchGrounding  Capability = "search_grounding"
	CapCodeExecution    Capability = "code_execution"
	CapURLContext       Capability = "url_context"
	CapStructuredOutput Capability = "structured_output"
	CapMultimodalInput  Capability = "multimodal_input"
	CapImageGeneration  Capability = "image_generation"
	CapEmbedding        Capability = "embedding"
)

// CapabilitySet is a set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Add inserts a capability into the set.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// SubsetOf reports whether every capability in s is also in other.
func (s CapabilitySet) SubsetOf(other CapabilitySet) bool {
	for c := range s {
		if _, ok := other[c]; !ok {
			return false
		}
	}
	return true
}

// Empty reports whether the set has no members.
func (s CapabilitySet) Empty() bool {
	return len(s) == 0
}
