package masking

import (
	"log/slog"

	"github.com/vulnforge/vulnforge/pkg/config"
)

// Service scrubs secret-shaped values and known-sensitive container
// environment values out of build/run logs and PoC output before they are
// persisted under artifacts/<sid>/ or surfaced via the API. A two-phase
// design: code maskers for structural awareness, then a regex sweep for
// general coverage, covering this domain's container env values and
// injected flag tokens. Created once at application startup. Thread-safe
// and stateless aside from compiled patterns.
type Service struct {
	patterns      map[string]*CompiledPattern // Built-in compiled patterns
	patternGroups map[string][]string         // Group name -> pattern/masker names
	codeMaskers   map[string]Masker           // Registered code-based maskers
	cfg           config.MaskingDefaults
}

// NewMaskingService creates a masking service with compiled patterns and
// registered maskers. All patterns are compiled eagerly at creation time.
// Invalid patterns are logged and skipped. A nil cfg disables masking.
func NewMaskingService(cfg *config.MaskingDefaults) *Service {
	resolved := config.MaskingDefaults{}
	if cfg != nil {
		resolved = *cfg
	}

	s := &Service{
		patterns:      make(map[string]*CompiledPattern),
		patternGroups: config.GetBuiltinConfig().PatternGroups,
		codeMaskers:   make(map[string]Masker),
		cfg:           resolved,
	}

	s.compileBuiltinPatterns()
	s.registerMasker(&ContainerEnvMasker{})

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers),
		"enabled", resolved.Enabled,
		"pattern_group", resolved.PatternGroup)

	return s
}

// Mask scrubs content according to the configured pattern group: code
// maskers run first (structural awareness), then a regex sweep (general
// coverage). Returns content unchanged if masking is disabled, content is
// empty, or the configured pattern group resolves to nothing.
func (s *Service) Mask(content string) string {
	if !s.cfg.Enabled || content == "" {
		return content
	}

	resolved := s.resolvePatternsFromGroup(s.cfg.PatternGroup)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	return s.applyMasking(content, resolved)
}

// applyMasking applies code-based maskers then regex patterns to content.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) string {
	masked := content

	// Phase 1: Code-based maskers (structural awareness).
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep).
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
