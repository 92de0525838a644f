package workflow

import (
	"os"
	"strings"
)

// StyleSentinel marks a prompt that already carries the house style.
const StyleSentinel = "[yak_style:v1]"

// DefaultStyleSuffix is the built-in house style.
const DefaultStyleSuffix = StyleSentinel + `
Lyrical modern anime illustration with delicate, clean linework and soft watercolor-like shading.
Pastel spring palette (peach, soft blue, mint, warm cream), gentle gradients, subtle bloom.
Cinematic natural lighting (golden hour rim light + soft fill), realistic light falloff.
Shallow depth of field with tasteful bokeh highlights; mild film grain.
Expressive eyes with nuanced highlights; natural facial proportions; understated blush.
Highly detailed hair strands with soft translucency; cloth folds rendered with painterly softness.
Background: airy urban/suburban Japan-inspired streets or park; cherry blossoms drifting; crisp architecture.
Mood: tender, hopeful, emotionally resonant; calm motion; no chibi, no harsh cel shading.
Composition: rule-of-thirds, foreground blossom/petal framing, gentle atmospheric perspective.
Color grading: warm highlights, cool shadows, balanced saturation (avoid neon).`

// LoadStyleSuffix picks the style suffix: inline text first, then the
// file at path, then [DefaultStyleSuffix]. A markdown file containing a
// fenced block that opens with the sentinel contributes only that
// block.
func LoadStyleSuffix(inline, path string) string {
	if s := strings.TrimSpace(inline); s != "" {
		return s
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			text := string(data)
			if block, ok := fencedStyleBlock(text); ok {
				return block
			}
			if s := strings.TrimSpace(text); s != "" {
				return s
			}
		}
	}
	return DefaultStyleSuffix
}

func fencedStyleBlock(text string) (string, bool) {
	start := strings.Index(text, "```\n"+StyleSentinel)
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	block := strings.TrimSpace(rest[:end])
	return block, block != ""
}

// AppendStyle adds suffix to prompt under a STYLE heading, unless the
// prompt already carries the sentinel.
func AppendStyle(prompt, suffix string) string {
	prompt = strings.TrimSpace(prompt)
	suffix = strings.TrimSpace(suffix)
	if suffix == "" || strings.Contains(prompt, StyleSentinel) {
		return prompt
	}
	if prompt == "" {
		return suffix
	}
	return prompt + "\n\nSTYLE:\n" + suffix
}
