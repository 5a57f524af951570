package chatlog

import (
	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

const (
	variationSelector16 = "\uFE0F"
	combiningKeycap     = '\u20e3'
	regionalLo          = 0x1f1e6
	regionalHi          = 0x1f1ff
)

// ExtractEmoji returns the emoji in text in order of appearance. Each match is
// a whole grapheme cluster, so skin tones, ZWJ sequences, flags and keycaps
// come back as one entry. Symbols that merely look pictographic, such as ♡, ★
// or ✓, are not emoji.
func ExtractEmoji(text string) []string {
	var out []string
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		if isEmojiCluster(gr.Str(), gr.Runes()) {
			out = append(out, gr.Str())
		}
	}
	return out
}

func isEmojiCluster(cluster string, runes []rune) bool {
	if isKeycap(runes) || isFlag(runes) {
		return true
	}
	// Digits, '#' and '*' are emoji only inside a keycap sequence.
	if len(runes) == 1 && runes[0] < 0x80 {
		return false
	}
	if gomoji.ContainsEmoji(cluster) {
		return true
	}
	// Emoji typed without the presentation selector, e.g. a bare U+2764.
	return len(runes) == 1 && gomoji.ContainsEmoji(cluster+variationSelector16)
}

// isKeycap matches [0-9#*] FE0F? 20E3.
func isKeycap(runes []rune) bool {
	if len(runes) < 2 || runes[len(runes)-1] != combiningKeycap {
		return false
	}
	base := runes[0]
	return base == '#' || base == '*' || (base >= '0' && base <= '9')
}

func isFlag(runes []rune) bool {
	if len(runes) != 2 {
		return false
	}
	for _, r := range runes {
		if r < regionalLo || r > regionalHi {
			return false
		}
	}
	return true
}
