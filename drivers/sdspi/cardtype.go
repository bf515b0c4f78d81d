package sdspi

import "strings"

// CardType classifies the card found by Initialize.
type CardType uint8

const (
	CardTypeMMC   CardType = 1 << iota // MMC v3
	CardTypeSD1                        // SD v1.x
	CardTypeSD2                        // SD v2.0 or later
	CardTypeBlock                      // Sector addressed instead of byte addressed

	// CardTypeNone means no usable card was found.
	CardTypeNone CardType = 0
	// CardTypeSDC matches any SD card.
	CardTypeSDC = CardTypeSD1 | CardTypeSD2
)

func (t CardType) IsSD() bool {
	return t&CardTypeSDC != 0
}

func (t CardType) IsBlockAddressed() bool {
	return t&CardTypeBlock != 0
}

func (t CardType) String() string {
	if t == CardTypeNone {
		return "NONE"
	}

	var parts []string
	if t&CardTypeMMC != 0 {
		parts = append(parts, "MMC")
	}
	if t&CardTypeSD1 != 0 {
		parts = append(parts, "SD1")
	}
	if t&CardTypeSD2 != 0 {
		parts = append(parts, "SD2")
	}
	if t&CardTypeBlock != 0 {
		parts = append(parts, "BLOCK")
	}
	return strings.Join(parts, "|")
}
