// Package asset models the assets the clearing authority supports.
package asset

// SupportedAsset is one asset announced by the authority. The set is
// discovered dynamically from its broadcast, never hard-coded; the dynamic
// mapping always wins over any static fallback.
type SupportedAsset struct {
	Token    string
	ChainID  uint64
	Symbol   string
	Decimals uint8
}
