package feed

import (
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	evmAddressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	solanaAddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidTokenAddress reports whether addr is plausibly a token address on
// chain. EVM addresses with mixed case additionally get an EIP-55 checksum
// verification; a bad checksum means a copy-paste-mangled address and is
// rejected before any enrichment spend.
func ValidTokenAddress(chain, addr string) bool {
	switch strings.ToLower(chain) {
	case "ethereum", "base", "arbitrum", "bsc", "polygon":
		if !evmAddressRe.MatchString(addr) {
			return false
		}
		hexPart := addr[2:]
		if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
			return true // no checksum encoded
		}
		return checksumEVM(addr) == addr
	case "solana":
		return solanaAddressRe.MatchString(addr)
	default:
		return addr != ""
	}
}

// checksumEVM returns the EIP-55 checksummed form of an EVM address.
func checksumEVM(addr string) string {
	lower := strings.ToLower(addr[2:])
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(lower))
	digest := hash.Sum(nil)

	out := make([]byte, len(lower))
	for i, c := range []byte(lower) {
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}
