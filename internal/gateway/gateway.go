// Package gateway derives the public URL a published site is reachable at
// from its publisher's identity, using a bech32 (BIP-173) encoding of the
// raw public key with the "npub" human-readable part. This is a small
// hand-written encoder of a public, fully-specified algorithm, not a
// stand-in for an unavailable third-party package.
package gateway

import "fmt"

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// DefaultHost is the gateway host used to build a publisher's addressable
// URL when the caller doesn't override it.
const DefaultHost = "nsite.lol"

// EncodeNpub bech32-encodes pub with human-readable part "npub".
func EncodeNpub(pub [32]byte) (string, error) {
	return encode("npub", pub[:])
}

// URL builds the gateway address a published site is reachable at:
// https://<bech32-npub>.<host>/.
func URL(pub [32]byte, host string) (string, error) {
	npub, err := EncodeNpub(pub)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("https://%s.%s/", npub, host), nil
}

func encode(hrp string, data []byte) (string, error) {
	converted, err := convertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	checksum := createChecksum(hrp, converted)
	combined := append(converted, checksum...)

	out := make([]byte, 0, len(hrp)+1+len(combined))
	out = append(out, hrp...)
	out = append(out, '1')
	for _, b := range combined {
		out = append(out, charset[b])
	}
	return string(out), nil
}

// convertBits regroups a byte slice from fromBits-wide groups to toBits-wide
// groups, as required to fit an 8-bit public key into bech32's 5-bit
// alphabet.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	var out []byte
	maxv := uint32(1)<<toBits - 1

	for _, value := range data {
		if uint32(value)>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data byte for %d-bit groups: %d", fromBits, value)
		}
		acc = acc<<fromBits | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits)&byte(maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits))&byte(maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, fmt.Errorf("invalid padding in convertBits")
	}
	return out, nil
}

func hrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c)&31)
	}
	return out
}

func polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func createChecksum(hrp string, data []byte) []byte {
	values := append(hrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1
	checksum := make([]byte, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = byte((mod >> uint(5*(5-i))) & 31)
	}
	return checksum
}
