package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Pure hash construction for JA3 and JA4. Everything here is deterministic in
// its inputs; the randomized parts of fingerprint building live in the
// generator, not in these functions.

// ja3String builds the raw JA3 input string.
// Format: version,ciphers,extensions,curves,points with dash-joined decimal
// lists, all in presented order.
func ja3String(version uint16, ciphers, extensions, curves []uint16, points []uint8) string {
	return fmt.Sprintf("%s,%s,%s,%s,%s",
		strconv.FormatUint(uint64(version), 10),
		joinUint16Decimal(ciphers, "-"),
		joinUint16Decimal(extensions, "-"),
		joinUint16Decimal(curves, "-"),
		joinUint8Decimal(points, "-"),
	)
}

// ja3Hash is the MD5 hex digest of the raw JA3 string.
func ja3Hash(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ja4A builds the human-readable JA4 prefix:
// protocol letter, SNI flag, two-digit cipher and extension counts, and the
// first two characters of the primary ALPN protocol.
func ja4A(sniPresent bool, cipherCount, extCount int, primaryALPN string) string {
	sni := "i"
	if sniPresent {
		sni = "d"
	}
	if cipherCount > 99 {
		cipherCount = 99
	}
	if extCount > 99 {
		extCount = 99
	}
	alpn := "00"
	if len(primaryALPN) >= 2 {
		alpn = primaryALPN[:2]
	} else if len(primaryALPN) == 1 {
		alpn = primaryALPN + "0"
	}
	return fmt.Sprintf("t%s%02d%02d%s", sni, cipherCount, extCount, alpn)
}

// ja4B hashes the sorted cipher list: first 12 hex chars of sha256.
func ja4B(ciphers []uint16) string {
	sorted := make([]uint16, len(ciphers))
	copy(sorted, ciphers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return truncatedSHA256(joinUint16Hex(sorted, ","))
}

// ja4C hashes the sorted extension type list with SNI and ALPN excluded,
// first 12 hex chars of sha256.
func ja4C(extensions []uint16) string {
	var kept []uint16
	for _, ext := range extensions {
		if ext == extServerName || ext == extALPN {
			continue
		}
		kept = append(kept, ext)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	return truncatedSHA256(joinUint16Hex(kept, ","))
}

// ja4Hash assembles the full a_b_c fingerprint.
func ja4Hash(a, b, c string) string {
	return a + "_" + b + "_" + c
}

func truncatedSHA256(data string) string {
	if data == "" {
		return strings.Repeat("0", 12)
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:12]
}

func joinUint16Decimal(vals []uint16, sep string) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, sep)
}

func joinUint8Decimal(vals []uint8, sep string) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, sep)
}

func joinUint16Hex(vals []uint16, sep string) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%04x", v)
	}
	return strings.Join(parts, sep)
}
