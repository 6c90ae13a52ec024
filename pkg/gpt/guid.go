package gpt

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID in the mixed-endian EFI on-disk encoding.
type GUID [16]byte

// BasicData is the partition type GUID used for every partition on the
// console GPP.
var BasicData = MustParseGUID("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")

func (g GUID) String() string {
	a := []byte{g[3], g[2], g[1], g[0]}
	b := []byte{g[5], g[4]}
	c := []byte{g[7], g[6]}
	d := []byte{g[8], g[9]}
	e := []byte{g[10], g[11], g[12], g[13], g[14], g[15]}
	return fmt.Sprintf("%s-%s-%s-%s-%s", hex.EncodeToString(a), hex.EncodeToString(b), hex.EncodeToString(c), hex.EncodeToString(d), hex.EncodeToString(e))
}

func ParseGUID(s string) (GUID, error) {
	var g GUID
	if len(s) != 36 {
		return g, fmt.Errorf("wrong guid length")
	}
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return g, fmt.Errorf("invalid format")
	}

	lengths := []int{8, 4, 4, 4, 12}
	vs := make([][]byte, 5)
	for i, l := range lengths {
		if len(parts[i]) != l {
			return g, fmt.Errorf("invalid format")
		}
		v, err := hex.DecodeString(parts[i])
		if err != nil {
			return g, fmt.Errorf("invalid format: %w", err)
		}
		vs[i] = v
	}

	a, b, c, d, e := vs[0], vs[1], vs[2], vs[3], vs[4]
	return GUID{
		a[3], a[2], a[1], a[0],
		b[1], b[0],
		c[1], c[0],
		d[0], d[1],
		e[0], e[1], e[2], e[3], e[4], e[5],
	}, nil
}

func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}
