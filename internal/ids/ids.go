// Package ids generates short session identifiers for the chat client.
//
// An identifier is the base-36 Unix millisecond clock followed by seven
// base-36 random characters. Identifiers are collision resistant within one
// client's lifetime; they are not cryptographically secure and not globally
// unique.
package ids

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	randomLen = 7
	alphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Generator produces identifiers from an injectable clock and random source.
// The zero value uses time.Now and the global math/rand/v2 source.
type Generator struct {
	Now  func() time.Time
	Rand *rand.Rand
}

var std Generator

// New returns an identifier from the default Generator.
func New() string {
	return std.New()
}

func (g *Generator) New() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	var b strings.Builder
	b.WriteString(strconv.FormatInt(now().UnixMilli(), 36))
	for range randomLen {
		b.WriteByte(alphabet[g.intN(len(alphabet))])
	}
	return b.String()
}

func (g *Generator) intN(n int) int {
	if g.Rand != nil {
		return g.Rand.IntN(n)
	}
	return rand.IntN(n)
}
