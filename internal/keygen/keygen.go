// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package keygen generates the phonetic service ids handed out by the
// admin API's registration endpoint.
package keygen

import "crypto/rand"

const (
	vowels     = "aeiou"
	consonants = "bcdfghjklmnpqrstvwxyz"
	length     = 10
)

// New returns a 10-character lowercase id alternating between a consonant
// and a vowel, such as "bakadoduri". Whether the id starts on a consonant
// or a vowel is itself randomized per call, matching the generator this
// system's registration endpoint has always used.
func New() string {
	startOnVowel := randBool()

	buf := make([]byte, length)
	for i := range buf {
		useConsonant := i%2 == 0
		if startOnVowel {
			useConsonant = !useConsonant
		}
		if useConsonant {
			buf[i] = consonants[randIndex(len(consonants))]
		} else {
			buf[i] = vowels[randIndex(len(vowels))]
		}
	}
	return string(buf)
}

// randBool and randIndex both draw from crypto/rand rather than math/rand:
// service ids are exposed to the public internet as DNS labels, and an
// attacker able to predict them could race a legitimate agent's
// registration.
func randBool() bool {
	return randIndex(2) == 1
}

func randIndex(n int) int {
	// rand.Read never errors when reading from crypto/rand's default
	// source; a failure here means the OS entropy source is broken, which
	// nothing in this process could recover from anyway.
	max := n
	b := make([]byte, 1)
	for {
		if _, err := rand.Read(b); err != nil {
			panic("keygen: crypto/rand unavailable: " + err.Error())
		}
		// Reject-and-retry to avoid modulo bias.
		if int(b[0]) < (256/max)*max {
			return int(b[0]) % max
		}
	}
}
