// Package fingerprint renders certificate public keys as five words so
// operators can compare them by eye.
package fingerprint

import (
	"crypto/sha512"
	"embed"
	"strings"
	"sync"
)

//go:embed words.txt
var wordsFS embed.FS

// wordCount: one word per byte of digest.
const wordCount = 256

var (
	wordlist   []string
	wordset    map[string]bool
	wordlistMu sync.Once
)

func loadWordlist() {
	wordlistMu.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		s := strings.TrimSpace(string(b))
		if s == "" {
			return
		}
		wordlist = strings.Split(s, "\n")
		wordset = make(map[string]bool, len(wordlist))
		for i, w := range wordlist {
			wordlist[i] = strings.TrimSpace(w)
			wordset[wordlist[i]] = true
		}
	})
}

// Words returns word1-word2-word3-word4-word5 for pub. Equal keys give
// equal fingerprints.
func Words(pub []byte) string {
	loadWordlist()
	if len(wordlist) < wordCount {
		return ""
	}
	sum := sha512.Sum512(pub)
	parts := make([]string, 5)
	for i := range parts {
		parts[i] = wordlist[sum[i]]
	}
	return strings.Join(parts, "-")
}

// Valid true if s is five known words joined by "-".
func Valid(s string) bool {
	loadWordlist()
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return false
	}
	for _, p := range parts {
		if p == "" || !wordset[p] {
			return false
		}
	}
	return true
}
