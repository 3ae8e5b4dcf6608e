package htmlutil

import "bytes"

// challengePhrases appear on anti-bot interstitials.
var challengePhrases = [][]byte{
	[]byte("checking your browser"),
	[]byte("verify you are human"),
	[]byte("verifying you are human"),
	[]byte("just a moment..."),
	[]byte("enable javascript and cookies to continue"),
	[]byte("cf-challenge"),
	[]byte("challenge-platform"),
	[]byte("ddos protection by"),
	[]byte("attention required!"),
	[]byte("are you a robot"),
	[]byte("please complete the security check"),
	[]byte("anubis"),
}

// HasChallengePhrase reports whether page carries the wording of an
// anti-bot interstitial.
func HasChallengePhrase(page []byte) bool {
	lower := bytes.ToLower(page)
	for _, p := range challengePhrases {
		if bytes.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Cacheable accepts pages worth keeping in the HTTP cache: non-empty and
// not a challenge interstitial that may clear on a later visit.
func Cacheable(page []byte) bool {
	return len(bytes.TrimSpace(page)) > 0 && !HasChallengePhrase(page)
}
