package warmup

import "math/rand"

// Lines are loosely ordered: openers first, then small talk, then closers.
var openers = []string{
	"Hey! How's it going?",
	"Hi there, long time no talk",
	"Good morning :)",
	"Hey, are you around today?",
	"Hello! Quick question for you",
	"Yo, what's up?",
}

var smallTalk = []string{
	"All good here, busy week though",
	"Not bad, just got back from lunch",
	"Did you see the game last night?",
	"Weather's been crazy lately",
	"I'm thinking of trying that new place downtown",
	"Haha yeah, same here",
	"That sounds great",
	"Sure, send it over when you can",
	"Let me check and get back to you",
	"Just finished a long call, finally free",
	"Coffee first, then everything else",
	"Any plans for the weekend?",
}

var closers = []string{
	"Talk later!",
	"Ok, catch you soon",
	"Thanks, have a good one",
	"Perfect, see you then",
	"Cool, bye for now",
}

// script returns n lines shaped like a short chat.
func script(rng *rand.Rand, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var pool []string
		switch {
		case i == 0:
			pool = openers
		case i == n-1 && n > 2:
			pool = closers
		default:
			pool = smallTalk
		}
		idx := rng.Intn(len(pool))
		// avoid saying the same thing twice in a row
		if i > 0 && pool[idx] == out[i-1] {
			idx = (idx + 1) % len(pool)
		}
		out = append(out, pool[idx])
	}
	return out
}
