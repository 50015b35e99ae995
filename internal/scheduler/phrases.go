package scheduler

// DefaultPhrases seed auto-message content when none are configured.
var DefaultPhrases = []string{
	"Hello! How are you?",
	"Good morning! How is your day going?",
	"Hi! It's been a while.",
	"Hey! What's new?",
	"Hello! How's life treating you?",
	"Greetings! How's the weather today?",
	"Hey! We haven't talked in a long time.",
	"Hello! How is it going?",
	"Hi! What are you up to?",
	"Hey! How are you doing?",
	"Hello! How is today?",
	"Hi! You've been away for a while.",
	"Hey! How's everything?",
	"Hello! Any news?",
	"Hi! How is your day so far?",
}
