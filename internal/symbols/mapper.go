package symbols

import "strings"

// Normalize converts venue symbol spellings to the canonical uppercase,
// separator-free form used as the engine's instrument key.
func Normalize(sym string) string {
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "/", "")
	sym = strings.ReplaceAll(sym, "_", "")
	return strings.ToUpper(sym)
}

// Topic builds a symbol-scoped topic key, lowercase symbol joined to the
// event name. Example: Topic("BTCUSDT", "trade") == "btcusdt@trade".
func Topic(sym, event string) string {
	return strings.ToLower(sym) + "@" + event
}

// Variants returns every topic key an inbound event matches against: the
// bare event name plus the symbol-scoped topic in both casing conventions
// venues use. Subscribers may register under any of these spellings.
func Variants(sym, event string) []string {
	if sym == "" {
		return []string{event}
	}
	lower := strings.ToLower(sym) + "@" + event
	upper := strings.ToUpper(sym) + "@" + event
	out := []string{event, lower}
	if upper != lower {
		out = append(out, upper)
	}
	return out
}

// Split separates a topic key into its symbol and event parts. The symbol
// is empty for bare event topics.
func Split(topic string) (sym, event string) {
	if i := strings.IndexByte(topic, '@'); i >= 0 {
		return topic[:i], topic[i+1:]
	}
	return "", topic
}
