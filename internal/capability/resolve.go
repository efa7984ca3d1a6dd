package capability

import (
	"slices"
	"sort"
	"strings"
	"unicode"
)

// verbGroup is a family of synonymous action verbs. Canonical is the action used when a
// plan has to be guessed from free text.
type verbGroup struct {
	name      string
	canonical string
	keywords  []string
}

// Heuristic priority order: the first group whose keyword appears in an action wins.
var verbGroups = []verbGroup{
	{name: "list", canonical: "listTodos", keywords: []string{"list", "search", "find", "query", "show"}},
	{name: "get", canonical: "getTodo", keywords: []string{"get", "fetch", "read", "retrieve", "view"}},
	{name: "create", canonical: "createTodo", keywords: []string{"create", "add", "new", "insert", "make"}},
	{name: "update", canonical: "updateTodo", keywords: []string{"update", "edit", "modify", "change", "set", "rename"}},
	{name: "delete", canonical: "deleteTodo", keywords: []string{"delete", "remove", "destroy", "purge", "clear"}},
	{name: "toggle", canonical: "toggleTodoCompletion", keywords: []string{"toggle", "complete", "completion", "done", "finish", "check"}},
	{name: "time", canonical: "startTimeTracking", keywords: []string{"timer", "tracking", "track", "time", "start", "stop"}},
}

var stopwords = map[string]bool{"all": true, "the": true, "a": true, "an": true, "my": true, "of": true, "to": true, "for": true}

// Resolve maps a logical action to a capability name. It is pure: the same action and
// the same capability set always produce the same answer, whatever the input order.
//
// Resolution order, first match wins: exact name (namespace prefix ignored), alias table,
// case-variant spelling, then keyword overlap by verb group priority. An action whose
// verb group has no matching capability is unresolved rather than mapped to a different
// kind of operation.
func Resolve(action string, caps []Capability) (string, bool) {
	action = strings.TrimSpace(action)
	if action == "" || len(caps) == 0 {
		return "", false
	}
	sorted := sortedCopy(caps)

	for _, c := range sorted {
		if c.Name == action {
			return c.Name, true
		}
	}
	base := stripNamespace(action)
	for _, c := range sorted {
		if stripNamespace(c.Name) == base {
			return c.Name, true
		}
	}

	toks := tokenize(base)
	if len(toks) == 0 {
		return "", false
	}
	if name, ok := BuildAliases(sorted)[aliasKey(toks)]; ok {
		return name, true
	}

	joined := strings.Join(toks, "")
	for _, c := range sorted {
		if strings.Join(tokenize(stripNamespace(c.Name)), "") == joined {
			return c.Name, true
		}
	}

	return byKeyword(stemAll(toks), sorted)
}

// BuildAliases derives an alias table from the live capability list: every capability
// named "<verb><Rest>" is reachable under each synonym of its verb. Keys are lowercase
// with plural suffixes folded. On collision the alphabetically first capability keeps the key.
func BuildAliases(caps []Capability) map[string]string {
	aliases := make(map[string]string)
	for _, c := range sortedCopy(caps) {
		toks := tokenize(stripNamespace(c.Name))
		if len(toks) == 0 {
			continue
		}
		g := groupOf(toks[0])
		if g == nil {
			continue
		}
		rest := strings.Join(stemAll(toks[1:]), "")
		for _, kw := range g.keywords {
			key := kw + rest
			if _, taken := aliases[key]; !taken {
				aliases[key] = c.Name
			}
		}
	}
	return aliases
}

// GuessAction picks a canonical action from free text. Used when no decomposition is
// available for a request.
func GuessAction(intent string) string {
	if g := firstGroup(stemAll(tokenize(intent))); g != nil {
		return g.canonical
	}
	return verbGroups[0].canonical
}

// ActionGroup names the verb group of an action ("list", "delete", ...), or "" when no
// group keyword appears in it.
func ActionGroup(action string) string {
	if g := firstGroup(stemAll(tokenize(stripNamespace(action)))); g != nil {
		return g.name
	}
	return ""
}

func byKeyword(toks []string, caps []Capability) (string, bool) {
	g := firstGroup(toks)

	var nouns []string
	for _, t := range toks {
		if stopwords[t] || (g != nil && slices.Contains(g.keywords, t)) {
			continue
		}
		nouns = append(nouns, t)
	}

	best, bestScore := "", 0
	for _, c := range caps {
		nameToks := stemAll(tokenize(stripNamespace(c.Name)))
		descToks := stemAll(tokenize(c.Description))

		score := 2*overlap(nouns, nameToks) + overlap(nouns, descToks)
		if g != nil {
			inName := containsAny(nameToks, g.keywords)
			if !inName && !containsAny(descToks, g.keywords) {
				continue
			}
			score++
			if inName {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c.Name, score
		}
	}
	return best, best != ""
}

func firstGroup(toks []string) *verbGroup {
	for i := range verbGroups {
		if containsAny(toks, verbGroups[i].keywords) {
			return &verbGroups[i]
		}
	}
	return nil
}

func groupOf(verb string) *verbGroup {
	for i := range verbGroups {
		if slices.Contains(verbGroups[i].keywords, verb) {
			return &verbGroups[i]
		}
	}
	return nil
}

func aliasKey(toks []string) string {
	return toks[0] + strings.Join(stemAll(toks[1:]), "")
}

func overlap(nouns, toks []string) int {
	n := 0
	for _, noun := range nouns {
		for _, t := range toks {
			if t == noun || (len(noun) >= 4 && strings.Contains(t, noun)) {
				n++
				break
			}
		}
	}
	return n
}

func containsAny(toks, keywords []string) bool {
	for _, k := range keywords {
		if slices.Contains(toks, k) {
			return true
		}
	}
	return false
}

func stripNamespace(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

func sortedCopy(caps []Capability) []Capability {
	out := slices.Clone(caps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// tokenize splits camelCase, snake_case, kebab-case and free text into lowercase words.
func tokenize(s string) []string {
	var toks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			toks = append(toks, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r):
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return toks
}

func stem(t string) string {
	if len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss") {
		return t[:len(t)-1]
	}
	return t
}

func stemAll(toks []string) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = stem(t)
	}
	return out
}
